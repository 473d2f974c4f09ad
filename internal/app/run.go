package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/counselcall/internal/config"
	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/hub"
	"github.com/petervdpas/counselcall/internal/storage"
	"github.com/petervdpas/counselcall/internal/viewer"
	"github.com/petervdpas/counselcall/internal/viewer/routes"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunPeer runs one user's process: the store connection, the session of the
// configured identity and the local viewer. Config edits are applied live.
func RunPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logs := viewer.NewLogBuffer(cfg.Viewer.LogBufferSize)
	if err := SetupLogging(logs, cfg.Viewer.Debug); err != nil {
		return err
	}
	logBanner("peer", opt.Dir, opt.CfgPath)

	store, err := OpenStore(ctx, cfg, opt.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	contacts, err := storage.Open(filepath.Join(opt.Dir, "local"))
	if err != nil {
		return fmt.Errorf("open contacts: %w", err)
	}
	defer contacts.Close()

	p := &peer{store: store, contacts: contacts, cfg: cfg}
	if err := p.signIn(ctx, cfg); err != nil {
		return err
	}
	defer p.signOut()

	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Session:        p.current,
				Logs:           logs,
				AllowedOrigins: cfg.Viewer.AllowedOrigins,
				Debug:          cfg.Viewer.Debug,
			})
			if err != nil {
				log.Errorf("VIEWER: %v", err)
			}
		}()
		log.Infof("📋 Dashboard API: %s", url)
	}

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			p.reload(ctx, next)
		}); err != nil {
			log.Warnf("CONFIG: hot reload disabled: %v", err)
		}
	}

	<-ctx.Done()
	log.Infof("PEER: shutting down")
	return nil
}

type peer struct {
	store    docstore.Store
	contacts *storage.DB

	mu      sync.Mutex
	cfg     config.Config
	session *Session
}

// current returns the live session. A nil *Session must not leak into the
// interface, or the viewer would see a signed-in user.
func (p *peer) current() routes.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	return p.session
}

func (p *peer) signIn(ctx context.Context, cfg config.Config) error {
	if cfg.Identity.UserID == "" {
		log.Warnf("SESSION: no identity.user_id configured; calls and chat are off")
		return nil
	}
	s, err := StartSession(ctx, p.store, cfg.Identity, cfg, p.contacts)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	return nil
}

func (p *peer) signOut() {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

func (p *peer) reload(ctx context.Context, next config.Config) {
	p.mu.Lock()
	prev := p.cfg
	p.cfg = next
	s := p.session
	p.mu.Unlock()

	SetDebug(next.Viewer.Debug)
	if prev.Store != next.Store || prev.Hub.URL != next.Hub.URL || prev.Viewer.HTTPAddr != next.Viewer.HTTPAddr {
		log.Warnf("CONFIG: store, hub and viewer address changes apply after a restart")
	}

	if prev.Identity != next.Identity {
		p.signOut()
		if err := p.signIn(ctx, next); err != nil {
			log.Errorf("SESSION: %v", err)
		}
		return
	}
	if s != nil {
		s.Apply(next)
	}
}

// RunHub serves the document store to peers until ctx is done.
func RunHub(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if cfg.Store.Backend == config.BackendHub {
		return errors.New("a hub cannot use the hub backend; set store.backend to sqlite, mongo or memory")
	}

	logs := viewer.NewLogBuffer(cfg.Viewer.LogBufferSize)
	if err := SetupLogging(logs, cfg.Viewer.Debug); err != nil {
		return err
	}
	logBanner("hub", opt.Dir, opt.CfgPath)

	store, err := OpenStore(ctx, cfg, opt.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	srv := hub.NewServer(store, hub.Options{
		Token:      cfg.Hub.Token,
		WriteRate:  cfg.Hub.WriteRatePerSec,
		WriteBurst: cfg.Hub.WriteBurst,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Hub.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Close()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("🌐 Hub: listening on %s", cfg.Hub.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Infof("HUB: stopped")
	return nil
}
