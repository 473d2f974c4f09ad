package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/counselcall/internal/call"
	"github.com/petervdpas/counselcall/internal/chat"
	"github.com/petervdpas/counselcall/internal/config"
	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/storage"
)

// Session holds everything that lives while one user is signed in: the call
// manager, the incoming call watcher and the chat manager. Stop tears all
// of it down.
type Session struct {
	self     call.Identity
	calls    *call.Manager
	watcher  *call.Watcher
	chat     *chat.Manager
	contacts *storage.DB

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// StartSession starts the call and chat services of id over store. contacts
// may be nil.
func StartSession(ctx context.Context, store docstore.Store, id config.Identity, cfg config.Config, contacts *storage.DB) (*Session, error) {
	if id.UserID == "" {
		return nil, errors.New("no signed-in user")
	}
	self := call.Identity{ID: id.UserID, Name: id.Name}

	calls := call.New(store, call.Options{
		Self:          self,
		Capturer:      Capturer(cfg.Call),
		NewNegotiator: call.PionFactory(NegotiatorConfig(cfg.Call)),
		RingTimeout:   seconds(cfg.Call.RingTimeoutSec),
	})
	watcher := call.NewWatcher(calls, call.WatcherOptions{
		MaxBackoff: seconds(cfg.Hub.MaxBackoffSec),
	})
	chatMgr := chat.New(store, chat.Options{
		SendRate:  cfg.Chat.SendRatePerSec,
		SendBurst: cfg.Chat.SendBurst,
		OnSubscriptionError: func(threadID string, err error) {
			log.Warnf("CHAT: thread %s subscription interrupted: %v", threadID, err)
		},
	})

	s := &Session{
		self:     self,
		calls:    calls,
		watcher:  watcher,
		chat:     chatMgr,
		contacts: contacts,
	}

	watcher.OnIncoming(func(ic call.IncomingCall) {
		log.Infof("SESSION: incoming call %s from %s", ic.CallID, ic.CallerID)
		s.remember(ic.CallerID, ic.CallerName)
	})

	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := watcher.Start(wctx); err != nil {
		cancel()
		calls.Close()
		return nil, err
	}
	log.Infof("SESSION: started for %s (%s)", self.ID, self.Name)
	return s, nil
}

// Self returns the signed-in user.
func (s *Session) Self() call.Identity { return s.self }

// Calls returns the call manager for the signed-in user.
func (s *Session) Calls() *call.Manager { return s.calls }

// Incoming returns the watcher that rings for calls to the signed-in user.
func (s *Session) Incoming() *call.Watcher { return s.watcher }

// Chat returns the chat manager.
func (s *Session) Chat() *chat.Manager { return s.chat }

// Contacts lists the users seen in calls, most recent first.
func (s *Session) Contacts() ([]storage.Contact, error) {
	if s.contacts == nil {
		return nil, nil
	}
	return s.contacts.ListContacts()
}

// Remember records a peer's display name for later dashboards.
func (s *Session) Remember(userID, name string) {
	s.remember(userID, name)
}

func (s *Session) remember(userID, name string) {
	if s.contacts == nil || userID == "" || userID == s.self.ID {
		return
	}
	if err := s.contacts.UpsertContact(storage.Contact{UserID: userID, Name: name, LastSeen: time.Now()}); err != nil {
		log.Warnf("SESSION: remember contact %s: %v", userID, err)
	}
}

// Apply takes the settings that can change without restarting the session.
func (s *Session) Apply(cfg config.Config) {
	s.calls.SetRingTimeout(seconds(cfg.Call.RingTimeoutSec))
}

// Stop cancels every subscription and hangs up live calls.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.watcher.Stop()
		s.cancel()
		s.calls.Close()
		log.Infof("SESSION: stopped for %s", s.self.ID)
	})
}

// NegotiatorConfig maps the call settings to the pion negotiator.
func NegotiatorConfig(c config.Call) call.NegotiatorConfig {
	return call.NegotiatorConfig{
		STUNServers:         c.STUNServers,
		DisconnectedTimeout: seconds(c.DisconnectedTimeoutSec),
		FailedTimeout:       seconds(c.FailedTimeoutSec),
		KeepAliveInterval:   seconds(c.KeepAliveSec),
		KeyframeInterval:    seconds(c.KeyframeIntervalSec),
	}
}

// Capturer maps the call settings to the device capturer.
func Capturer(c config.Call) call.Capturer {
	return call.DeviceCapturer{
		ReceiveOnlyFallback: c.ReceiveOnlyFallback,
		VideoBitRate:        c.VideoBitRate,
		MaxWidth:            c.MaxWidth,
		MaxHeight:           c.MaxHeight,
	}
}
