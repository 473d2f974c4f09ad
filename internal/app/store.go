package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/counselcall/internal/config"
	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/docstore/mongostore"
	"github.com/petervdpas/counselcall/internal/docstore/redisbus"
	"github.com/petervdpas/counselcall/internal/hub"
	"github.com/petervdpas/counselcall/internal/storage"
	"github.com/petervdpas/counselcall/internal/util"
)

// OpenStore opens the document store named by cfg.Store.Backend. Relative
// data directories resolve against dir.
func OpenStore(ctx context.Context, cfg config.Config, dir string) (docstore.Store, error) {
	if cfg.Store.Backend == config.BackendHub {
		c, err := hub.Dial(ctx, hub.ClientOptions{
			URL:        cfg.Hub.URL,
			Token:      cfg.Hub.Token,
			User:       cfg.Identity.UserID,
			MaxBackoff: seconds(cfg.Hub.MaxBackoffSec),
		})
		if err != nil {
			return nil, err
		}
		log.Infof("STORE: connected to hub %s", cfg.Hub.URL)
		return c, nil
	}

	var opts []docstore.EngineOption
	var bus *redisbus.Bus
	if cfg.Store.RedisAddr != "" {
		b, err := redisbus.New(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisChannel)
		if err != nil {
			return nil, err
		}
		bus = b
		opts = append(opts, docstore.WithBus(bus))
		log.Infof("STORE: change bus on redis %s (%s)", cfg.Store.RedisAddr, cfg.Store.RedisChannel)
	}
	closeBus := func() {
		if bus != nil {
			_ = bus.Close()
		}
	}

	var backend docstore.Backend
	switch cfg.Store.Backend {
	case config.BackendMemory:
		backend = docstore.NewMemoryBackend()
		log.Warnf("STORE: memory backend, documents are lost on exit")
	case config.BackendSQLite:
		path := util.ResolvePath(dir, cfg.Store.DataDir)
		db, err := storage.Open(path)
		if err != nil {
			closeBus()
			return nil, err
		}
		backend = db
		log.Infof("STORE: sqlite in %s", path)
	case config.BackendMongo:
		be, err := mongostore.Open(ctx, mongostore.Options{
			URI:          cfg.Store.MongoURI,
			Database:     cfg.Store.MongoDatabase,
			Transactions: cfg.Store.MongoTransactions,
		})
		if err != nil {
			closeBus()
			return nil, err
		}
		backend = be
		log.Infof("STORE: mongo database %s", cfg.Store.MongoDatabase)
	default:
		closeBus()
		return nil, fmt.Errorf("%w: unknown store backend %q", docstore.ErrInvalidArgument, cfg.Store.Backend)
	}

	eng, err := docstore.NewEngine(backend, opts...)
	if err != nil {
		_ = backend.Close()
		closeBus()
		return nil, err
	}
	return eng, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
