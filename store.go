package main

import (
	"github.com/listinvest/rendezvous/store"
	"github.com/listinvest/rendezvous/store/fs"
	"github.com/listinvest/rendezvous/store/mem"
	"github.com/listinvest/rendezvous/store/redis"
)

// makeStore creates the infra store instance according to configuration.
// It holds infrastructure keys (onion service key, ACME certificates);
// session records never touch it.
func (a *App) makeStore() (store.Store, error) {
	switch a.cfg.Storage {
	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store' config: %v", err)
		}
		return redis.New(cfg)

	case "memory", "":
		return mem.New(mem.Config{})

	case "fs":
		var cfg fs.Config
		if err := ko.Unmarshal("store", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store' config: %v", err)
		}
		return fs.New(cfg, logger)

	default:
		logger.Fatal("app.storage must be one of redis|memory|fs")
	}
	return nil, nil
}
