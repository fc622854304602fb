package main

import (
	"github.com/rs/zerolog"

	"folio/internal/config"
	"folio/internal/security/secretbox"
	"folio/internal/store"
	"folio/internal/store/file"
	"folio/internal/store/memory"
	"folio/internal/store/postgres"
)

// openStore builds the configured session store. The returned close func
// is never nil.
func openStore(cfg config.Config, log zerolog.Logger) (store.SessionStore, func(), error) {
	noop := func() {}
	if cfg.StoreMode == "memory" {
		return memory.NewStore(), noop, nil
	}

	var (
		box *secretbox.Box
		err error
	)
	if cfg.SessionEncryptionKey != "" {
		box, err = secretbox.New(cfg.SessionEncryptionKey)
	} else {
		box, err = secretbox.NewMachineBound()
	}
	if err != nil {
		return nil, noop, err
	}

	if cfg.StoreMode == "postgres" {
		pg, err := postgres.NewStore(cfg.DatabaseURL, box)
		if err != nil {
			log.Warn().Err(err).Msg("postgres session store unavailable, falling back to memory store")
			return memory.NewStore(), noop, nil
		}
		return pg, func() { _ = pg.Close() }, nil
	}
	return file.NewStore(cfg.SessionCacheFile, box, log), noop, nil
}
