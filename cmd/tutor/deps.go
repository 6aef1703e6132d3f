package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"repetitor/internal/config"
	"repetitor/internal/crypto"
	"repetitor/internal/retention"
	"repetitor/internal/storage"
)

// openStore opens the database and enables at-rest sealing when master keys
// are configured.
func openStore(ctx context.Context, cfg *config.Config, autoMigrate bool) (*storage.Store, error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.SealingEnabled() {
		sealer, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init crypto: %w", err)
		}
		store = store.WithSealer(sealer)
		log.Info().Str("key_id", cfg.Crypto.CurrentKeyID).Msg("at-rest sealing enabled")
	}
	return store, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

func newSweeper(cfg *config.Config, store *storage.Store, rdb *redis.Client) *retention.Sweeper {
	return retention.NewSweeper(retention.Config{
		Store:         store,
		Locker:        retention.NewLocker(rdb, ""),
		RetentionDays: cfg.Retention.Days,
		LockTTL:       cfg.Retention.LockTTL,
		Logger:        log.Logger,
	})
}
