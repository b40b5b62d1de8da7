package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duet/cmd/internal/profile"
)

// ErrNoDatabase is returned by operations that need database.url.
var ErrNoDatabase = errors.New("database.url is not configured")

// PutProfile writes a profile to the Postgres profile table and drops its cached copy.
// Profiles are owned outside the chat API; this is the operator path for seeding them.
func PutProfile(ctx context.Context, cfg Config, log Logger, p profile.Profile) error {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return ErrNoDatabase
	}

	pool, err := NewDBPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	store, err := profile.NewPostgresStore(pool, cfg.Database.Schema)
	if err != nil {
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("db migrate profiles: %w", err)
		}
	}
	if err := store.Put(ctx, p); err != nil {
		return err
	}
	log.Info("profile.put", "participant_id", p.ID)

	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		cache, err := profile.NewRedisCache(ctx, url)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = cache.Close() }()

		cached, err := profile.NewCachedLookup(store, cache, cfg.Redis.ProfileTTL, log)
		if err != nil {
			return err
		}
		if err := cached.Invalidate(ctx, p.ID); err != nil {
			log.Warn("profile.cache.invalidate.fail", "participant_id", p.ID, "err", err)
		}
	}
	return nil
}
