package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.Cmdable, prefix string) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client redis.Cmdable, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func schemaVersionKey(prefix string) string {
	return prefix + "schema:version"
}

func getSchemaVersion(ctx context.Context, client redis.Cmdable, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.Cmdable, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// The session index must be a sorted set scored by creation time.
			Version: 1,
			Up: func(ctx context.Context, client redis.Cmdable, prefix string) error {
				key := sessionIndexKey(prefix)
				kind, err := client.Type(ctx, key).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "zset" {
					return client.Del(ctx, key).Err()
				}
				return nil
			},
		},
		{
			// Token counters moved to key scans; drop the old counter.
			Version: 2,
			Up: func(ctx context.Context, client redis.Cmdable, prefix string) error {
				return client.Del(ctx, prefix+"token:count").Err()
			},
		},
	}
}
