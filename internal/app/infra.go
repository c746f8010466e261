package app

import (
	"context"
	"database/sql"

	"github.com/fedora-infra/fas-openid/internal/config"
	"github.com/fedora-infra/fas-openid/internal/db"
	"github.com/fedora-infra/fas-openid/internal/logger"
	"github.com/fedora-infra/fas-openid/internal/redis"

	_ "github.com/lib/pq"
)

type Infra struct {
	DB    *db.DB
	Redis *redis.Client
}

func setupInfra(ctx context.Context, cfg config.Config) (*Infra, error) {
	sqlDB, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := db.RunMigration(ctx, sqlDB); err != nil {
		return nil, err
	}

	logger.Info("database ready", nil)

	infra := &Infra{
		DB: &db.DB{DB: sqlDB},
	}

	// Redis is optional; without it the relational transaction store
	// is used instead.
	if cfg.RedisAddr != "" {
		redisClient, err := redis.New(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		infra.Redis = redisClient
		logger.Info("redis ready", nil)
	}

	return infra, nil
}
