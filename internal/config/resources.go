package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const healthTimeout = 5 * time.Second

// Resources owns the Postgres pool, the Redis client backing the Lease Store,
// and the object storage client for version blobs.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	bucket   string
}

// NewResources connects every backend and fails unless all of them answer a
// health probe.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{bucket: cfg.ObjectBucket}

	pool, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res.Postgres = pool
	res.Redis = openRedis(cfg)

	res.Object, err = openObjectStore(cfg)
	if err != nil {
		res.Close()
		return nil, err
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func openPostgres(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pgCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName + "/" + cfg.InstanceID
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

func openRedis(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		ClientName: cfg.InstanceID,
	})
}

func openObjectStore(cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return client, nil
}

// HealthCheck probes every backend and reports all failures together. Lease
// grants and appends fail closed while any of them is down, so /healthz and
// /readyz both use it.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var errs []error
	if err := r.Postgres.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("postgres: %w", err))
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	// Object storage has no ping; a bucket lookup exercises credentials and reachability.
	if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
		errs = append(errs, fmt.Errorf("object storage: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of creation.
func (r *Resources) Close() {
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
	if r.Postgres != nil {
		r.Postgres.Close()
	}
}
