package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cryguy/worker/v3/internal/ai"
	"github.com/cryguy/worker/v3/internal/analytics"
	"github.com/cryguy/worker/v3/internal/assets"
	"github.com/cryguy/worker/v3/internal/core"
	"github.com/cryguy/worker/v3/internal/d1"
	"github.com/cryguy/worker/v3/internal/hyperdrive"
	"github.com/cryguy/worker/v3/internal/kv"
	"github.com/cryguy/worker/v3/internal/r2"
	"github.com/cryguy/worker/v3/internal/service"
	"github.com/cryguy/worker/v3/internal/vectorize"
)

// Resources owns the backends opened by OpenEnv.
type Resources struct {
	closers []func() error
}

func (r *Resources) add(fn func() error) { r.closers = append(r.closers, fn) }

// Close releases every backend in reverse order of opening.
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewServiceBinding returns a Fetcher that runs requests on target, for
// binding one Host as a service of another. The target handles them with
// its own Env; the caller's bindings and secrets never reach it.
func NewServiceBinding(target *Host) Fetcher {
	return service.NewLocal(target)
}

// OpenEnv builds an Env from the bindings declared in cfg. Durable Object
// namespaces and queue producers are added by NewHost, which knows the
// handlers. An empty DataDir keeps sqlite-backed bindings in memory.
func OpenEnv(ctx context.Context, cfg HostConfig, logger *zap.Logger) (env *Env, res *Resources, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	res = &Resources{}
	defer func() {
		if err != nil {
			_ = res.Close()
			env, res = nil, nil
		}
	}()

	env = &Env{
		Environment: cfg.Environment,
		Vars:        make(map[string]string, len(cfg.Vars)),
		Secrets:     make(map[string]string),
	}
	for k, v := range cfg.Vars {
		env.Vars[k] = v
	}

	if env.Assets, err = assets.NewDir(cfg.Assets.Directory, cfg.Assets.NotFoundHandling); err != nil {
		return nil, nil, err
	}

	if err = openKV(ctx, cfg, env, res); err != nil {
		return nil, nil, err
	}

	if len(cfg.D1) > 0 {
		env.D1 = make(map[string]core.D1Database, len(cfg.D1))
		for _, b := range cfg.D1 {
			var db *d1.Database
			if cfg.DataDir == "" {
				db, err = d1.OpenMemory(b.DatabaseID)
			} else {
				db, err = d1.Open(cfg.DataDir, b.DatabaseID)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("d1 binding %q: %w", b.Binding, err)
			}
			res.add(db.Close)
			env.D1[b.Binding] = db
		}
	}

	if len(cfg.R2) > 0 {
		env.R2 = make(map[string]core.R2Bucket, len(cfg.R2))
		for _, b := range cfg.R2 {
			bucket, err := openBucket(ctx, cfg.DataDir, b)
			if err != nil {
				return nil, nil, fmt.Errorf("r2 binding %q: %w", b.Binding, err)
			}
			env.R2[b.Binding] = bucket
		}
	}

	if cfg.AI != nil {
		if env.AI, err = ai.New(ai.Config{Endpoint: cfg.AI.Endpoint, Token: cfg.AI.Token}); err != nil {
			return nil, nil, err
		}
	}

	if len(cfg.Analytics) > 0 {
		env.Analytics = make(map[string]core.AnalyticsEngineDataset, len(cfg.Analytics))
		for _, b := range cfg.Analytics {
			name := b.Dataset
			if name == "" {
				name = b.Binding
			}
			ds := analytics.New(name, analytics.Options{Logger: logger.Named("analytics")})
			res.add(func() error { ds.Close(); return nil })
			env.Analytics[b.Binding] = ds
		}
	}

	if len(cfg.Services) > 0 {
		env.Services = make(map[string]core.Fetcher, len(cfg.Services))
		for _, b := range cfg.Services {
			remote, err := service.NewRemote(b.URL, service.RemoteOptions{BlockPrivate: b.BlockPrivate})
			if err != nil {
				return nil, nil, fmt.Errorf("service binding %q: %w", b.Binding, err)
			}
			env.Services[b.Binding] = remote
		}
	}

	if len(cfg.Vectorize) > 0 {
		env.Vectorize = make(map[string]core.VectorizeIndex, len(cfg.Vectorize))
		for _, b := range cfg.Vectorize {
			idx, err := vectorize.New(b.Dimensions, b.Metric)
			if err != nil {
				return nil, nil, fmt.Errorf("vectorize binding %q: %w", b.Binding, err)
			}
			env.Vectorize[b.Binding] = idx
		}
	}

	if len(cfg.Hyperdrive) > 0 {
		env.Hyperdrive = make(map[string]core.Hyperdrive, len(cfg.Hyperdrive))
		for _, b := range cfg.Hyperdrive {
			hd, err := hyperdrive.Parse(b.ConnectionString)
			if err != nil {
				return nil, nil, fmt.Errorf("hyperdrive binding %q: %w", b.Binding, err)
			}
			res.add(hd.Close)
			env.Hyperdrive[b.Binding] = hd
		}
	}

	return env, res, nil
}

func openKV(ctx context.Context, cfg HostConfig, env *Env, res *Resources) error {
	if len(cfg.KV) == 0 {
		return nil
	}
	env.KV = make(map[string]core.KVNamespace, len(cfg.KV))
	var db *gorm.DB
	for _, b := range cfg.KV {
		switch b.Backend {
		case "redis":
			client, err := kv.NewRedisClient(b.RedisURL)
			if err != nil {
				return fmt.Errorf("kv binding %q: %w", b.Binding, err)
			}
			res.add(client.Close)
			env.KV[b.Binding] = kv.NewRedisNamespace(client, b.Binding)
		case "", "sqlite":
			if db == nil {
				path := ":memory:"
				if cfg.DataDir != "" {
					path = filepath.Join(cfg.DataDir, "kv.sqlite3")
				}
				var err error
				if db, err = kv.OpenSQLite(path); err != nil {
					return fmt.Errorf("kv binding %q: %w", b.Binding, err)
				}
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				res.add(sqlDB.Close)
				if _, err := kv.PurgeExpired(ctx, db, time.Now()); err != nil {
					return fmt.Errorf("purging expired kv entries: %w", err)
				}
			}
			env.KV[b.Binding] = kv.NewSQLiteNamespace(db, b.Binding)
		default:
			return fmt.Errorf("kv binding %q: unknown backend %q", b.Binding, b.Backend)
		}
	}
	return nil
}

func openBucket(ctx context.Context, dataDir string, b core.R2Config) (core.R2Bucket, error) {
	switch b.Backend {
	case "s3":
		return r2.NewS3Bucket(ctx, r2.S3Config{
			Bucket:   b.Bucket,
			Region:   b.Region,
			Endpoint: b.Endpoint,
		})
	case "", "fs":
		dir := b.Directory
		if dir == "" {
			if dataDir == "" {
				return nil, fmt.Errorf("filesystem bucket needs a directory or a data dir")
			}
			dir = filepath.Join(dataDir, "r2", b.Binding)
		}
		return r2.NewFSBucket(dir)
	default:
		return nil, fmt.Errorf("unknown backend %q", b.Backend)
	}
}
