// Package app wires configuration into stores, services and background jobs
// shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mithla/internal/attendance"
	"mithla/internal/config"
	"mithla/internal/feed"
	"mithla/internal/queue"
	"mithla/internal/store"
	"mithla/internal/students"
	"mithla/internal/sweeper"
)

// Backends are the storage and messaging handles selected by configuration.
type Backends struct {
	Ledger     attendance.Ledger
	Projection attendance.Projection
	Students   students.Repository
	Feeds      feed.Repository
	Queue      queue.Queue
	DB         *store.DB
	Redis      *store.Redis
}

// Open connects the configured backends. With STORE_BACKEND=memory nothing
// leaves the process; Redis is still dialled if the queue or rate limiter needs it.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backends, error) {
	b := &Backends{}
	needRedis := cfg.StoreBackend == config.BackendPostgres ||
		cfg.QueueBackend == config.BackendRedis ||
		cfg.RateLimitBackend == config.BackendRedis
	if needRedis {
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			log.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr))
		}
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		b.Ledger = attendance.NewMemoryLedger()
		b.Projection = attendance.NewMemoryProjection(cfg.ProjectionTTL, nil)
		b.Students = students.NewMemoryRepository(nil)
		b.Feeds = feed.NewMemoryRepository()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			b.Close()
			return nil, err
		}
		b.DB = db
		b.Ledger = attendance.NewPostgresLedger(db.Client)
		b.Projection = attendance.NewRedisProjection(b.Redis.Client, cfg.ProjectionTTL)
		b.Students = students.NewPostgresRepository(db.Client)
		b.Feeds = feed.NewPostgresRepository(db.Client)
	}

	if cfg.QueueBackend == config.BackendMemory {
		b.Queue = queue.NewInMemory(64)
	} else {
		b.Queue = queue.NewRedisQueue(b.Redis.Client, cfg.QueueKey)
	}
	log.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("queue", cfg.QueueBackend))
	return b, nil
}

// Healthy reports reachability of each external backend.
func (b *Backends) Healthy(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if b.DB != nil {
		out["db"] = b.DB.Healthy(ctx)
	}
	if b.Redis != nil {
		out["redis"] = b.Redis.Healthy(ctx)
	}
	return out
}

// Close releases every connection.
func (b *Backends) Close() {
	if b == nil {
		return
	}
	_ = b.DB.Close()
	_ = b.Redis.Close()
}

// Services are the domain services built over the backends.
type Services struct {
	Coordinator *attendance.Coordinator
	Reports     *attendance.Reports
	Students    *students.Service
	Feeds       *feed.Service
	Sweeper     *sweeper.Sweeper
}

// Build constructs the services and registers their metrics on reg.
func Build(b *Backends, cfg config.App, log *zap.Logger, reg prometheus.Registerer) *Services {
	st := students.NewService(b.Students, b.Queue, log.Named("students"), nil)
	return &Services{
		Coordinator: attendance.NewCoordinator(b.Ledger, b.Projection, cfg.EditWindow,
			attendance.WithLogger(log.Named("coordinator")),
			attendance.WithMetrics(attendance.NewMetrics(reg))),
		Reports:  attendance.NewReports(b.Ledger, st, nil),
		Students: st,
		Feeds:    feed.NewService(b.Feeds, st, nil),
		Sweeper: sweeper.New(st, []sweeper.Pass{
			{Name: "attendance", Store: b.Ledger},
			{Name: "feeds", Store: b.Feeds},
		}, log.Named("sweeper"), sweeper.WithRegisterer(reg), sweeper.WithTimeout(time.Minute)),
	}
}

// StartBackground schedules the sweep and the expiry eviction, starts the
// scheduler and consumes queue events until ctx ends. The returned function
// stops the scheduler and waits for running jobs.
func (s *Services) StartBackground(ctx context.Context, cfg config.App, q queue.Queue, log *zap.Logger) (func(), error) {
	if err := s.Sweeper.Schedule(cfg.SweepSchedule); err != nil {
		return nil, err
	}
	if err := s.Sweeper.AddJob(cfg.EvictionSchedule, "evict-expired", func(ctx context.Context) error {
		_, err := s.Students.PurgeExpired(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue consume: %w", err)
	}
	s.Sweeper.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			s.handle(ctx, msg, log)
		}
	}()

	return func() {
		<-s.Sweeper.Stop().Done()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn("queue consumer still draining")
		}
	}, nil
}

func (s *Services) handle(ctx context.Context, msg queue.Message, log *zap.Logger) {
	switch msg.Type {
	case queue.TypeStudentDeleted, queue.TypeSweep:
	default:
		log.Debug("ignoring message", zap.String("type", msg.Type))
		return
	}
	rep := s.Sweeper.RunOnce(ctx)
	if err := rep.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("on-demand sweep incomplete", zap.String("trigger", msg.Type), zap.Error(err))
		return
	}
	log.Info("on-demand sweep",
		zap.String("trigger", msg.Type),
		zap.String("student", string(msg.Body)),
		zap.Int64("deleted", rep.Deleted()))
}
