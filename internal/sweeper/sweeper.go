// Package sweeper removes records whose owning student no longer exists.
//
// Every run is a full recomputation: the live student set is read fresh for
// each pass and exactly the records outside it are deleted. Nothing is
// checkpointed, so a failed pass is simply retried by the next tick.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a sweep once per minute.
const DefaultSchedule = "@every 1m"

// LiveSet supplies the identifiers of every live student.
type LiveSet interface {
	LiveIDs(ctx context.Context) ([]string, error)
}

// OrphanStore is a store whose records reference students.
type OrphanStore interface {
	OrphanIDs(ctx context.Context, live []string) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Pass is one independent set-difference delete.
type Pass struct {
	Name  string
	Store OrphanStore
}

// Result is the outcome of one pass.
type Result struct {
	Pass    string `json:"pass"`
	Deleted int64  `json:"deleted"`
	Err     error  `json:"-"`
}

// Report is the outcome of one run.
type Report struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Results  []Result      `json:"results"`
}

// Deleted sums deletions across passes.
func (r Report) Deleted() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.Deleted
	}
	return n
}

// Err joins the errors of failed passes.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Pass, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Sweeper runs the reconciliation passes on a cron schedule or on demand.
type Sweeper struct {
	live    LiveSet
	passes  []Pass
	log     *zap.Logger
	metrics *metrics
	timeout time.Duration
	now     func() time.Time

	run  sync.Mutex
	cron *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithTimeout bounds each scheduled run.
func WithTimeout(d time.Duration) Option { return func(s *Sweeper) { s.timeout = d } }

// WithRegisterer exports sweep metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Sweeper) { s.metrics = newMetrics(reg) }
}

// WithClock overrides the time source used for reports.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New creates a sweeper over the given passes. It does not schedule anything until Schedule and Start.
func New(live LiveSet, passes []Pass, log *zap.Logger, opts ...Option) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{
		live:    live,
		passes:  passes,
		log:     log,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(log))
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	return s
}

// Schedule registers the sweep on spec, e.g. "@every 1m".
func (s *Sweeper) Schedule(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	return s.AddJob(spec, "sweep", func(ctx context.Context) error {
		return s.RunOnce(ctx).Err()
	})
}

// AddJob registers another periodic job on the sweeper's scheduler. Errors are
// logged and the job runs again on its next tick.
func (s *Sweeper) AddJob(spec, name string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := job(ctx); err != nil {
			s.log.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.log.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (s *Sweeper) Stop() context.Context { return s.cron.Stop() }

// RunOnce performs every pass once. Runs are serialized; a failing or
// panicking pass never prevents the others from running.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	s.run.Lock()
	defer s.run.Unlock()

	rep := Report{Started: s.now()}
	for _, p := range s.passes {
		res := s.runPass(ctx, p)
		rep.Results = append(rep.Results, res)
		s.metrics.observe(res)

		switch {
		case res.Err != nil:
			s.log.Error("sweep pass failed", zap.String("pass", p.Name), zap.Error(res.Err))
		case res.Deleted > 0:
			s.log.Info("orphans removed", zap.String("pass", p.Name), zap.Int64("deleted", res.Deleted))
		default:
			s.log.Debug("no orphans", zap.String("pass", p.Name))
		}
	}
	rep.Duration = s.now().Sub(rep.Started)
	s.metrics.duration(rep.Duration)
	return rep
}

func (s *Sweeper) runPass(ctx context.Context, p Pass) (res Result) {
	res.Pass = p.Name
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	live, err := s.live.LiveIDs(ctx)
	if err != nil {
		res.Err = fmt.Errorf("live students: %w", err)
		return res
	}
	ids, err := p.Store.OrphanIDs(ctx, live)
	if err != nil {
		res.Err = fmt.Errorf("find orphans: %w", err)
		return res
	}
	if len(ids) == 0 {
		return res
	}
	res.Deleted, res.Err = p.Store.DeleteByIDs(ctx, ids)
	if res.Err != nil {
		res.Err = fmt.Errorf("delete orphans: %w", res.Err)
	}
	return res
}
