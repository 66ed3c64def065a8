package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/bugexd/internal/logger"
	"github.com/loykin/bugexd/internal/metrics"
	"github.com/loykin/bugexd/internal/process"
	"github.com/loykin/bugexd/internal/request"
	"github.com/loykin/bugexd/internal/result"
)

var (
	ErrShutdown          = errors.New("registry is shut down")
	ErrAlreadySupervised = errors.New("request already supervised")
)

const shutdownParallelism = 16

// Config carries the supervision settings for every job.
type Config struct {
	Executable      string
	ResultFileName  string
	LogFileName     string
	WorkingDir      string
	Debug           bool
	ArtificialDelay int // seconds, only passed when Debug is set
	CheckInterval   time.Duration
	MaxLifeTime     time.Duration
	KillOnShutdown  bool
	Env             []string // extra "K=V" for the tool
	Log             logger.Config
}

// DefaultConfig mirrors the shipped configuration file.
func DefaultConfig() Config {
	return Config{
		ResultFileName:  process.DefaultResultFileName,
		LogFileName:     process.DefaultLogFileName,
		WorkingDir:      os.TempDir(),
		ArtificialDelay: 5,
		CheckInterval:   5 * time.Second,
		MaxLifeTime:     12 * time.Hour,
		KillOnShutdown:  true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Executable == "":
		return errors.New("executable is required")
	case c.WorkingDir == "":
		return errors.New("working dir is required")
	case c.CheckInterval <= 0:
		return fmt.Errorf("check interval must be > 0, got %v", c.CheckInterval)
	case c.MaxLifeTime < c.CheckInterval:
		return fmt.Errorf("max life time %v must be >= check interval %v", c.MaxLifeTime, c.CheckInterval)
	case c.ArtificialDelay < 0:
		return errors.New("artificial delay must be >= 0")
	}
	return nil
}

func (c Config) processSpec(req *request.Request) process.Spec {
	return process.Spec{
		Token:           req.Token(),
		Executable:      c.Executable,
		ArchivePath:     req.ArchivePath(),
		TestCase:        req.TestCase(),
		WorkDir:         req.Folder(),
		Debug:           c.Debug,
		ArtificialDelay: c.ArtificialDelay,
		ResultFileName:  c.ResultFileName,
		LogFileName:     c.LogFileName,
		Env:             c.Env,
		Log:             c.Log,
	}
}

// InstanceFactory builds the process for a request.
type InstanceFactory func(process.Spec) (Instance, error)

func defaultFactory(s process.Spec) (Instance, error) {
	h, err := process.New(s)
	if err != nil {
		return nil, err
	}
	return h, nil
}

type Option func(*Registry)

// WithInstanceFactory replaces process.New, mainly for tests.
func WithInstanceFactory(f InstanceFactory) Option {
	return func(r *Registry) { r.newInstance = f }
}

// WithClock overrides time.Now for lifetime accounting.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns the supervision jobs of one server. Finished jobs remove
// themselves; Shutdown cancels whatever is still running.
type Registry struct {
	cfg         Config
	ingester    result.Ingester
	newInstance InstanceFactory
	now         func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job // nil value: token reserved, job not built yet
	closed bool
}

func NewRegistry(cfg Config, ing result.Ingester, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ing == nil {
		return nil, errors.New("result ingester is required")
	}
	r := &Registry{
		cfg:         cfg,
		ingester:    ing,
		newInstance: defaultFactory,
		now:         time.Now,
		jobs:        make(map[string]*Job),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Registry) Config() Config { return r.cfg }

// Submit starts supervising req and returns without waiting for the tool.
// A missing archive is reported here and no job is created.
func (r *Registry) Submit(ctx context.Context, req *request.Request) (*Job, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	token := req.Token()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, ok := r.jobs[token]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySupervised, token)
	}
	r.jobs[token] = nil
	r.mu.Unlock()

	j, err := r.build(req)
	if err != nil {
		r.release(token, nil)
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		delete(r.jobs, token)
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	r.jobs[token] = j
	n := r.countLocked()
	r.mu.Unlock()
	metrics.SetActiveJobs(n)

	if err := req.UpdateStatus(ctx, request.StatusProcessing, "supervision started"); err != nil {
		r.release(token, j)
		return nil, err
	}
	metrics.IncSubmitted()
	if err := j.start(ctx); err != nil {
		if errors.Is(err, ErrCanceled) {
			return nil, r.abandon(ctx, req)
		}
		return nil, err
	}
	return j, nil
}

// abandon fails a request whose job was canceled before the tool launched,
// so it does not stay Processing with nothing supervising it.
func (r *Registry) abandon(ctx context.Context, req *request.Request) error {
	const reason = "canceled before the analysis started"
	if err := req.UpdateStatus(ctx, request.StatusFailed, reason); err != nil {
		slog.Warn("status update rejected", "token", req.Token(), "error", err)
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %s", ErrShutdown, reason)
	}
	return fmt.Errorf("%w: %s", ErrCanceled, reason)
}

func (r *Registry) build(req *request.Request) (*Job, error) {
	if err := os.MkdirAll(req.Folder(), 0o750); err != nil {
		return nil, fmt.Errorf("create working folder: %w", err)
	}
	spec := r.cfg.processSpec(req)
	inst, err := r.newInstance(spec)
	if err != nil {
		return nil, err
	}
	// a token reused after delete may still hold the previous run's output
	stale := filepath.Join(spec.WorkDir, spec.ResultFile())
	if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale result file: %w", err)
	}
	return newJob(req, inst, r.ingester, jobOptions{
		interval:     r.cfg.CheckInterval,
		maxLifeTime:  r.cfg.MaxLifeTime,
		killOnCancel: r.cfg.KillOnShutdown,
		now:          r.now,
		onDone:       r.remove,
	}), nil
}

// release drops the entry for token if it still maps to j.
func (r *Registry) release(token string, j *Job) {
	r.mu.Lock()
	if cur, ok := r.jobs[token]; ok && cur == j {
		delete(r.jobs, token)
	}
	n := r.countLocked()
	r.mu.Unlock()
	metrics.SetActiveJobs(n)
}

func (r *Registry) remove(j *Job) { r.release(j.Token(), j) }

func (r *Registry) countLocked() int {
	n := 0
	for _, j := range r.jobs {
		if j != nil {
			n++
		}
	}
	return n
}

// Get returns the active job for token.
func (r *Registry) Get(token string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[token]
	return j, ok && j != nil
}

// Active returns the number of supervised jobs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// Jobs returns snapshots of active jobs, oldest first.
func (r *Registry) Jobs() []Snapshot {
	r.mu.Lock()
	js := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j != nil {
			js = append(js, j)
		}
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(js))
	for _, j := range js {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// Cancel stops supervising one request without a status change and kills
// its tool, whatever KillOnShutdown says.
func (r *Registry) Cancel(token, reason string) error {
	j, ok := r.Get(token)
	if !ok {
		return fmt.Errorf("%w: %s", request.ErrNotFound, token)
	}
	return j.Abort(reason)
}

// Shutdown refuses new submissions and cancels every active job, killing the
// tools when KillOnShutdown is set. Request statuses are left as they are.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	js := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j != nil {
			js = append(js, j)
		}
	}
	r.mu.Unlock()

	slog.Info("shutting down supervision", "jobs", len(js))
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(shutdownParallelism)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, j := range js {
			g.Go(func() error {
				if err := j.Cancel("shutdown"); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(errs...)
}
