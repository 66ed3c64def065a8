package bugexd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/bugexd/internal/config"
	"github.com/loykin/bugexd/internal/history"
	"github.com/loykin/bugexd/internal/history/factory"
	"github.com/loykin/bugexd/internal/metrics"
	"github.com/loykin/bugexd/internal/monitor"
	"github.com/loykin/bugexd/internal/process"
	"github.com/loykin/bugexd/internal/request"
	"github.com/loykin/bugexd/internal/result"
	iapi "github.com/loykin/bugexd/internal/server"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = request.Status

const (
	StatusPending    = request.StatusPending
	StatusValid      = request.StatusValid
	StatusInvalid    = request.StatusInvalid
	StatusProcessing = request.StatusProcessing
	StatusFailed     = request.StatusFailed
	StatusFinished   = request.StatusFinished
	StatusDeleted    = request.StatusDeleted
)

type Fact = result.Fact

type Request = request.Request

type Job = monitor.Job

type Outcome = monitor.Outcome

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

type Option func(*options)

type options struct {
	sinks     []history.Sink
	observers []request.Observer
	monitor   []monitor.Option
}

// WithHistorySink adds a sink next to the ones configured by DSN.
func WithHistorySink(s HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithObserver subscribes o to every request, e.g. a notifier.
func WithObserver(obs request.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithMonitorOptions forwards options to the supervision registry.
func WithMonitorOptions(mo ...monitor.Option) Option {
	return func(o *options) { o.monitor = append(o.monitor, mo...) }
}

// Service wires request tracking, supervision, result storage and status
// history into one embeddable unit.
type Service struct {
	cfg      Config
	requests *request.Store
	registry *monitor.Registry
	results  result.Store
	sinks    []history.Sink // opened from DSNs, closed by Close
}

func New(c Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	results, err := result.NewStoreFromDSN(c.Results.DSN)
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}
	sinks, err := factory.NewSinks(c.History.DSNs)
	if err != nil {
		_ = results.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	reg, err := monitor.NewRegistry(c.MonitorConfig(), results, o.monitor...)
	if err != nil {
		factory.Close(sinks)
		_ = results.Close()
		return nil, err
	}
	observers := []request.Observer{
		request.LogObserver(slog.Default()),
		metrics.StatusObserver(),
	}
	if all := append(append([]history.Sink{}, sinks...), o.sinks...); len(all) > 0 {
		observers = append(observers, history.Observer(all...))
	}
	observers = append(observers, o.observers...)

	return &Service{
		cfg:      c,
		requests: request.NewStore(c.Server.WorkingDir, observers...),
		registry: reg,
		results:  results,
		sinks:    sinks,
	}, nil
}

func (s *Service) Config() Config                     { return s.cfg }
func (s *Service) Requests() *request.Store           { return s.requests }
func (s *Service) Registry() *monitor.Registry        { return s.registry }
func (s *Service) Results() result.Store              { return s.results }
func (s *Service) Get(token string) (*Request, error) { return s.requests.Get(token) }

// Submit creates a request and starts supervising it. A missing archive marks
// the request Invalid and is returned as an error.
func (s *Service) Submit(ctx context.Context, token, archivePath, testCase string) (*Request, *Job, error) {
	req, err := s.requests.Create(token, archivePath, testCase)
	if err != nil {
		return nil, nil, err
	}
	j, err := s.registry.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, process.ErrMissingInput) {
			_ = req.UpdateStatus(ctx, request.StatusInvalid, err.Error())
		}
		return req, nil, err
	}
	return req, j, nil
}

// Facts returns the ingested facts of a finished request.
func (s *Service) Facts(ctx context.Context, token string) ([]Fact, error) {
	return s.results.Facts(ctx, token)
}

// Delete cancels supervision of token, if any, killing its tool, marks the
// request Deleted and drops its facts so the token can be submitted again.
func (s *Service) Delete(ctx context.Context, token string) error {
	if err := s.registry.Cancel(token, "deleted"); err != nil && !errors.Is(err, request.ErrNotFound) {
		return err
	}
	if err := s.requests.Delete(ctx, token, "deleted"); err != nil {
		return err
	}
	if err := s.results.Purge(ctx, token); err != nil {
		return fmt.Errorf("purge facts of %s: %w", token, err)
	}
	return nil
}

// Handler returns the HTTP control API mounted under basePath.
func (s *Service) Handler(basePath string) http.Handler {
	return iapi.NewRouter(s.requests, s.registry, s.results, basePath).Handler()
}

// NewHTTPServer builds (without starting) the API server for s.
func (s *Service) NewHTTPServer(addr, basePath string) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(s.requests, s.registry, s.results, basePath))
}

// Close stops supervision and releases the stores. Request statuses are not
// changed by Close.
func (s *Service) Close(ctx context.Context) error {
	err := s.registry.Shutdown(ctx)
	factory.Close(s.sinks)
	return errors.Join(err, s.results.Close())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error { return metrics.Serve(ctx, addr) }
