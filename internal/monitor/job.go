package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/bugexd/internal/metrics"
	"github.com/loykin/bugexd/internal/process"
	"github.com/loykin/bugexd/internal/request"
	"github.com/loykin/bugexd/internal/result"
	"github.com/loykin/bugexd/internal/scheduler"
)

var (
	ErrProcessFailure    = errors.New("analysis process failed")
	ErrResultFileMissing = errors.New("analysis produced no result file")
	ErrLifetimeExceeded  = errors.New("maximum job lifetime exceeded")
	ErrPersistence       = errors.New("result persistence failed")
	ErrSupervision       = errors.New("supervision error")
	ErrCanceled          = errors.New("job canceled")
)

// Instance is the process surface a Job supervises. *process.Handle implements it.
type Instance interface {
	Name() string
	Start() error
	Poll() (int, error)
	Kill() error
	ResultFileExists() bool
	ReadResultFile() ([]byte, error)
}

type usageReporter interface {
	Usage() (process.Usage, error)
}

// Outcome is how a job ended. Status is zero for canceled jobs.
type Outcome struct {
	Status request.Status
	Err    error
	Tries  int
	At     time.Time
}

func (o Outcome) label() string {
	switch {
	case o.Status == request.StatusFinished:
		return "finished"
	case o.Status == request.StatusFailed:
		return "failed"
	default:
		return "canceled"
	}
}

// Job polls one analysis tool until it reaches a terminal condition.
type Job struct {
	name         string
	req          *request.Request
	inst         Instance
	ingester     result.Ingester
	maxLifeTime  time.Duration
	killOnCancel bool
	now          func() time.Time
	createdAt    time.Time
	sched        *scheduler.Periodic
	log          *slog.Logger
	onDone       func(*Job)

	mu           sync.Mutex
	tries        int
	finished     bool
	schedStarted bool
	outcome      Outcome
	usage        *process.Usage
	done         chan struct{}
}

type jobOptions struct {
	interval     time.Duration
	maxLifeTime  time.Duration
	killOnCancel bool
	now          func() time.Time
	onDone       func(*Job)
}

func newJob(req *request.Request, inst Instance, ing result.Ingester, o jobOptions) *Job {
	if o.now == nil {
		o.now = time.Now
	}
	name := "job-" + req.Token()
	j := &Job{
		name:         name,
		req:          req,
		inst:         inst,
		ingester:     ing,
		maxLifeTime:  o.maxLifeTime,
		killOnCancel: o.killOnCancel,
		now:          o.now,
		createdAt:    o.now(),
		log:          slog.With("job", name, "token", req.Token()),
		onDone:       o.onDone,
		done:         make(chan struct{}),
	}
	j.sched = scheduler.New(o.interval, j.tick)
	return j
}

func (j *Job) Name() string              { return j.name }
func (j *Job) Token() string             { return j.req.Token() }
func (j *Job) Request() *request.Request { return j.req }
func (j *Job) CreatedAt() time.Time      { return j.createdAt }

// Done is closed once the job has an outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Tries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tries
}

// Outcome returns the terminal outcome and whether there is one yet.
func (j *Job) Outcome() (Outcome, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome, j.finished
}

// start launches the tool and the polling schedule. A launch failure is
// terminal: the request is marked Failed and the error returned.
func (j *Job) start(ctx context.Context) error {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return ErrCanceled
	}
	if err := j.inst.Start(); err != nil {
		err = fmt.Errorf("%w: start: %v", ErrProcessFailure, err)
		j.finishLocked(request.StatusFailed, err)
		j.mu.Unlock()
		j.complete(ctx)
		return err
	}
	if err := j.sched.Start(); err != nil {
		_ = j.inst.Kill()
		err = fmt.Errorf("%w: schedule: %v", ErrSupervision, err)
		j.finishLocked(request.StatusFailed, err)
		j.mu.Unlock()
		j.complete(ctx)
		return err
	}
	j.schedStarted = true
	j.mu.Unlock()
	j.log.Info("supervision started", "instance", j.inst.Name())
	return nil
}

// tick runs on the scheduler goroutine, never concurrently with itself.
func (j *Job) tick() {
	ctx := context.Background()
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	st, err := j.evaluate(ctx)
	if st == 0 {
		j.mu.Unlock()
		return
	}
	j.finishLocked(st, err)
	j.mu.Unlock()
	j.complete(ctx)
}

// evaluate performs one inspection and returns a terminal status, or zero
// while the tool is still running. Called with j.mu held.
func (j *Job) evaluate(ctx context.Context) (st request.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("supervision tick panicked", "panic", r)
			st, err = request.StatusFailed, fmt.Errorf("%w: panic: %v", ErrSupervision, r)
		}
	}()
	j.tries++
	metrics.IncTick()

	if age := j.now().Sub(j.createdAt); age > j.maxLifeTime {
		if kerr := j.inst.Kill(); kerr != nil && !errors.Is(kerr, process.ErrNotStarted) {
			j.log.Warn("kill after lifetime exceeded failed", "error", kerr)
		}
		return request.StatusFailed, fmt.Errorf("%w: running for %s, limit %s", ErrLifetimeExceeded, age.Round(time.Second), j.maxLifeTime)
	}

	code, err := j.inst.Poll()
	if err != nil {
		return request.StatusFailed, fmt.Errorf("%w: poll: %v", ErrProcessFailure, err)
	}
	if code == process.Running {
		j.sampleUsage()
		j.log.Debug("analysis still running", "tries", j.tries)
		return 0, nil
	}
	if code != 0 {
		return request.StatusFailed, fmt.Errorf("%w: exit code %d", ErrProcessFailure, code)
	}

	if !j.inst.ResultFileExists() {
		return request.StatusFailed, ErrResultFileMissing
	}
	content, err := j.inst.ReadResultFile()
	if err != nil {
		if errors.Is(err, process.ErrResultFileMissing) {
			return request.StatusFailed, fmt.Errorf("%w: %v", ErrResultFileMissing, err)
		}
		return request.StatusFailed, fmt.Errorf("%w: read: %v", ErrPersistence, err)
	}
	ref, err := j.ingester.Ingest(ctx, j.req.Token(), content)
	if err != nil {
		return request.StatusFailed, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	j.req.SetResultRef(ref)
	return request.StatusFinished, nil
}

func (j *Job) sampleUsage() {
	ur, ok := j.inst.(usageReporter)
	if !ok {
		return
	}
	u, err := ur.Usage()
	if err != nil {
		return
	}
	j.usage = &u
	metrics.SetToolUsage(j.name, u.CPUPercent, u.RSSBytes)
}

// finishLocked records the outcome and stops the schedule. Called with j.mu
// held; the caller must call complete after unlocking.
func (j *Job) finishLocked(st request.Status, cause error) {
	j.finished = true
	j.outcome = Outcome{Status: st, Err: cause, Tries: j.tries, At: j.now()}
	j.sched.Cancel()
}

// complete moves the request to the terminal status, if any, and publishes
// the outcome. It runs exactly once per job, outside j.mu: status observers
// may be slow.
func (j *Job) complete(ctx context.Context) {
	j.mu.Lock()
	o := j.outcome
	j.mu.Unlock()

	if o.Status != 0 {
		reason := ""
		if o.Err != nil {
			reason = o.Err.Error()
		}
		if err := j.req.UpdateStatus(ctx, o.Status, reason); err != nil {
			// e.g. the user deleted the request while the tool was running
			j.log.Warn("status update rejected", "to", o.Status.String(), "error", err)
		}
		if o.Err != nil {
			j.log.Error("job failed", "tries", o.Tries, "error", o.Err)
		} else {
			j.log.Info("job finished", "tries", o.Tries, "result", j.req.ResultRef())
		}
	}
	close(j.done)
	metrics.ClearToolUsage(j.name)
	metrics.ObserveCompleted(o.label(), failureReason(o.Err), o.At.Sub(j.createdAt).Seconds())
	if j.onDone != nil {
		j.onDone(j)
	}
}

// Cancel stops supervision without changing the request status and, when the
// job was configured to, kills the tool. It returns once the polling
// goroutine has exited. Canceling a finished job is a no-op.
func (j *Job) Cancel(reason string) error { return j.cancel(reason, j.killOnCancel) }

// Abort is Cancel that always kills the tool.
func (j *Job) Abort(reason string) error { return j.cancel(reason, true) }

func (j *Job) cancel(reason string, kill bool) error {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return nil
	}
	j.finished = true
	j.outcome = Outcome{Err: fmt.Errorf("%w: %s", ErrCanceled, reason), Tries: j.tries, At: j.now()}
	j.sched.Cancel()
	var kerr error
	if kill {
		if err := j.inst.Kill(); err != nil && !errors.Is(err, process.ErrNotStarted) {
			kerr = err
		}
	}
	started := j.schedStarted
	j.mu.Unlock()

	if started {
		<-j.sched.Done()
	}
	j.log.Info("supervision canceled", "reason", reason, "killed", kill)
	j.complete(context.Background())
	return kerr
}

// Snapshot is a read-only view of a job for the API.
type Snapshot struct {
	Name      string         `json:"name"`
	Token     string         `json:"token"`
	Instance  string         `json:"instance"`
	Tries     int            `json:"tries"`
	CreatedAt time.Time      `json:"created_at"`
	Finished  bool           `json:"finished"`
	Outcome   string         `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Usage     *process.Usage `json:"usage,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		Name:      j.name,
		Token:     j.req.Token(),
		Instance:  j.inst.Name(),
		Tries:     j.tries,
		CreatedAt: j.createdAt,
		Finished:  j.finished,
		Usage:     j.usage,
	}
	if j.finished {
		s.Outcome = j.outcome.label()
		if j.outcome.Err != nil {
			s.Error = j.outcome.Err.Error()
		}
	}
	return s
}

// failureReason maps an outcome error to a low-cardinality metric label.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLifetimeExceeded):
		return "lifetime"
	case errors.Is(err, ErrResultFileMissing):
		return "result_missing"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrProcessFailure):
		return "process"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "internal"
	}
}
