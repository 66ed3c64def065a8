package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("request not found")
)

// Change describes one accepted status update.
type Change struct {
	Token  string    `json:"token"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Observer is notified after every accepted status change.
// Observers run synchronously on the goroutine that changed the status,
// outside the request lock, in registration order.
type Observer interface {
	StatusChanged(ctx context.Context, c Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, c Change)

func (f ObserverFunc) StatusChanged(ctx context.Context, c Change) { f(ctx, c) }

// LogObserver writes every status change to l at info level.
func LogObserver(l *slog.Logger) Observer {
	if l == nil {
		l = slog.Default()
	}
	return ObserverFunc(func(ctx context.Context, c Change) {
		l.InfoContext(ctx, "request status", "token", c.Token, "from", c.From.String(), "to", c.To.String(), "reason", c.Reason)
	})
}

// Request is one user submission: an archive plus the failing test to analyse.
type Request struct {
	mu sync.RWMutex

	token       string
	archivePath string
	testCase    string
	folder      string
	status      Status
	resultRef   string
	createdAt   time.Time
	updatedAt   time.Time

	observers []Observer
}

// New creates a pending request whose working folder is root/token.
func New(token, archivePath, testCase, root string) *Request {
	now := time.Now()
	return &Request{
		token:       token,
		archivePath: archivePath,
		testCase:    testCase,
		folder:      filepath.Join(root, token),
		status:      StatusPending,
		createdAt:   now,
		updatedAt:   now,
	}
}

func (r *Request) Token() string       { return r.token }
func (r *Request) ArchivePath() string { return r.archivePath }
func (r *Request) TestCase() string    { return r.testCase }
func (r *Request) Folder() string      { return r.folder }

func (r *Request) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Request) ResultRef() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resultRef
}

// SetResultRef records where the ingested facts of this request can be found.
func (r *Request) SetResultRef(ref string) {
	r.mu.Lock()
	r.resultRef = ref
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

// Subscribe registers o for future status changes.
func (r *Request) Subscribe(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// UpdateStatus is the only way to change a request's status.
// Disallowed transitions return ErrInvalidTransition and leave the request untouched.
func (r *Request) UpdateStatus(ctx context.Context, to Status, reason string) error {
	r.mu.Lock()
	from := r.status
	if !from.CanTransition(to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now()
	r.status = to
	r.updatedAt = now
	obs := make([]Observer, len(r.observers))
	copy(obs, r.observers)
	r.mu.Unlock()

	slog.Debug("request status changed", "token", r.token, "from", from.String(), "to", to.String(), "reason", reason)
	c := Change{Token: r.token, From: from, To: to, Reason: reason, At: now}
	for _, o := range obs {
		o.StatusChanged(ctx, c)
	}
	return nil
}

// Snapshot is a read-only copy of a request's state.
type Snapshot struct {
	Token       string    `json:"token"`
	ArchivePath string    `json:"archive_path"`
	TestCase    string    `json:"test_case"`
	Folder      string    `json:"folder"`
	Status      Status    `json:"status"`
	ResultRef   string    `json:"result_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *Request) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Token:       r.token,
		ArchivePath: r.archivePath,
		TestCase:    r.testCase,
		Folder:      r.folder,
		Status:      r.status,
		ResultRef:   r.resultRef,
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
	}
}
