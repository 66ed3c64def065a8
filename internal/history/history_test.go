package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bugexd/internal/request"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestFromChange(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	e := FromChange(request.Change{Token: "t", From: request.StatusProcessing, To: request.StatusFailed, Reason: "exit code 1", At: at})
	assert.Equal(t, EventStatus, e.Type)
	assert.Equal(t, at.UTC(), e.OccurredAt)
	assert.Equal(t, Record{Token: "t", From: "processing", To: "failed", Reason: "exit code 1"}, e.Record)
}

func TestObserverForwardsToAllSinks(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	c := &memSink{}
	r := request.New("tok", "", "", t.TempDir())
	r.Subscribe(Observer(a, b, c))

	require.NoError(t, r.UpdateStatus(context.Background(), request.StatusProcessing, ""))
	require.NoError(t, r.UpdateStatus(context.Background(), request.StatusFinished, ""))

	for _, s := range []*memSink{a, b, c} {
		require.Len(t, s.events, 2)
		assert.Equal(t, "pending", s.events[0].Record.From)
		assert.Equal(t, "finished", s.events[1].Record.To)
	}
}

func TestObserverWithoutSinks(t *testing.T) {
	r := request.New("tok", "", "", t.TempDir())
	r.Subscribe(Observer())
	assert.NoError(t, r.UpdateStatus(context.Background(), request.StatusValid, ""))
}
