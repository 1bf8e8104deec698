package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	good, bad := &memSink{}, &memSink{fail: true}
	d := NewDispatcher(nil, 16, bad, good)
	d.Emit(Event{Type: EventStarted, PID: 10})
	d.Emit(Event{Type: EventCrashed, PID: 10, ExitCode: 1})
	d.Emit(Event{Type: EventRestarted, PID: 11, RestartCount: 1})
	require.NoError(t, d.Close())

	require.Len(t, good.events, 3)
	assert.Equal(t, []EventType{EventStarted, EventCrashed, EventRestarted},
		[]EventType{good.events[0].Type, good.events[1].Type, good.events[2].Type})
	for _, e := range good.events {
		assert.NotEqual(t, uuid.Nil, e.ID)
		assert.False(t, e.OccurredAt.IsZero())
	}
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestDispatcherNilAndClosed(t *testing.T) {
	var d *Dispatcher
	d.Emit(Event{Type: EventStopped})
	assert.NoError(t, d.Close())

	s := &memSink{}
	d = NewDispatcher(nil, 1, s)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	d.Emit(Event{Type: EventStopped})
	assert.Empty(t, s.events)
}

func TestDispatcherNoSinks(t *testing.T) {
	d := NewDispatcher(nil, 1)
	d.Emit(Event{Type: EventFailed})
	assert.NoError(t, d.Close())
}
