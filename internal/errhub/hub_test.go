package errhub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twsrx.com/internal/stream"
	"twsrx.com/pkg/xerr"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	faults []error
}

func (r *recorder) OnErrorEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnFault(err error) {
	r.mu.Lock()
	r.faults = append(r.faults, err)
	r.mu.Unlock()
}

func TestHub_BroadcastToSubscribersAndListeners(t *testing.T) {
	h := New()
	rec := &recorder{}
	h.Register(rec)

	a := h.Errors()
	b := h.Errors()

	h.Publish(Event{ReqID: 3, Code: 162, Msg: "pacing"})
	h.Publish(Event{ReqID: NoReqID, Code: 2104, Msg: "farm ok"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sub := range []*stream.Subscription[Event]{a, b} {
		ev, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), ev.ReqID)
		assert.True(t, ev.IsError())
		ev, err = sub.Recv(ctx)
		require.NoError(t, err)
		assert.False(t, ev.IsError())
	}
	assert.Len(t, rec.events, 2)
}

func TestHub_FaultTerminalForExistingAndFuture(t *testing.T) {
	h := New()
	rec := &recorder{}
	h.Register(rec)
	existing := h.Errors()

	first := errors.New("socket EOF mid-frame")
	h.Fault(first)
	h.Fault(errors.New("second"))
	h.Publish(Event{ReqID: 1, Code: 200, Msg: "ignored"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := existing.Recv(ctx)
	assert.ErrorIs(t, err, first)
	assert.True(t, xerr.IsFatal(err))

	_, err = h.Errors().Recv(ctx)
	assert.ErrorIs(t, err, first)

	require.Len(t, rec.faults, 1)
	assert.Empty(t, rec.events)
	assert.ErrorIs(t, h.Err(), first)

	select {
	case <-h.Faulted():
	default:
		t.Fatal("Faulted not closed")
	}

	late := &recorder{}
	h.Register(late)
	require.Len(t, late.faults, 1, "故障后注册立即收到故障")
}

func TestEvent_Err(t *testing.T) {
	err := Event{ReqID: 9, Code: 321, Msg: "bad"}.Err()
	code, ok := xerr.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, 321, code)
}
