package safe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoWith_RecoversAndReports(t *testing.T) {
	got := make(chan any, 1)
	GoWith(context.Background(), func() {
		panic("boom")
	}, func(r any) { got <- r })

	select {
	case r := <-got:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("onPanic not called")
	}
}

func TestGo_RunsFn(t *testing.T) {
	done := make(chan struct{})
	Go(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fn not run")
	}
}

func TestPanicError(t *testing.T) {
	base := errors.New("index out of range")
	err := PanicError(base)
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "panic: 42", PanicError(42).Error())
}
