package climit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestConcurrencyLimit(t *testing.T) {
	cl := New("test", 2, nil)
	event := make(chan struct{})

	var count atomic.Int32

	var t1, t2, t4, t8 *Token
	go func() {
		t1 = cl.Acquire()
		count.Add(1)
		event <- struct{}{}
		t2 = cl.Acquire()
		count.Add(2)
		event <- struct{}{}
		t4 = cl.Acquire()
		count.Add(4)
		event <- struct{}{}
		t8 = cl.Acquire()
		count.Add(8)
		event <- struct{}{}
	}()

	<-event
	<-event
	assert.Equal(t, int32(3), count.Load())
	assert.Equal(t, 0, cl.Available())
	time.Sleep(10 * time.Millisecond)
	select {
	case <-event:
		t.Fatal("unexpected event")
	default:
		// OK
	}

	// Release a token
	t2.Release()
	<-event
	assert.Equal(t, int32(7), count.Load())

	// Release the same again, nothing happens
	assert.Equal(t, time.Duration(0), t2.Release())
	time.Sleep(10 * time.Millisecond)
	select {
	case <-event:
		t.Fatal("unexpected event")
	default:
		// OK
	}
	assert.Equal(t, int32(7), count.Load())

	// Release another for the last increment
	t1.Release()
	<-event
	assert.Equal(t, int32(15), count.Load())

	t4.Release()
	t8.Release()
	assert.Equal(t, 2, cl.Available())
}

func TestTryAcquire(t *testing.T) {
	cl := New("try", 1, nil)
	tok, ok := cl.TryAcquire()
	require.True(t, ok)
	_, ok = cl.TryAcquire()
	assert.False(t, ok)
	tok.Release()
	tok, ok = cl.TryAcquire()
	require.True(t, ok)
	tok.Release()
}

func TestAcquireContext(t *testing.T) {
	cl := New("ctx", 1, nil)
	held := cl.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tok, err := cl.AcquireContext(ctx)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()
	tok, err = cl.AcquireContext(context.Background())
	require.NoError(t, err)
	tok.Release()
}

func TestMinimumLimit(t *testing.T) {
	cl := New("zero", 0, nil)
	assert.Equal(t, 1, cl.Limit())
}

func TestAcquireDuration(t *testing.T) {
	cl := New("duration", 1, nil)
	held := cl.Acquire()
	assert.Less(t, held.AcquireDuration(), 20*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Release()
	}()
	tok := cl.Acquire()
	assert.GreaterOrEqual(t, tok.AcquireDuration(), 30*time.Millisecond)
	tok.Release()
}
