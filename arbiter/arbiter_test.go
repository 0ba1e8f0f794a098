package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrishulbert/MegaComet/config"
	g "github.com/chrishulbert/MegaComet/group"
)

func newTestArbiter(t *testing.T, eventChannelLength uint16) *Arbiter {
	t.Helper()
	c := config.Default()
	c.EventChannelLength = eventChannelLength
	a := NewArbiter(c, "test-Arbiter")
	t.Cleanup(a.Shutdown)
	return a
}

func TestDispatchOrder(t *testing.T) {
	a := newTestArbiter(t, 64)

	var seen []int
	for i := 0; i < 32; i++ {
		i := i
		require.NoError(t, a.Dispatch(func() { seen = append(seen, i) }))
	}

	var got []int
	require.NoError(t, a.Call(context.Background(), func() { got = append(got, seen...) }))
	require.Len(t, got, 32)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestCallSurvivesPanic(t *testing.T) {
	a := newTestArbiter(t, 8)

	require.NoError(t, a.Dispatch(func() { panic("boom") }))

	ran := false
	require.NoError(t, a.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestCallContextDone(t *testing.T) {
	a := newTestArbiter(t, 8)

	releasech := make(chan struct{})
	require.NoError(t, a.Dispatch(func() { <-releasech }))
	defer close(releasech)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	assert.ErrorIs(t, a.Call(ctx, func() {}), context.DeadlineExceeded)
}

func TestScheduleTimer(t *testing.T) {
	a := newTestArbiter(t, 8)

	firedch := make(chan struct{}, 1)
	require.NoError(t, a.Dispatch(func() {
		a.ScheduleTimer(g.GroupQueueExpiry, time.Millisecond*10, func() { firedch <- struct{}{} })
	}))

	select {
	case <-firedch:
	case <-time.After(time.Second * 3):
		t.Fatal("timer did not fire")
	}

	// a released timer never fires
	require.NoError(t, a.Call(context.Background(), func() {
		a.ScheduleTimer(g.GroupQueueExpiry, time.Millisecond*50, func() { firedch <- struct{}{} })
		a.ReleaseTimer(g.GroupQueueExpiry)
	}))

	select {
	case <-firedch:
		t.Fatal("released timer fired")
	case <-time.After(time.Millisecond * 150):
	}
}

func TestDispatchWaitBlocksUntilRoom(t *testing.T) {
	a := newTestArbiter(t, 2)

	releasech := make(chan struct{})
	startedch := make(chan struct{})
	require.NoError(t, a.Dispatch(func() {
		close(startedch)
		<-releasech
	}))
	<-startedch

	full := false
	for i := 0; i < 64; i++ {
		if a.Dispatch(func() {}) != nil {
			full = true
			break
		}
	}
	require.True(t, full)

	ranch := make(chan struct{})
	errch := make(chan error, 1)
	go func() {
		errch <- a.DispatchWait(func() { close(ranch) })
	}()

	select {
	case <-errch:
		t.Fatal("DispatchWait returned while eventch was full")
	case <-time.After(time.Millisecond * 50):
	}

	close(releasech)
	require.NoError(t, <-errch)
	select {
	case <-ranch:
	case <-time.After(time.Second * 3):
		t.Fatal("event never ran")
	}
}

func TestDispatchWaitAfterShutdown(t *testing.T) {
	c := config.Default()
	c.EventChannelLength = 1
	a := NewArbiter(c, "test-Arbiter")

	releasech := make(chan struct{})
	startedch := make(chan struct{})
	require.NoError(t, a.Dispatch(func() {
		close(startedch)
		<-releasech
	}))
	<-startedch
	for i := 0; i < 64 && a.Dispatch(func() {}) == nil; i++ {
	}

	errch := make(chan error, 1)
	go func() {
		errch <- a.DispatchWait(func() {})
	}()

	shutdownch := make(chan struct{})
	go func() {
		defer close(shutdownch)
		a.Shutdown()
	}()

	select {
	case err := <-errch:
		assert.Error(t, err)
	case <-time.After(time.Second * 3):
		t.Fatal("DispatchWait did not give up on shutdown")
	}

	close(releasech)
	<-shutdownch
	a.Shutdown() // idempotent
}
