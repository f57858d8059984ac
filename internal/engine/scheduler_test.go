package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_TicksImmediatelyThenOnInterval(t *testing.T) {
	s := newScheduler(10*time.Millisecond, time.Hour)
	var n atomic.Int32
	if !s.start(LaneGenerate, "j", func(context.Context, uint64) { n.Add(1) }) {
		t.Fatalf("start returned false")
	}
	defer s.stopAll()
	waitFor(t, "ticks", func() bool { return n.Load() >= 3 })
}

func TestScheduler_StaleTokens(t *testing.T) {
	s := newScheduler(time.Hour, time.Hour)
	tokens := make(chan uint64, 4)
	tick := func(_ context.Context, token uint64) { tokens <- token }

	if s.start(LaneTexture, "", tick) {
		t.Fatalf("empty job id must not start a lane")
	}
	s.start(LaneTexture, "a", tick)
	first := <-tokens
	if !s.current(LaneTexture, first) {
		t.Fatalf("fresh token not current")
	}
	if s.start(LaneTexture, "a", tick) {
		t.Fatalf("restart on the same id must be a no-op")
	}
	s.start(LaneTexture, "b", tick)
	second := <-tokens
	if s.current(LaneTexture, first) || !s.current(LaneTexture, second) {
		t.Fatalf("token generations not advanced")
	}
	if !s.stop(LaneTexture) || s.stop(LaneTexture) {
		t.Fatalf("stop should report only the first call")
	}
	if s.current(LaneTexture, second) {
		t.Fatalf("stopped lane still current")
	}
	if _, ok := s.active(LaneTexture); ok {
		t.Fatalf("lane still active")
	}
}

func TestScheduler_LanesAreIndependent(t *testing.T) {
	s := newScheduler(time.Hour, time.Hour)
	noop := func(context.Context, uint64) {}
	s.start(LaneGenerate, "g", noop)
	s.start(LaneTexture, "t", noop)
	s.stop(LaneGenerate)
	if id, ok := s.active(LaneTexture); !ok || id != "t" {
		t.Fatalf("texture lane affected by generate stop")
	}
	s.stopAll()
	if _, ok := s.active(LaneTexture); ok {
		t.Fatalf("stopAll left a lane")
	}
}

func TestScheduler_StopLeavesInFlightTickRunning(t *testing.T) {
	s := newScheduler(time.Hour, time.Hour)
	entered := make(chan context.Context)
	release := make(chan struct{})
	done := make(chan bool)
	s.start(LaneGenerate, "g", func(ctx context.Context, token uint64) {
		entered <- ctx
		<-release
		done <- s.current(LaneGenerate, token)
	})
	ctx := <-entered
	s.stop(LaneGenerate)
	if ctx.Err() != nil {
		t.Fatalf("stop cancelled the in-flight request: %v", ctx.Err())
	}
	close(release)
	if <-done {
		t.Fatalf("late tick still holds a current token")
	}
}
