package engine

import (
	"context"
	"sync"
	"time"
)

// Lane is one independent polling loop.
type Lane string

const (
	LaneGenerate Lane = "generate"
	LaneTexture  Lane = "texture"
)

// tickFunc runs one poll. token identifies the lane generation that
// scheduled it.
type tickFunc func(ctx context.Context, token uint64)

type laneState struct {
	jobID  string
	token  uint64
	cancel context.CancelFunc
}

// scheduler owns the engine's polling lanes. Each lane has at most one
// running loop; every start or stop bumps the lane token so that ticks of a
// superseded loop become no-ops.
type scheduler struct {
	intervals map[Lane]time.Duration

	mu     sync.Mutex
	tokens map[Lane]uint64
	lanes  map[Lane]*laneState
}

func newScheduler(generate, texture time.Duration) *scheduler {
	return &scheduler{
		intervals: map[Lane]time.Duration{LaneGenerate: generate, LaneTexture: texture},
		tokens:    make(map[Lane]uint64),
		lanes:     make(map[Lane]*laneState),
	}
}

// start begins polling jobID on lane with an immediate tick followed by one
// tick per interval. It returns false when the lane already polls jobID.
func (s *scheduler) start(l Lane, jobID string, tick tickFunc) bool {
	if jobID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.lanes[l]; cur != nil && cur.jobID == jobID {
		return false
	}
	s.stopLocked(l)
	s.tokens[l]++
	token := s.tokens[l]
	ctx, cancel := context.WithCancel(context.Background())
	s.lanes[l] = &laneState{jobID: jobID, token: token, cancel: cancel}
	go s.loop(ctx, s.intervals[l], tick, token)
	return true
}

// loop drives one lane generation. Ticks get a context that outlives stop,
// so an issued request finishes and its response is dropped by the token
// check instead of being aborted.
func (s *scheduler) loop(ctx context.Context, interval time.Duration, tick tickFunc, token uint64) {
	reqCtx := context.WithoutCancel(ctx)
	tick(reqCtx, token)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			tick(reqCtx, token)
		}
	}
}

// stop ends the lane. It is idempotent and reports whether a loop was running.
func (s *scheduler) stop(l Lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(l)
}

func (s *scheduler) stopLocked(l Lane) bool {
	cur := s.lanes[l]
	if cur == nil {
		return false
	}
	cur.cancel()
	delete(s.lanes, l)
	s.tokens[l]++
	return true
}

func (s *scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.lanes {
		s.stopLocked(l)
	}
}

// active returns the job the lane polls.
func (s *scheduler) active(l Lane) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.lanes[l]; cur != nil {
		return cur.jobID, true
	}
	return "", false
}

// current reports whether token still identifies the running generation.
func (s *scheduler) current(l Lane, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.lanes[l]
	return cur != nil && cur.token == token
}
