package engine

import "time"

// stageOrderLocked is the canonical display order. Texture is shown only
// when the active generate settings texture the model.
func (e *Engine) stageOrderLocked() []Stage {
	if e.textureStageEnabledLocked() {
		return []Stage{StageRembg, StageGeometry, StageTexture, StagePostprocess, StageCompleted}
	}
	return []Stage{StageRembg, StageGeometry, StagePostprocess, StageCompleted}
}

func (e *Engine) textureStageEnabledLocked() bool {
	if g := e.st.PendingGenerate; g != nil {
		return g.EnablePBR
	}
	return true
}

func stageIndex(order []Stage, s Stage) int {
	for i, o := range order {
		if o == s {
			return i
		}
	}
	return -1
}

// enqueueStagesLocked queues every stage after the last displayed or queued
// one up to target. Before anything was displayed it queues from the start,
// covering stages that were never observed by a poll.
func (e *Engine) enqueueStagesLocked(target Stage) {
	order := e.stageOrderLocked()
	if target == StageTexture && !e.textureStageEnabledLocked() {
		target = StagePostprocess
	}
	ti := stageIndex(order, target)
	if ti < 0 {
		return
	}
	base := stageIndex(order, e.st.UI.Current)
	if n := len(e.st.UI.Queue); n > 0 {
		if qi := stageIndex(order, e.st.UI.Queue[n-1]); qi > base {
			base = qi
		}
	}
	if ti <= base {
		return
	}
	for i := base + 1; i <= ti; i++ {
		e.st.UI.Queue = append(e.st.UI.Queue, order[i])
	}
	e.advanceStageLocked()
}

// advanceStageLocked shows the next queued stage once the current one has
// been displayed for the dwell time, and reschedules itself until the queue
// drains.
func (e *Engine) advanceStageLocked() {
	if len(e.st.UI.Queue) == 0 {
		e.stopStageTimerLocked()
		return
	}
	dwell := e.cfg.StageDwell
	now := e.now()
	order := e.stageOrderLocked()
	elapsed := dwell
	if stageIndex(order, e.st.UI.Current) >= 0 {
		elapsed = now.Sub(e.st.UI.Since)
	}
	if elapsed >= dwell {
		next := e.st.UI.Queue[0]
		e.st.UI.Queue = e.st.UI.Queue[1:]
		e.st.UI.Current = next
		e.st.UI.Since = now
		e.scheduleStageLocked(dwell)
		return
	}
	e.scheduleStageLocked(dwell - elapsed)
}

func (e *Engine) scheduleStageLocked(d time.Duration) {
	e.stopStageTimerLocked()
	gen := e.stageGen
	e.stageTimer = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || e.stageGen != gen {
			return
		}
		e.advanceStageLocked()
		e.commitLocked()
	})
}

// stopStageTimerLocked cancels the pending drain; a callback that already
// fired sees a newer generation and returns.
func (e *Engine) stopStageTimerLocked() {
	e.stageGen++
	if e.stageTimer != nil {
		e.stageTimer.Stop()
		e.stageTimer = nil
	}
}

// resetStagesLocked clears the displayed stage and its queue.
func (e *Engine) resetStagesLocked(current Stage) {
	e.stopStageTimerLocked()
	e.st.UI = UIStage{Current: current}
	if current != StageNone {
		e.st.UI.Since = e.now()
	}
}

// completionDelayLocked is the time needed to show the rest of the queue:
// remaining dwell of the current stage plus one dwell per queued stage,
// clamped to the configured bounds.
func (e *Engine) completionDelayLocked() time.Duration {
	dwell := e.cfg.StageDwell
	var remaining time.Duration
	if stageIndex(e.stageOrderLocked(), e.st.UI.Current) >= 0 {
		remaining = dwell - e.now().Sub(e.st.UI.Since)
		if remaining < 0 {
			remaining = 0
		}
	}
	total := remaining + dwell*time.Duration(len(e.st.UI.Queue)) + completionSlack
	if total < e.cfg.MinCompletionDelay {
		return e.cfg.MinCompletionDelay
	}
	if total > e.cfg.MaxCompletionDelay {
		return e.cfg.MaxCompletionDelay
	}
	return total
}

// CompletionDelay exposes the delay the engine would use right now.
func (e *Engine) CompletionDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completionDelayLocked()
}
