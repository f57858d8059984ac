package engine

import (
	"context"
	"math"
	"time"

	"protoscale/internal/backend"
)

// smoothProgress moves display toward target by at least two points and at
// least 30% of the gap, never past target and never backwards.
func smoothProgress(display float64, target int) float64 {
	t := float64(target)
	if t <= display {
		return display
	}
	return math.Min(t, display+math.Max(2, 0.3*(t-display)))
}

func (e *Engine) startGenerateLaneLocked(jobID string) bool {
	display := float64(e.st.Job.Progress)
	if bg := e.st.Background; bg.Type == OpGenerate && bg.JobID == jobID {
		display = float64(bg.Progress)
	}
	started := e.sched.start(LaneGenerate, jobID, func(ctx context.Context, token uint64) {
		e.tickGenerate(ctx, jobID, token, &display)
	})
	if started {
		laneStartsTotal.WithLabelValues(string(LaneGenerate)).Inc()
		e.log.Debug().Str("job_id", jobID).Msg("generate polling started")
	}
	return started
}

func (e *Engine) startTextureLaneLocked(jobID string) bool {
	started := e.sched.start(LaneTexture, jobID, func(ctx context.Context, token uint64) {
		e.tickTexture(ctx, jobID, token)
	})
	if started {
		laneStartsTotal.WithLabelValues(string(LaneTexture)).Inc()
		e.log.Debug().Str("job_id", jobID).Msg("texture polling started")
	}
	return started
}

// tickGenerate is one generate-lane poll. display is owned by the lane
// generation and only touched under the engine lock.
func (e *Engine) tickGenerate(ctx context.Context, jobID string, token uint64, display *float64) {
	res, err := e.client.Status(ctx, jobID)

	e.mu.Lock()
	defer e.mu.Unlock()
	lane := string(LaneGenerate)
	if !e.sched.current(LaneGenerate, token) {
		pollTicksTotal.WithLabelValues(lane, outcomeStale).Inc()
		return
	}
	if err != nil {
		if backend.IsNotFound(err) {
			pollTicksTotal.WithLabelValues(lane, outcomeNotFound).Inc()
			e.log.Warn().Str("job_id", jobID).Msg("job not found; session lost")
			e.generateLostLocked(jobID)
			e.commitLocked()
			return
		}
		pollTicksTotal.WithLabelValues(lane, outcomeError).Inc()
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("status poll failed; retrying next tick")
		return
	}

	bg := &e.st.Background
	isBackground := bg.Type == OpGenerate && bg.JobID == jobID
	if !isBackground && e.st.Job.ID != jobID {
		pollTicksTotal.WithLabelValues(lane, outcomeStale).Inc()
		e.log.Debug().Str("job_id", jobID).Msg("polled job is neither foreground nor background")
		e.stopLaneLocked(LaneGenerate)
		return
	}

	*display = smoothProgress(*display, res.Progress)
	shown := int(math.Round(*display))
	stage := ParseStage(res.Stage)
	if isBackground {
		bg.Progress = shown
		bg.Status = res.Status
		bg.Stage = stage
		e.hist.UpdateInProgress(jobID, shown, string(stage), "")
	} else {
		e.applyBackendUpdateLocked(stage, res.Status, shown, res.Error)
	}

	switch {
	case res.Status == string(StatusCompleted) || (stage == StageCompleted && res.Progress >= 100):
		pollTicksTotal.WithLabelValues(lane, outcomeTerminal).Inc()
		e.stopLaneLocked(LaneGenerate)
		if isBackground {
			e.backgroundCompletedLocked(jobID, OpGenerate)
		} else {
			e.foregroundCompletedLocked(jobID)
		}
	case res.Status == string(StatusFailed):
		pollTicksTotal.WithLabelValues(lane, outcomeTerminal).Inc()
		e.stopLaneLocked(LaneGenerate)
		reason := res.Error
		if reason == "" {
			reason = "Job failed"
		}
		if isBackground {
			e.backgroundFailedLocked(jobID, OpGenerate, reason)
		} else {
			_ = failJob(&e.st, jobID, reason)
			e.publish(EventJobFailed, jobID, map[string]any{"reason": reason})
		}
	default:
		pollTicksTotal.WithLabelValues(lane, outcomeOK).Inc()
	}
	e.commitLocked()
}

// applyBackendUpdateLocked records raw backend values on the foreground job
// and feeds the stage synthesizer.
func (e *Engine) applyBackendUpdateLocked(stage Stage, status string, progress int, errMsg string) {
	e.st.Job.Stage = stage
	e.st.Job.Progress = progress
	if st := ParseJobStatus(status); st != StatusNone {
		e.st.Job.Status = st
	}
	e.st.Job.Error = errMsg
	if stage != StageNone {
		e.enqueueStagesLocked(stage)
	}
}

func (e *Engine) foregroundCompletedLocked(jobID string) {
	if err := completeJob(&e.st, jobID); err != nil {
		e.log.Debug().Err(err).Msg("completion ignored")
		return
	}
	e.enqueueStagesLocked(StageCompleted)
	e.handleJobCompletionLocked(jobID, e.completionDelayLocked())
}

// handleJobCompletionLocked publishes the result URL at once and moves to
// Preview after delay, so queued stages get their dwell. It runs once per
// job until the next generate.
func (e *Engine) handleJobCompletionLocked(jobID string, delay time.Duration) {
	if e.completionFor == jobID {
		return
	}
	e.completionFor = jobID
	e.st.ModelURL = e.client.ModelURL(jobID)
	if e.st.SelectedPreset != "" {
		e.st.Job.QualityPreset = e.st.SelectedPreset
	}
	e.st.Job.Status = StatusCompleted
	e.st.Job.Stage = StageCompleted
	e.log.Info().Str("job_id", jobID).Dur("delay", delay).Msg("job completed")
	if e.completionTimer != nil {
		e.completionTimer.Stop()
	}
	e.completionTimer = time.AfterFunc(delay, func() { e.finishCompletion(jobID) })
}

func (e *Engine) finishCompletion(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.completionFor != jobID {
		return
	}
	if e.st.Job.ID == jobID {
		e.st.IsProcessing = false
		e.st.Step = StepPreview
	}
	e.hist.SaveToHistory(jobID)
	e.publish(EventJobCompleted, jobID, map[string]any{"model_url": e.client.ModelURL(jobID)})
	e.commitLocked()
}

// generateLostLocked handles a 404 from the status endpoint.
func (e *Engine) generateLostLocked(jobID string) {
	e.stopLaneLocked(LaneGenerate)
	reason := ErrSessionLost.Error()
	if bg := e.st.Background; bg.Type == OpGenerate && bg.JobID == jobID {
		e.st.Background = BackgroundOperation{}
		e.hist.MarkFailed(jobID)
		e.publish(EventJobFailed, jobID, map[string]any{"reason": reason, "background": true})
		return
	}
	if err := failJob(&e.st, jobID, reason); err == nil {
		e.publish(EventJobFailed, jobID, map[string]any{"reason": reason})
	}
}

func (e *Engine) tickTexture(ctx context.Context, jobID string, token uint64) {
	res, err := e.client.RetextureStatus(ctx, jobID)

	e.mu.Lock()
	defer e.mu.Unlock()
	lane := string(LaneTexture)
	if !e.sched.current(LaneTexture, token) {
		pollTicksTotal.WithLabelValues(lane, outcomeStale).Inc()
		return
	}
	if err != nil {
		if backend.IsNotFound(err) {
			pollTicksTotal.WithLabelValues(lane, outcomeNotFound).Inc()
			e.log.Warn().Str("job_id", jobID).Msg("retexture job not found; session lost")
			e.textureLostLocked(jobID)
			e.commitLocked()
			return
		}
		pollTicksTotal.WithLabelValues(lane, outcomeError).Inc()
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("retexture poll failed; retrying next tick")
		return
	}

	bg := &e.st.Background
	isBackground := bg.Type == OpTexture && bg.JobID == jobID
	isForeground := !isBackground && e.st.Job.ID == jobID
	switch {
	case isBackground:
		bg.Progress = res.Progress
		bg.Status = res.Status
		e.hist.UpdateInProgress(jobID, res.Progress, "", string(OpTexture))
	case isForeground:
		e.st.Texture.Progress = res.Progress
		e.st.Texture.Error = res.Error
		// Terminal statuses go through the transitions below.
		if st := ParseTextureStatus(res.Status); st.Active() {
			e.st.Texture.Status = st
		}
	}

	switch res.Status {
	case "completed":
		pollTicksTotal.WithLabelValues(lane, outcomeTerminal).Inc()
		e.stopLaneLocked(LaneTexture)
		e.recordTextureDurationLocked()
		paint := e.st.Texture.Settings.ApplyPaint
		if lr := e.st.Texture.LastRequest; lr != nil {
			paint = lr.ApplyPaint
		}
		e.SetJobTextureInfo(jobID, TextureInfoUpdate{TextureApplied: boolPtr(true), PaintApplied: boolPtr(paint)})
		switch {
		case isBackground:
			e.backgroundCompletedLocked(jobID, OpTexture)
		case isForeground:
			if err := completeTexture(&e.st); err != nil {
				e.log.Debug().Err(err).Msg("texture completion ignored")
			}
			e.st.ModelURL = e.freshModelURL(jobID)
			e.publish(EventTextureCompleted, jobID, nil)
		default:
			_ = completeTexture(&e.st)
		}
	case "cancelled":
		pollTicksTotal.WithLabelValues(lane, outcomeTerminal).Inc()
		e.stopLaneLocked(LaneTexture)
		if isBackground {
			e.st.Background = BackgroundOperation{}
			e.hist.RemoveInProgress(jobID)
		} else {
			_ = textureCancelled(&e.st)
			if isForeground {
				e.st.ModelURL = e.freshModelURL(jobID)
			}
		}
		e.publish(EventTextureCancelled, jobID, nil)
	case "failed":
		pollTicksTotal.WithLabelValues(lane, outcomeTerminal).Inc()
		e.stopLaneLocked(LaneTexture)
		reason := res.Error
		if reason == "" {
			reason = "Texture failed"
		}
		if isBackground {
			e.backgroundFailedLocked(jobID, OpTexture, reason)
		} else if err := failTexture(&e.st, reason); err == nil {
			e.publish(EventTextureFailed, jobID, map[string]any{"reason": reason})
		}
	default:
		pollTicksTotal.WithLabelValues(lane, outcomeOK).Inc()
	}
	e.commitLocked()
}

// textureLostLocked handles a 404 from the retexture status endpoint.
func (e *Engine) textureLostLocked(jobID string) {
	e.stopLaneLocked(LaneTexture)
	reason := ErrSessionLost.Error()
	if bg := e.st.Background; bg.Type == OpTexture && bg.JobID == jobID {
		e.backgroundFailedLocked(jobID, OpTexture, reason)
		return
	}
	if e.st.Job.ID != jobID {
		return
	}
	if err := failTexture(&e.st, reason); err == nil {
		e.publish(EventTextureFailed, jobID, map[string]any{"reason": reason})
	}
}

// recordTextureDurationLocked stores the elapsed time of the finished
// texture under its settings fingerprint.
func (e *Engine) recordTextureDurationLocked() {
	start := e.st.Texture.StartedAt
	if start.IsZero() {
		start = e.st.Background.StartedAt
	}
	lr := e.st.Texture.LastRequest
	if start.IsZero() || lr == nil {
		return
	}
	d := e.now().Sub(start)
	e.eta.record(*lr, d)
	e.log.Info().Str("fingerprint", lr.Fingerprint()).Dur("duration", d).Msg("recorded texture duration")
}
