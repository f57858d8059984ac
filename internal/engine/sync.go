package engine

import (
	"protoscale/internal/broadcast"
)

// onMessage merges a snapshot published by another context. Merging is last
// writer wins per field:
//
//   - the background slot is adopted whole, and a lane is started for it if
//     this context is not already polling it;
//   - job status, progress, stage, start time and the generate lock fields
//     are adopted when present;
//   - texture status and progress are adopted only while this context has no
//     texture lane of its own;
//   - the job id is adopted only when this context has none.
//
// Nothing merged here is committed back.
func (e *Engine) onMessage(m broadcast.Message) {
	if m.Key != ProcessKey || m.Value == "" {
		return
	}
	d, err := decodeSnapshot([]byte(m.Value))
	if err != nil {
		syncMergesTotal.WithLabelValues("malformed").Inc()
		e.log.Debug().Err(err).Msg("ignoring malformed snapshot from another context")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.suppress = true
	defer func() { e.suppress = false }()

	s := &e.st
	if d.has("backgroundOperation") {
		bg := d.BackgroundOperation.operation()
		s.Background = bg
		switch {
		case bg.Type == OpGenerate && bg.JobID != "":
			if id, ok := e.sched.active(LaneGenerate); !ok || id != bg.JobID {
				e.startGenerateLaneLocked(bg.JobID)
			}
		case bg.Type == OpTexture && bg.JobID != "":
			if _, ok := e.sched.active(LaneTexture); !ok {
				e.startTextureLaneLocked(bg.JobID)
			}
		case bg.Type == OpNone:
			if id, ok := e.sched.active(LaneGenerate); ok && id != s.Job.ID {
				e.stopLaneLocked(LaneGenerate)
			}
		}
	}
	if d.has("jobStatus") {
		s.Job.Status = ParseJobStatus(deref(d.JobStatus))
	}
	if d.has("progress") {
		s.Job.Progress = roundPtr(d.Progress)
	}
	if d.has("stage") {
		s.Job.Stage = ParseStage(deref(d.Stage))
	}
	if d.has("jobStartedAt") {
		s.Job.StartedAt = fromMillis(d.JobStartedAt)
	}
	if d.has("isGenerateConfigLocked") && d.IsGenerateConfigLocked != nil {
		s.ConfigLocked = *d.IsGenerateConfigLocked
	}
	if d.has("pendingGenerateSettings") {
		s.PendingGenerate = normalizedPending(d.PendingGenerateSettings, s.SelectedPreset)
	}
	if _, polling := e.sched.active(LaneTexture); !polling {
		if d.has("retextureStatus") {
			s.Texture.Status = ParseTextureStatus(deref(d.RetextureStatus))
		}
		if d.has("retextureProgress") {
			s.Texture.Progress = roundPtr(d.RetextureProgress)
		}
	}
	if d.has("jobId") && s.Job.ID == "" {
		s.Job.ID = deref(d.JobID)
	}
	syncMergesTotal.WithLabelValues("merged").Inc()
	e.publish(EventStateSynced, s.Job.ID, map[string]any{"origin": m.Origin})
}
