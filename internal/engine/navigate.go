package engine

import "time"

// NavigateToStep moves the presentation to step when the state allows it.
// Leaving for Upload while something processes demotes it to the
// background; asking for Generate while a generate runs in the background
// resumes it.
func (e *Engine) NavigateToStep(step Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.st
	bg := s.Background
	switch step {
	case StepUpload:
		if s.IsProcessing || s.IsRetexturing() {
			if err := e.continueInBackgroundLocked(); err != nil {
				return err
			}
			e.commitLocked()
			return nil
		}
	case StepGenerate:
		switch bg.Type {
		case OpGenerate:
			if err := e.resumeBackgroundLocked(); err != nil {
				return err
			}
			e.commitLocked()
			return nil
		case OpTexture:
			return invalid("navigate", step.String(), "a texture is processing in the background")
		}
		if s.Job.ID == "" || (s.Job.Status != StatusPending && s.Job.Status != StatusReady) {
			return invalid("navigate", step.String(), "no job ready to generate")
		}
	case StepPreview:
		if bg.Type == OpGenerate && bg.JobID == s.Job.ID {
			return invalid("navigate", step.String(), "current job is generating in the background")
		}
		if s.ModelURL == "" && bg.Type != OpGenerate {
			return invalid("navigate", step.String(), "no model available to preview")
		}
	case StepExport:
		if s.ModelURL == "" || s.Job.Status != StatusCompleted {
			return invalid("navigate", step.String(), "no completed model to export")
		}
	default:
		return invalid("navigate", step.String(), "unknown step")
	}
	s.Step = step
	e.commitLocked()
	return nil
}

// HistoryMeta is what the history list knows about a job.
type HistoryMeta struct {
	QualityPreset PresetID
}

// LoadFromHistory shows a completed job in Preview. Lanes serving the
// background slot keep running; a texture still in flight for the previous
// job is demoted to the background instead of being dropped.
func (e *Engine) LoadFromHistory(jobID string, meta HistoryMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadFromHistoryLocked(jobID, meta)
	e.commitLocked()
}

func (e *Engine) loadFromHistoryLocked(jobID string, meta HistoryMeta) {
	s := &e.st
	if id, ok := e.sched.active(LaneGenerate); ok && id != jobID {
		if !(s.Background.Type == OpGenerate && s.Background.JobID == id) {
			e.stopLaneLocked(LaneGenerate)
		}
	}
	if id, ok := e.sched.active(LaneTexture); ok && id != jobID {
		switch {
		case s.Background.Type == OpTexture && s.Background.JobID == id:
		case s.IsRetexturing() && s.Job.ID == id && !s.Background.Active():
			bg := e.textureBackgroundLocked()
			s.Background = bg
			e.hist.AddInProgress(inProgressOf(bg))
			e.publish(EventMovedToBackground, bg.JobID, map[string]any{"type": string(bg.Type)})
		default:
			e.stopLaneLocked(LaneTexture)
		}
	}

	s.Job = Job{
		ID:            jobID,
		Status:        StatusCompleted,
		Stage:         StageCompleted,
		Progress:      100,
		QualityPreset: meta.QualityPreset,
	}
	if meta.QualityPreset != "" {
		s.SelectedPreset = meta.QualityPreset
	}
	s.ModelURL = e.client.ModelURL(jobID)
	s.UploadedImages = []string{e.client.ThumbnailURL(jobID)}
	s.IsProcessing = false
	e.resetStagesLocked(StageCompleted)
	s.Texture.Status = TextureIdle
	s.Texture.Progress = 0
	s.Texture.Error = ""
	s.Texture.StartedAt = time.Time{}
	s.Texture.LastRequest = nil
	s.Step = StepPreview
}

// OpenResult answers the "View" action of a completion notification.
func (e *Engine) OpenResult(jobID string) {
	e.LoadFromHistory(jobID, HistoryMeta{})
}
