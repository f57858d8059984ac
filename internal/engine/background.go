package engine

// ContinueInBackground demotes the processing generate or texture operation
// to the background slot and returns to Upload. Its lane keeps running and
// routes updates to the background slot from now on.
func (e *Engine) ContinueInBackground() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.continueInBackgroundLocked(); err != nil {
		return err
	}
	e.commitLocked()
	return nil
}

func (e *Engine) continueInBackgroundLocked() error {
	s := &e.st
	if s.Job.ID == "" {
		return invalid("continueInBackground", "", "no job")
	}
	if s.Background.Active() {
		return invalid("continueInBackground", string(s.Background.Type), "background slot is occupied")
	}
	var bg BackgroundOperation
	switch {
	case s.IsProcessing:
		// Only a submitted job has a lane to keep alive.
		if id, ok := e.sched.active(LaneGenerate); !ok || id != s.Job.ID {
			return invalid("continueInBackground", string(s.Job.Status), "generation has not been submitted yet")
		}
		bg = BackgroundOperation{
			Type:      OpGenerate,
			JobID:     s.Job.ID,
			Progress:  s.Job.Progress,
			Status:    string(s.Job.Status),
			Stage:     s.Job.Stage,
			StartedAt: s.Job.StartedAt,
		}
		s.IsProcessing = false
	case s.IsRetexturing():
		if id, ok := e.sched.active(LaneTexture); !ok || id != s.Job.ID {
			return invalid("continueInBackground", string(s.Texture.Status), "texture has not been submitted yet")
		}
		bg = e.textureBackgroundLocked()
		s.Texture.Status = TextureIdle
	default:
		return invalid("continueInBackground", string(s.Job.Status), "nothing is processing")
	}
	s.Background = bg
	s.Step = StepUpload
	e.hist.AddInProgress(inProgressOf(bg))
	e.log.Info().Str("job_id", bg.JobID).Str("type", string(bg.Type)).Msg("moved to background")
	e.publish(EventMovedToBackground, bg.JobID, map[string]any{"type": string(bg.Type)})
	return nil
}

func (e *Engine) textureBackgroundLocked() BackgroundOperation {
	started := e.st.Texture.StartedAt
	if started.IsZero() {
		started = e.now()
	}
	return BackgroundOperation{
		Type:      OpTexture,
		JobID:     e.st.Job.ID,
		Progress:  e.st.Texture.Progress,
		Status:    string(e.st.Texture.Status),
		StartedAt: started,
	}
}

// ResumeBackgroundJob brings the background operation back to the
// foreground and navigates to its view.
func (e *Engine) ResumeBackgroundJob() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.resumeBackgroundLocked(); err != nil {
		return err
	}
	e.commitLocked()
	return nil
}

func (e *Engine) resumeBackgroundLocked() error {
	s := &e.st
	bg := s.Background
	switch bg.Type {
	case OpGenerate:
		s.Job.ID = bg.JobID
		s.Job.Progress = bg.Progress
		if st := ParseJobStatus(bg.Status); st != StatusNone {
			s.Job.Status = st
		}
		s.Job.Stage = bg.Stage
		s.Job.StartedAt = bg.StartedAt
		s.IsProcessing = true
		s.UploadedImages = []string{e.client.ThumbnailURL(bg.JobID)}
		s.Step = StepGenerate
		s.Background = BackgroundOperation{}
		e.startGenerateLaneLocked(bg.JobID)
	case OpTexture:
		s.Job.ID = bg.JobID
		s.Texture.Progress = bg.Progress
		s.Texture.Status = ParseTextureStatus(bg.Status)
		if s.Texture.StartedAt.IsZero() {
			s.Texture.StartedAt = bg.StartedAt
		}
		s.ModelURL = e.freshModelURL(bg.JobID)
		s.UploadedImages = []string{e.client.ThumbnailURL(bg.JobID)}
		s.Step = StepPreview
		s.Background = BackgroundOperation{}
		if s.Texture.Status.Active() {
			e.startTextureLaneLocked(bg.JobID)
		}
	default:
		return invalid("resumeBackgroundJob", "", "no background operation")
	}
	e.hist.RemoveInProgress(bg.JobID)
	e.log.Info().Str("job_id", bg.JobID).Str("type", string(bg.Type)).Msg("resumed from background")
	e.publish(EventResumed, bg.JobID, map[string]any{"type": string(bg.Type)})
	return nil
}

// backgroundCompletedLocked clears the slot, updates history and raises a
// notification whose "View" action is answered with OpenResult.
func (e *Engine) backgroundCompletedLocked(jobID string, typ OperationType) {
	e.st.Background = BackgroundOperation{}
	if e.st.Step == StepUpload {
		e.st.UploadedImages = nil
		e.st.Job.ID = ""
	}
	e.hist.MarkCompleted(jobID)
	title := "Generation Complete!"
	if typ == OpTexture {
		title = "Texture Applied!"
	}
	e.log.Info().Str("job_id", jobID).Str("type", string(typ)).Msg("background operation completed")
	e.publish(EventNotify, jobID, map[string]any{
		"kind":    "success",
		"title":   title,
		"message": "Your model is ready",
		"action":  "View",
		"type":    string(typ),
	})
}

func (e *Engine) backgroundFailedLocked(jobID string, typ OperationType, reason string) {
	e.st.Background = BackgroundOperation{}
	e.hist.MarkFailed(jobID)
	e.log.Warn().Str("job_id", jobID).Str("type", string(typ)).Str("reason", reason).Msg("background operation failed")
	e.publish(EventJobFailed, jobID, map[string]any{"reason": reason, "background": true, "type": string(typ)})
	e.publish(EventNotify, jobID, map[string]any{
		"kind":    "error",
		"title":   "Background job failed",
		"message": reason,
		"type":    string(typ),
	})
}
