package engine

import (
	"context"

	"protoscale/internal/backend"
)

// UploadImage uploads source images and prepares the job for generation.
// The upload step does not start generation.
func (e *Engine) UploadImage(ctx context.Context, files []backend.UploadFile, opts GenerateOptions) error {
	e.mu.Lock()
	if err := startUpload(&e.st, e.admitLocked()); err != nil {
		if be, ok := err.(*BusyError); ok {
			e.st.Job.Error = be.Reason
			e.commitLocked()
		}
		e.mu.Unlock()
		return err
	}
	settings := NormalizeGenerateSettings(opts, e.st.SelectedPreset)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	e.st.UploadedImages = names
	e.st.SelectedPreset = settings.ModelPreset
	e.st.Job.QualityPreset = settings.ModelPreset
	e.st.PendingGenerate = &settings
	e.commitLocked()
	e.mu.Unlock()

	p, _ := LookupPreset(settings.ModelPreset)
	res, err := e.client.Upload(ctx, files, backend.UploadOptions{
		RemoveBackground: settings.RemoveBackground,
		AIModel:          p.AIModel,
		ShouldTexture:    settings.EnablePBR,
		EnablePBR:        settings.EnablePBR,
		ModelType:        string(settings.ModelType),
		SymmetryMode:     string(settings.SymmetryMode),
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if terr := uploadFailed(&e.st, "Upload failed: "+err.Error()); terr != nil {
			return terr
		}
		e.log.Warn().Err(err).Msg("upload failed")
		e.commitLocked()
		return &SubmissionError{Op: "upload", Err: err}
	}
	if err := uploadSucceeded(&e.st, res.JobID, res.Status, e.now()); err != nil {
		return err
	}
	e.stopStageTimerLocked()
	e.SetJobTextureInfo(res.JobID, TextureInfoUpdate{TextureApplied: boolPtr(false), PaintApplied: boolPtr(false)})
	e.log.Info().Str("job_id", res.JobID).Msg("upload completed")
	e.publish(EventUploaded, res.JobID, nil)
	e.commitLocked()
	return nil
}

// Generate3D submits the uploaded job for generation and starts polling it.
func (e *Engine) Generate3D(ctx context.Context) error {
	e.mu.Lock()
	adm := e.admitLocked()
	if err := startGenerate(&e.st, adm, e.now()); err != nil {
		if be, ok := err.(*BusyError); ok {
			e.st.Job.Error = be.Reason
			e.commitLocked()
		}
		e.mu.Unlock()
		return err
	}
	e.stopStageTimerLocked()
	jobID := e.st.Job.ID
	e.completionFor = ""
	var settings *GenerateSettings
	if e.st.PendingGenerate != nil {
		g := NormalizeGenerateSettings(e.st.PendingGenerate.Options(), e.st.SelectedPreset)
		settings = &g
		e.st.SelectedPreset = g.ModelPreset
		e.st.Job.QualityPreset = g.ModelPreset
	}
	e.commitLocked()
	e.mu.Unlock()

	var err error
	if settings != nil {
		err = e.client.Generate(ctx, jobID, buildGenerateRequest(*settings))
	} else {
		err = e.client.Generate(ctx, jobID, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if terr := generateRejected(&e.st, jobID, err.Error()); terr != nil {
			return terr
		}
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("generate rejected")
		e.commitLocked()
		return &SubmissionError{Op: "generate", Err: err}
	}
	if e.st.Job.ID != jobID || !e.st.IsProcessing {
		return invalid("generate3D", string(e.st.Job.Status), "job changed while submitting")
	}
	e.startGenerateLaneLocked(jobID)
	e.log.Info().Str("job_id", jobID).Msg("generation started")
	e.publish(EventGenerateStarted, jobID, nil)
	e.commitLocked()
	return nil
}

// GoToGenerate locks in the generate settings and moves to the Generate step.
// A nil opts reuses the pending settings.
func (e *Engine) GoToGenerate(opts *GenerateOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var in GenerateOptions
	switch {
	case opts != nil:
		in = *opts
	case e.st.PendingGenerate != nil:
		in = e.st.PendingGenerate.Options()
	}
	g := NormalizeGenerateSettings(in, e.st.SelectedPreset)
	e.st.PendingGenerate = &g
	e.st.SelectedPreset = g.ModelPreset
	e.st.Job.QualityPreset = g.ModelPreset
	e.st.ConfigLocked = true
	e.st.Step = StepGenerate
	e.commitLocked()
}

// ResumeJob restarts polling for the current job after a restart, or jumps
// to Preview when it already completed. A texture still in flight for the
// job gets its lane back as well.
func (e *Engine) ResumeJob() {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.st
	if s.Job.ID == "" {
		return
	}
	switch {
	case s.Job.Status == StatusCompleted:
		s.Step = StepPreview
	case s.Job.Status.Running():
		s.IsProcessing = true
		e.startGenerateLaneLocked(s.Job.ID)
	}
	if s.Texture.Status.Active() {
		if _, ok := e.sched.active(LaneTexture); !ok {
			e.startTextureLaneLocked(s.Job.ID)
		}
	}
	e.commitLocked()
}

// SyncStatus performs a one-off status refresh for the foreground job.
func (e *Engine) SyncStatus(ctx context.Context, jobID string) error {
	if jobID == "" {
		return invalid("syncStatus", "", "no job id")
	}
	res, err := e.client.Status(ctx, jobID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Job.ID != jobID {
		return invalid("syncStatus", string(e.st.Job.Status), "job "+jobID+" is not in the foreground")
	}
	if err != nil {
		if backend.IsNotFound(err) {
			e.stopLaneLocked(LaneGenerate)
			_ = failJob(&e.st, jobID, ErrSessionLost.Error())
			e.commitLocked()
			return ErrSessionLost
		}
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("status check failed")
		return err
	}
	status := res.Status
	if status == "" {
		status = string(e.st.Job.Status)
	}
	e.applyBackendUpdateLocked(ParseStage(res.Stage), status, res.Progress, res.Error)
	if res.Status == string(StatusFailed) {
		reason := res.Error
		if reason == "" {
			reason = "Job failed"
		}
		_ = failJob(&e.st, jobID, reason)
		e.stopLaneLocked(LaneGenerate)
	}
	if res.Status == string(StatusCompleted) || (ParseStage(res.Stage) == StageCompleted && res.Progress >= 100) {
		e.stopLaneLocked(LaneGenerate)
		e.foregroundCompletedLocked(jobID)
	}
	e.commitLocked()
	return nil
}

// ConfirmModel moves to Export.
func (e *Engine) ConfirmModel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Step = StepExport
	e.commitLocked()
}

// SetTextureSettings replaces the settings used by the next ApplyTexture.
func (e *Engine) SetTextureSettings(t TextureSettings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Texture.Settings = t.withDefaults().clone()
	e.commitLocked()
}

// ApplyTexture submits a re-texture of the current job and starts its lane.
func (e *Engine) ApplyTexture(ctx context.Context) error {
	e.mu.Lock()
	if err := startTexture(&e.st, e.admitLocked(), e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	jobID := e.st.Job.ID
	req := e.st.Texture.LastRequest.request()
	e.commitLocked()
	e.mu.Unlock()

	err := e.client.Retexture(ctx, jobID, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.st.Job.ID == jobID && e.st.Texture.Status == TextureProcessing {
			_ = failTexture(&e.st, err.Error())
			e.commitLocked()
		}
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("retexture rejected")
		return &SubmissionError{Op: "retexture", Err: err}
	}
	if e.st.Job.ID != jobID || e.st.Texture.Status != TextureProcessing {
		return invalid("applyTexture", string(e.st.Texture.Status), "texture changed while submitting")
	}
	e.startTextureLaneLocked(jobID)
	e.log.Info().Str("job_id", jobID).Msg("texture started")
	e.publish(EventTextureStarted, jobID, nil)
	e.commitLocked()
	return nil
}

// CancelRetexture asks the backend to cancel the foreground texture.
func (e *Engine) CancelRetexture(ctx context.Context) error {
	e.mu.Lock()
	if e.st.Job.ID == "" {
		e.mu.Unlock()
		return invalid("cancelRetexture", "", "no job")
	}
	if err := cancelTexture(&e.st); err != nil {
		e.mu.Unlock()
		return err
	}
	jobID := e.st.Job.ID
	e.stopLaneLocked(LaneTexture)
	e.commitLocked()
	e.mu.Unlock()

	res, err := e.client.CancelRetexture(ctx, jobID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Job.ID != jobID || e.st.Texture.Status != TextureCancelling {
		return invalid("cancelRetexture", string(e.st.Texture.Status), "texture changed while cancelling")
	}
	if err != nil {
		_ = failTexture(&e.st, err.Error())
		e.commitLocked()
		return &SubmissionError{Op: "cancel", Err: err}
	}
	if st := ParseTextureStatus(res.Status); st != TextureIdle {
		e.st.Texture.Status = st
		e.st.Texture.Progress = 0
	} else {
		_ = textureCancelled(&e.st)
	}
	e.st.ModelURL = e.freshModelURL(jobID)
	e.publish(EventTextureCancelled, jobID, nil)
	e.commitLocked()
	return nil
}

// Reset stops every lane and timer and returns to a fresh state, background
// operation included.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Background.Active() {
		e.log.Warn().Str("job_id", e.st.Background.JobID).Msg("reset while a background operation is active")
	}
	e.sched.stopAll()
	e.stopStageTimerLocked()
	if e.completionTimer != nil {
		e.completionTimer.Stop()
		e.completionTimer = nil
	}
	e.completionFor = ""
	reset(&e.st)
	e.commitLocked()
}
