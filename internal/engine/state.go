package engine

import (
	"fmt"
	"time"
)

// Admission is the answer of CanStartNewJob.
type Admission struct {
	Allowed bool
	Reason  string
	// ETA is set when a background texture blocks admission.
	ETA *ETAWindow
}

func (a Admission) err() error {
	if a.Allowed {
		return nil
	}
	return &BusyError{Reason: a.Reason, ETA: a.ETA}
}

// admit checks the single-active-operation invariant.
func admit(s *State, textureETA func() ETAWindow) Admission {
	if s.IsProcessing {
		return Admission{Reason: "A Generate 3D job is currently processing"}
	}
	if s.IsRetexturing() {
		return Admission{Reason: "A Texture job is currently processing"}
	}
	switch s.Background.Type {
	case OpGenerate:
		return Admission{Reason: fmt.Sprintf("Generate 3D running in background (%d%%)", s.Background.Progress)}
	case OpTexture:
		w := textureETA()
		return Admission{
			Reason: fmt.Sprintf("Texture running in background (est. %s - %s)",
				FormatDurationShort(float64(w.Min)), FormatDurationShort(float64(w.Max))),
			ETA: &w,
		}
	}
	return Admission{Allowed: true}
}

func startUpload(s *State, adm Admission) error {
	if err := adm.err(); err != nil {
		return err
	}
	s.IsProcessing = true
	s.Job.Error = ""
	s.Job.Status = StatusUploading
	return nil
}

func uploadSucceeded(s *State, jobID, status string, now time.Time) error {
	if s.Job.Status != StatusUploading {
		return invalid("uploadSucceeded", string(s.Job.Status), "no upload in flight")
	}
	if jobID == "" {
		return invalid("uploadSucceeded", string(s.Job.Status), "backend returned no job id")
	}
	st := ParseJobStatus(status)
	if st == StatusNone {
		st = StatusPending
	}
	s.Job.ID = jobID
	s.Job.Status = st
	s.Job.Stage = StageReady
	s.Texture.LastRequest = nil
	s.UI = UIStage{Current: StageReady, Since: now}
	s.IsProcessing = false
	return nil
}

func uploadFailed(s *State, reason string) error {
	if s.Job.Status != StatusUploading {
		return invalid("uploadFailed", string(s.Job.Status), "no upload in flight")
	}
	s.Job.Error = reason
	s.Job.Status = StatusFailed
	s.IsProcessing = false
	return nil
}

func startGenerate(s *State, adm Admission, now time.Time) error {
	if s.Job.ID == "" {
		return invalid("startGenerate", string(s.Job.Status), "no uploaded job")
	}
	if s.IsProcessing {
		return invalid("startGenerate", string(s.Job.Status), "already processing")
	}
	if err := adm.err(); err != nil {
		return err
	}
	s.IsProcessing = true
	s.Job.Error = ""
	s.Job.Progress = 0
	s.Job.Stage = StageNone
	s.Job.StartedAt = now
	s.Job.Status = StatusProcessing
	s.UI = UIStage{}
	return nil
}

func generateRejected(s *State, jobID, reason string) error {
	if s.Job.ID != jobID || !s.IsProcessing {
		return invalid("generateRejected", string(s.Job.Status), "job is no longer the active submission")
	}
	s.Job.Error = reason
	s.Job.Status = StatusFailed
	s.Job.Stage = StageNone
	s.IsProcessing = false
	return nil
}

func completeJob(s *State, id string) error {
	if s.Job.ID != id {
		return invalid("completeJob", string(s.Job.Status), "job "+id+" is not in the foreground")
	}
	if s.Job.Status == StatusFailed {
		return invalid("completeJob", string(s.Job.Status), "job already failed")
	}
	s.Job.Progress = 100
	s.Job.Stage = StageCompleted
	s.Job.Status = StatusCompleted
	return nil
}

func failJob(s *State, id, reason string) error {
	if s.Job.ID != id {
		return invalid("failJob", string(s.Job.Status), "job "+id+" is not in the foreground")
	}
	s.Job.Error = reason
	s.Job.Status = StatusFailed
	s.IsProcessing = false
	return nil
}

func startTexture(s *State, adm Admission, now time.Time) error {
	if s.Job.ID == "" {
		return invalid("startTexture", string(s.Texture.Status), "no job to texture")
	}
	if err := adm.err(); err != nil {
		return err
	}
	req := s.Texture.Settings.clone()
	s.Texture.LastRequest = &req
	s.Texture.Status = TextureProcessing
	s.Texture.Progress = 0
	s.Texture.Error = ""
	s.Texture.StartedAt = now
	return nil
}

func completeTexture(s *State) error {
	if !s.Texture.Status.Active() {
		return invalid("completeTexture", string(s.Texture.Status), "no texture in flight")
	}
	s.Texture.Status = TextureCompleted
	s.Texture.Progress = 100
	return nil
}

func failTexture(s *State, reason string) error {
	if !s.Texture.Status.Active() {
		return invalid("failTexture", string(s.Texture.Status), "no texture in flight")
	}
	s.Texture.Status = TextureFailed
	s.Texture.Error = reason
	return nil
}

// textureCancelled lands a cancelled texture back on idle.
func textureCancelled(s *State) error {
	if !s.Texture.Status.Active() {
		return invalid("textureCancelled", string(s.Texture.Status), "no texture in flight")
	}
	s.Texture.Status = TextureIdle
	s.Texture.Progress = 0
	s.Texture.Error = ""
	return nil
}

func cancelTexture(s *State) error {
	if s.Texture.Status != TextureProcessing {
		return invalid("cancelTexture", string(s.Texture.Status), "texture is not processing")
	}
	s.Texture.Status = TextureCancelling
	s.Texture.Error = ""
	return nil
}

func reset(s *State) { *s = defaultState() }
