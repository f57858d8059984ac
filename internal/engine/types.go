package engine

import "time"

// JobStatus is the lifecycle state of the primary job. The zero value means
// no job has been started.
type JobStatus string

const (
	StatusNone       JobStatus = ""
	StatusUploading  JobStatus = "uploading"
	StatusReady      JobStatus = "ready"
	StatusPending    JobStatus = "pending"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ParseJobStatus maps unknown strings to StatusNone.
func ParseJobStatus(s string) JobStatus {
	switch st := JobStatus(s); st {
	case StatusUploading, StatusReady, StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return st
	}
	return StatusNone
}

// Running reports whether the backend is still working on the job.
func (s JobStatus) Running() bool { return s == StatusProcessing || s == StatusQueued }

// Stage is a backend pipeline phase.
type Stage string

const (
	StageNone        Stage = ""
	StageUpload      Stage = "upload"
	StageReady       Stage = "ready"
	StageRembg       Stage = "rembg"
	StageGeometry    Stage = "geometry"
	StageTexture     Stage = "texture"
	StagePostprocess Stage = "postprocess"
	StageCompleted   Stage = "completed"
)

// ParseStage maps unknown strings to StageNone.
func ParseStage(s string) Stage {
	switch st := Stage(s); st {
	case StageUpload, StageReady, StageRembg, StageGeometry, StageTexture, StagePostprocess, StageCompleted:
		return st
	}
	return StageNone
}

// TextureStatus is the lifecycle state of a re-texture operation.
type TextureStatus string

const (
	TextureIdle       TextureStatus = "idle"
	TextureProcessing TextureStatus = "processing"
	TextureCancelling TextureStatus = "cancelling"
	TextureCompleted  TextureStatus = "completed"
	TextureFailed     TextureStatus = "failed"
)

// ParseTextureStatus maps unknown strings, including the backend's
// "cancelled", to TextureIdle.
func ParseTextureStatus(s string) TextureStatus {
	switch st := TextureStatus(s); st {
	case TextureProcessing, TextureCancelling, TextureCompleted, TextureFailed:
		return st
	}
	return TextureIdle
}

// Active reports processing or cancelling.
func (s TextureStatus) Active() bool { return s == TextureProcessing || s == TextureCancelling }

// OperationType tags the background slot.
type OperationType string

const (
	OpNone     OperationType = ""
	OpGenerate OperationType = "generate"
	OpTexture  OperationType = "texture"
)

// ParseOperationType maps unknown strings to OpNone.
func ParseOperationType(s string) OperationType {
	switch op := OperationType(s); op {
	case OpGenerate, OpTexture:
		return op
	}
	return OpNone
}

// Step is the navigation position of the presentation layer.
type Step int

const (
	StepUpload Step = iota
	StepGenerate
	StepPreview
	StepExport
)

var stepNames = [...]string{"Upload", "Generate", "Preview", "Export"}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "Unknown"
	}
	return stepNames[s]
}

// Job is the primary generation job.
type Job struct {
	ID            string
	Status        JobStatus
	Stage         Stage
	Progress      int
	StartedAt     time.Time
	QualityPreset PresetID
	Error         string
}

// TextureOperation is a re-texture bound to a completed job.
type TextureOperation struct {
	Status    TextureStatus
	Progress  int
	StartedAt time.Time
	Settings  TextureSettings
	// LastRequest is the settings snapshot taken at submission.
	LastRequest *TextureSettings
	Error       string
}

// BackgroundOperation is the single demoted operation, if any.
type BackgroundOperation struct {
	Type      OperationType
	JobID     string
	Progress  int
	Status    string
	Stage     Stage
	StartedAt time.Time
}

// Active reports whether background work is outstanding.
func (b BackgroundOperation) Active() bool { return b.Type != OpNone }

// UIStage is the stage shown to the user, decoupled from Job.Stage.
type UIStage struct {
	Current Stage
	Since   time.Time
	// Queue holds stages still to be shown; it is not persisted.
	Queue []Stage
}

// State is a snapshot of everything the engine tracks.
type State struct {
	Step            Step
	Job             Job
	IsProcessing    bool
	Texture         TextureOperation
	Background      BackgroundOperation
	UI              UIStage
	UploadedImages  []string
	ModelURL        string
	SelectedPreset  PresetID
	ConfigLocked    bool
	PendingGenerate *GenerateSettings
}

// IsRetexturing reports a foreground texture in processing or cancelling.
func (s *State) IsRetexturing() bool { return s.Texture.Status.Active() }

// HasActiveOperation reports any foreground or background work.
func (s *State) HasActiveOperation() bool {
	return s.IsProcessing || s.IsRetexturing() || s.Background.Active()
}

func (s State) clone() State {
	out := s
	out.UI.Queue = append([]Stage(nil), s.UI.Queue...)
	out.UploadedImages = append([]string(nil), s.UploadedImages...)
	if s.PendingGenerate != nil {
		g := *s.PendingGenerate
		out.PendingGenerate = &g
	}
	out.Texture.Settings = s.Texture.Settings.clone()
	if s.Texture.LastRequest != nil {
		lr := s.Texture.LastRequest.clone()
		out.Texture.LastRequest = &lr
	}
	return out
}

func defaultState() State {
	return State{
		Step:           StepUpload,
		SelectedPreset: DefaultPreset,
		Texture: TextureOperation{
			Status:   TextureIdle,
			Settings: DefaultTextureSettings(),
		},
	}
}
