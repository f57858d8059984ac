package engine

import (
	"math"
	"time"

	json "github.com/goccy/go-json"
)

// ProcessKey holds the engine snapshot.
const ProcessKey = "protoScale_process"

// snapshot is the persisted document. Field names are shared with every
// other context reading the same store; there is no version field, so new
// fields must default safely when absent.
type snapshot struct {
	JobID                   *string           `json:"jobId"`
	CurrentStepIndex        *int              `json:"currentStepIndex"`
	UploadedImages          []string          `json:"uploadedImages"`
	UploadedImage           *string           `json:"uploadedImage,omitempty"`
	ModelURL                *string           `json:"modelUrl"`
	SelectedPreset          *string           `json:"selectedPreset"`
	ActiveJobQualityPreset  *string           `json:"activeJobQualityPreset"`
	JobStatus               *string           `json:"jobStatus"`
	Progress                *float64          `json:"progress"`
	Stage                   *string           `json:"stage"`
	JobStartedAt            *int64            `json:"jobStartedAt"`
	UIStage                 *string           `json:"uiStage"`
	UIStageSince            *int64            `json:"uiStageSince"`
	RetextureStatus         *string           `json:"retextureStatus"`
	RetextureProgress       *float64          `json:"retextureProgress"`
	RetextureStartedAt      *int64            `json:"retextureStartedAt"`
	IsGenerateConfigLocked  *bool             `json:"isGenerateConfigLocked"`
	PendingGenerateSettings *GenerateSettings `json:"pendingGenerateSettings"`
	BackgroundOperation     *bgSnapshot       `json:"backgroundOperation"`
	TextureSettings         *TextureSettings  `json:"textureSettings"`
	LastRetextureRequest    *TextureSettings  `json:"lastRetextureRequest"`
}

type bgSnapshot struct {
	Type      *string  `json:"type"`
	JobID     *string  `json:"jobId"`
	Progress  *float64 `json:"progress"`
	Status    *string  `json:"status"`
	Stage     *string  `json:"stage"`
	StartedAt *int64   `json:"startedAt"`
}

// decoded is a parsed snapshot plus which keys were present, so that an
// explicit null can be told apart from an absent field.
type decoded struct {
	snapshot
	present map[string]bool
}

func (d decoded) has(key string) bool { return d.present[key] }

func encodeSnapshot(s *State) ([]byte, error) {
	step := int(s.Step)
	progress := float64(s.Job.Progress)
	texProgress := float64(s.Texture.Progress)
	texStatus := string(s.Texture.Status)
	locked := s.ConfigLocked
	since := int64(0)
	if !s.UI.Since.IsZero() {
		since = s.UI.Since.UnixMilli()
	}
	images := s.UploadedImages
	if images == nil {
		images = []string{}
	}
	ts := s.Texture.Settings
	doc := snapshot{
		JobID:                   strPtr(s.Job.ID),
		CurrentStepIndex:        &step,
		UploadedImages:          images,
		ModelURL:                strPtr(s.ModelURL),
		SelectedPreset:          strPtr(string(s.SelectedPreset)),
		ActiveJobQualityPreset:  strPtr(string(s.Job.QualityPreset)),
		JobStatus:               strPtr(string(s.Job.Status)),
		Progress:                &progress,
		Stage:                   strPtr(string(s.Job.Stage)),
		JobStartedAt:            millis(s.Job.StartedAt),
		UIStage:                 strPtr(string(s.UI.Current)),
		UIStageSince:            &since,
		RetextureStatus:         &texStatus,
		RetextureProgress:       &texProgress,
		RetextureStartedAt:      millis(s.Texture.StartedAt),
		IsGenerateConfigLocked:  &locked,
		PendingGenerateSettings: s.PendingGenerate,
		BackgroundOperation:     encodeBackground(s.Background),
		TextureSettings:         &ts,
		LastRetextureRequest:    s.Texture.LastRequest,
	}
	return json.Marshal(doc)
}

func encodeBackground(b BackgroundOperation) *bgSnapshot {
	progress := float64(b.Progress)
	return &bgSnapshot{
		Type:      strPtr(string(b.Type)),
		JobID:     strPtr(b.JobID),
		Progress:  &progress,
		Status:    strPtr(b.Status),
		Stage:     strPtr(string(b.Stage)),
		StartedAt: millis(b.StartedAt),
	}
}

func decodeSnapshot(b []byte) (decoded, error) {
	var d decoded
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d.snapshot); err != nil {
		return d, err
	}
	d.present = make(map[string]bool, len(raw))
	for k := range raw {
		d.present[k] = true
	}
	return d, nil
}

func (b *bgSnapshot) operation() BackgroundOperation {
	if b == nil {
		return BackgroundOperation{}
	}
	op := BackgroundOperation{
		Type:      ParseOperationType(deref(b.Type)),
		JobID:     deref(b.JobID),
		Progress:  roundPtr(b.Progress),
		Status:    deref(b.Status),
		Stage:     ParseStage(deref(b.Stage)),
		StartedAt: fromMillis(b.StartedAt),
	}
	if op.Type == OpNone {
		return BackgroundOperation{}
	}
	return op
}

// restore applies a document read at startup onto defaults. Only truthy
// identity fields are taken; the legacy single uploadedImage string becomes
// a one-element list.
func restore(s *State, d decoded) {
	if v := deref(d.JobID); v != "" {
		s.Job.ID = v
	}
	if d.CurrentStepIndex != nil && *d.CurrentStepIndex >= int(StepUpload) && *d.CurrentStepIndex <= int(StepExport) {
		s.Step = Step(*d.CurrentStepIndex)
	}
	if d.IsGenerateConfigLocked != nil {
		s.ConfigLocked = *d.IsGenerateConfigLocked
	}
	if d.has("pendingGenerateSettings") {
		s.PendingGenerate = normalizedPending(d.PendingGenerateSettings, s.SelectedPreset)
	}
	switch {
	case d.UploadedImages != nil:
		s.UploadedImages = append([]string(nil), d.UploadedImages...)
	case deref(d.UploadedImage) != "":
		s.UploadedImages = []string{*d.UploadedImage}
	}
	if v := deref(d.ModelURL); v != "" {
		s.ModelURL = v
	}
	if v := PresetID(deref(d.SelectedPreset)); v != "" {
		s.SelectedPreset = v
	}
	if d.has("activeJobQualityPreset") {
		s.Job.QualityPreset = PresetID(deref(d.ActiveJobQualityPreset))
	}
	if v := deref(d.JobStatus); v != "" {
		s.Job.Status = ParseJobStatus(v)
	}
	if d.Progress != nil {
		s.Job.Progress = roundPtr(d.Progress)
	}
	if d.has("stage") {
		s.Job.Stage = ParseStage(deref(d.Stage))
	}
	if d.has("jobStartedAt") {
		s.Job.StartedAt = fromMillis(d.JobStartedAt)
	}
	if d.has("uiStage") {
		s.UI.Current = ParseStage(deref(d.UIStage))
	}
	if d.UIStageSince != nil {
		s.UI.Since = fromMillis(d.UIStageSince)
	}
	if d.RetextureStatus != nil {
		s.Texture.Status = ParseTextureStatus(*d.RetextureStatus)
	}
	if d.RetextureProgress != nil {
		s.Texture.Progress = roundPtr(d.RetextureProgress)
	}
	if d.has("retextureStartedAt") {
		s.Texture.StartedAt = fromMillis(d.RetextureStartedAt)
	}
	if d.TextureSettings != nil {
		s.Texture.Settings = d.TextureSettings.withDefaults()
	}
	if d.LastRetextureRequest != nil {
		lr := d.LastRetextureRequest.withDefaults()
		s.Texture.LastRequest = &lr
	}
	if s.Job.QualityPreset == "" && s.SelectedPreset != "" {
		s.Job.QualityPreset = s.SelectedPreset
	}
	s.Background = d.BackgroundOperation.operation()
}

func normalizedPending(g *GenerateSettings, selected PresetID) *GenerateSettings {
	if g == nil {
		return nil
	}
	n := NormalizeGenerateSettings(g.Options(), selected)
	return &n
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func roundPtr(p *float64) int {
	if p == nil {
		return 0
	}
	return int(math.Round(*p))
}

func millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(p *int64) time.Time {
	if p == nil || *p == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*p)
}
