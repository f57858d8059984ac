package types

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	// Server-assigned job identifier.
	// example: 3f2c9a1e7b
	JobID string `json:"job_id" example:"3f2c9a1e7b"`
	// Initial job status, usually pending once preprocessing finished.
	// example: pending
	Status string `json:"status" example:"pending"`
}

// GenerateRequest is the JSON body of POST /jobs/{id}/generate-3d.
type GenerateRequest struct {
	// Run background removal before geometry generation.
	// example: true
	RemoveBackground bool `json:"remove_bg" example:"true"`
	// Remote model identifier taken from the quality preset.
	// example: meshy-5
	AIModel string `json:"ai_model" example:"meshy-5"`
	// Whether the remote pipeline should texture the mesh.
	// example: true
	ShouldTexture bool `json:"should_texture" example:"true"`
	// Request PBR material maps.
	// example: true
	EnablePBR bool `json:"enable_pbr" example:"true"`
	// Mesh topology flavour: standard or lowpoly.
	// example: standard
	ModelType string `json:"model_type" example:"standard"`
	// Symmetry handling: off, auto or on.
	// example: auto
	SymmetryMode string `json:"symmetry_mode" example:"auto"`
}

// StatusResponse is returned by GET /jobs/{id}/status.
type StatusResponse struct {
	// example: 3f2c9a1e7b
	JobID string `json:"job_id,omitempty" example:"3f2c9a1e7b"`
	// Job status (pending, queued, processing, completed, failed).
	// example: processing
	Status string `json:"status" example:"processing"`
	// Pipeline stage (upload, ready, rembg, geometry, texture, postprocess, completed).
	// example: geometry
	Stage string `json:"stage,omitempty" example:"geometry"`
	// Coarse progress 0-100.
	// example: 40
	Progress int `json:"progress" example:"40"`
	// Error message when status is failed.
	Error string `json:"error,omitempty"`
}

// RetextureRequest is the JSON body of POST /jobs/{id}/retexture.
type RetextureRequest struct {
	ObjectPrompt   string `json:"object_prompt"`
	StylePrompt    string `json:"style_prompt"`
	EnablePBR      bool   `json:"enable_pbr"`
	NegativePrompt string `json:"negative_prompt"`
	// example: realistic
	ArtStyle string `json:"art_style" example:"realistic"`
	// example: 2048
	Resolution int `json:"resolution" example:"2048"`
	// example: meshy-6-preview
	AIModel string `json:"ai_model" example:"meshy-6-preview"`
}

// RetextureStatusResponse is returned by the retexture status and cancel endpoints.
type RetextureStatusResponse struct {
	// One of idle, processing, cancelling, cancelled, completed, failed.
	// example: processing
	Status string `json:"status" example:"processing"`
	// example: 55
	Progress int    `json:"progress" example:"55"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

// JobListItem is one element of GET /jobs.
type JobListItem struct {
	// example: 3f2c9a1e7b
	JobID    string `json:"job_id" example:"3f2c9a1e7b"`
	HasModel bool   `json:"has_model"`
	// ISO-8601 creation time of the result model.
	CreatedAt     string `json:"created_at"`
	ModelVersion  string `json:"model_version,omitempty"`
	Deprecated    bool   `json:"deprecated"`
	QualityPreset string `json:"quality_preset,omitempty"`
}

// DeleteResponse is returned by DELETE /jobs/{id}.
type DeleteResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Human readable error.
	// example: job not found
	Detail string `json:"detail" example:"job not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
