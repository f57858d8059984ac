package devserver

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"protoscale/pkg/types"
)

// Error is a simulated API failure carrying its HTTP status.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string   { return e.Message }
func (e *Error) StatusCode() int { return e.Code }

func errNotFound(msg string) error { return &Error{Code: http.StatusNotFound, Message: msg} }

// SimOptions tune the simulated timeline.
type SimOptions struct {
	// StageDuration is how long each pipeline stage takes (default 2s).
	StageDuration time.Duration
	// TextureDuration is the length of a re-texture (default 10s).
	TextureDuration time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type simTexture struct {
	started   time.Time
	status    string
	lastError string
}

type simJob struct {
	id        string
	created   time.Time
	thumbnail []byte
	upload    types.GenerateRequest
	generate  *types.GenerateRequest
	genStart  time.Time
	texture   *simTexture
}

type failure struct {
	code int
	left int
}

// Sim is an in-memory job backend that walks jobs through the pipeline
// stages on a fixed timeline. Tests may force statuses and HTTP failures.
type Sim struct {
	opts SimOptions

	mu     sync.Mutex
	jobs   map[string]*simJob
	forced map[string]types.StatusResponse
	fails  map[string]*failure
	calls  map[string]int
}

func NewSim(opts SimOptions) *Sim {
	if opts.StageDuration <= 0 {
		opts.StageDuration = 2 * time.Second
	}
	if opts.TextureDuration <= 0 {
		opts.TextureDuration = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sim{
		opts:   opts,
		jobs:   make(map[string]*simJob),
		forced: make(map[string]types.StatusResponse),
		fails:  make(map[string]*failure),
		calls:  make(map[string]int),
	}
}

// Create registers an uploaded job and returns its id.
func (s *Sim) Create(thumbnail []byte, settings types.GenerateRequest) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &simJob{id: id, created: s.opts.Now(), thumbnail: thumbnail, upload: settings}
	return id
}

// StartGenerate begins the timeline for id. A nil req reuses the upload
// settings.
func (s *Sim) StartGenerate(id string, req *types.GenerateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errNotFound("Job not found")
	}
	g := j.upload
	if req != nil {
		g = *req
	}
	j.generate = &g
	j.genStart = s.opts.Now()
	return nil
}

func stagesFor(g *types.GenerateRequest) []string {
	if g != nil && !g.EnablePBR {
		return []string{"rembg", "geometry", "postprocess"}
	}
	return []string{"rembg", "geometry", "texture", "postprocess"}
}

// Status reports where id is on its timeline, or its forced status.
func (s *Sim) Status(id string) (types.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.forced[id]; ok {
		f.JobID = id
		return f, nil
	}
	j, ok := s.jobs[id]
	if !ok {
		return types.StatusResponse{}, errNotFound("Job not found")
	}
	return s.statusLocked(j), nil
}

func (s *Sim) statusLocked(j *simJob) types.StatusResponse {
	if j.generate == nil {
		return types.StatusResponse{JobID: j.id, Status: "pending", Stage: "ready"}
	}
	stages := stagesFor(j.generate)
	elapsed := s.opts.Now().Sub(j.genStart)
	total := s.opts.StageDuration * time.Duration(len(stages))
	if elapsed >= total {
		return types.StatusResponse{JobID: j.id, Status: "completed", Stage: "completed", Progress: 100}
	}
	idx := int(elapsed / s.opts.StageDuration)
	progress := int(elapsed * 100 / total)
	if progress > 99 {
		progress = 99
	}
	return types.StatusResponse{JobID: j.id, Status: "processing", Stage: stages[idx], Progress: progress}
}

func (s *Sim) completedLocked(j *simJob) bool {
	return j.generate != nil && s.statusLocked(j).Status == "completed"
}

// HasModel reports whether id has a finished result.
func (s *Sim) HasModel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return ok && s.completedLocked(j)
}

// Thumbnail returns the first uploaded image of id.
func (s *Sim) Thumbnail(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errNotFound("Job not found")
	}
	if len(j.thumbnail) == 0 {
		return nil, errNotFound("No thumbnail found")
	}
	return append([]byte(nil), j.thumbnail...), nil
}

// StartRetexture begins a re-texture of a finished job.
func (s *Sim) StartRetexture(id string, req types.RetextureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errNotFound("Job not found")
	}
	if !s.completedLocked(j) {
		return errNotFound("Model not found. Generate 3D model first.")
	}
	if j.texture != nil && s.textureStatusLocked(j).Status == "processing" {
		return &Error{Code: http.StatusConflict, Message: "Retexture already in progress"}
	}
	j.texture = &simTexture{started: s.opts.Now(), status: "processing"}
	return nil
}

// RetextureStatus reports the texture progress of id; unknown jobs are idle.
func (s *Sim) RetextureStatus(id string) types.RetextureStatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.texture == nil {
		return types.RetextureStatusResponse{Status: "idle"}
	}
	return s.textureStatusLocked(j)
}

func (s *Sim) textureStatusLocked(j *simJob) types.RetextureStatusResponse {
	t := j.texture
	if t.status != "processing" {
		res := types.RetextureStatusResponse{Status: t.status, Error: t.lastError}
		if t.status == "completed" {
			res.Progress = 100
		}
		return res
	}
	elapsed := s.opts.Now().Sub(t.started)
	if elapsed >= s.opts.TextureDuration {
		t.status = "completed"
		return types.RetextureStatusResponse{Status: "completed", Progress: 100}
	}
	return types.RetextureStatusResponse{Status: "processing", Progress: int(elapsed * 100 / s.opts.TextureDuration)}
}

// CancelRetexture stops a running texture.
func (s *Sim) CancelRetexture(id string) (types.RetextureStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.texture == nil || s.textureStatusLocked(j).Status != "processing" {
		return types.RetextureStatusResponse{}, &Error{Code: http.StatusConflict, Message: "No retexture job in progress."}
	}
	j.texture.status = "cancelled"
	return types.RetextureStatusResponse{Status: "cancelled"}, nil
}

// Delete removes id.
func (s *Sim) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errNotFound("Job not found")
	}
	delete(s.jobs, id)
	delete(s.forced, id)
	return nil
}

// Jobs lists finished jobs, newest first.
func (s *Sim) Jobs() []types.JobListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var done []*simJob
	for _, j := range s.jobs {
		if s.completedLocked(j) {
			done = append(done, j)
		}
	}
	sort.Slice(done, func(a, b int) bool { return done[a].created.After(done[b].created) })
	out := make([]types.JobListItem, 0, len(done))
	for _, j := range done {
		out = append(out, types.JobListItem{
			JobID:         j.id,
			HasModel:      true,
			CreatedAt:     j.created.Format("2006-01-02T15:04:05"),
			ModelVersion:  "v3.0",
			QualityPreset: presetFor(j.generate.AIModel),
		})
	}
	return out
}

func presetFor(aiModel string) string {
	switch aiModel {
	case "meshy-4":
		return "v1"
	case "latest":
		return "v3"
	}
	return "v2"
}

// ForceStatus pins the status endpoint of id to st until ClearStatus.
func (s *Sim) ForceStatus(id string, st types.StatusResponse) {
	s.mu.Lock()
	s.forced[id] = st
	s.mu.Unlock()
}

// ClearStatus returns id to its timeline.
func (s *Sim) ClearStatus(id string) {
	s.mu.Lock()
	delete(s.forced, id)
	s.mu.Unlock()
}

// FailNext makes the next n requests to route answer with code. Route names
// are the ones counted by Calls.
func (s *Sim) FailNext(route string, code, n int) {
	s.mu.Lock()
	s.fails[route] = &failure{code: code, left: n}
	s.mu.Unlock()
}

// Calls returns how many requests reached route.
func (s *Sim) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// hit counts a request and returns an injected failure, if any.
func (s *Sim) hit(route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[route]++
	f := s.fails[route]
	if f == nil || f.left <= 0 {
		return nil
	}
	f.left--
	return &Error{Code: f.code, Message: http.StatusText(f.code)}
}
