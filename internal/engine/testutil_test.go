package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"protoscale/internal/backend"
	"protoscale/internal/history"
	"protoscale/internal/kv"
	"protoscale/pkg/types"
)

// fakeBackend serves scripted responses. A status script advances one entry
// per call and then repeats its last entry.
type fakeBackend struct {
	mu sync.Mutex

	uploadJobID string
	uploadErr   error
	generateErr error
	retexErr    error

	status     map[string][]types.StatusResponse
	statusErr  map[string]error
	textureErr map[string]error
	texture    map[string][]types.RetextureStatusResponse
	cancelRes  types.RetextureStatusResponse

	statusCalls  map[string]int
	textureCalls map[string]int
	generateReqs []*types.GenerateRequest
	retexReqs    []types.RetextureRequest
	uploads      []backend.UploadOptions
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		uploadJobID:  "abc123",
		status:       make(map[string][]types.StatusResponse),
		statusErr:    make(map[string]error),
		textureErr:   make(map[string]error),
		texture:      make(map[string][]types.RetextureStatusResponse),
		cancelRes:    types.RetextureStatusResponse{Status: "cancelled"},
		statusCalls:  make(map[string]int),
		textureCalls: make(map[string]int),
	}
}

func (f *fakeBackend) Upload(ctx context.Context, files []backend.UploadFile, opts backend.UploadOptions) (*types.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, opts)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &types.UploadResponse{JobID: f.uploadJobID, Status: "pending"}, nil
}

func (f *fakeBackend) Generate(ctx context.Context, jobID string, req *types.GenerateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateReqs = append(f.generateReqs, req)
	return f.generateErr
}

func (f *fakeBackend) Status(ctx context.Context, jobID string) (*types.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls[jobID]++
	if err := f.statusErr[jobID]; err != nil {
		return nil, err
	}
	script := f.status[jobID]
	if len(script) == 0 {
		return &types.StatusResponse{JobID: jobID, Status: "processing"}, nil
	}
	res := script[0]
	if len(script) > 1 {
		f.status[jobID] = script[1:]
	}
	return &res, nil
}

func (f *fakeBackend) Retexture(ctx context.Context, jobID string, req types.RetextureRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retexReqs = append(f.retexReqs, req)
	return f.retexErr
}

func (f *fakeBackend) RetextureStatus(ctx context.Context, jobID string) (*types.RetextureStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textureCalls[jobID]++
	if err := f.textureErr[jobID]; err != nil {
		return nil, err
	}
	script := f.texture[jobID]
	if len(script) == 0 {
		return &types.RetextureStatusResponse{Status: "processing"}, nil
	}
	res := script[0]
	if len(script) > 1 {
		f.texture[jobID] = script[1:]
	}
	return &res, nil
}

func (f *fakeBackend) CancelRetexture(ctx context.Context, jobID string) (*types.RetextureStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.cancelRes
	return &res, nil
}

func (f *fakeBackend) ModelURL(jobID string) string {
	return "http://h/api/jobs/" + jobID + "/result/model.glb"
}

func (f *fakeBackend) ThumbnailURL(jobID string) string {
	return "http://h/api/jobs/" + jobID + "/thumbnail"
}

func (f *fakeBackend) setStatus(jobID string, script ...types.StatusResponse) {
	f.mu.Lock()
	f.status[jobID] = script
	f.mu.Unlock()
}

func (f *fakeBackend) setTexture(jobID string, script ...types.RetextureStatusResponse) {
	f.mu.Lock()
	f.texture[jobID] = script
	f.mu.Unlock()
}

func (f *fakeBackend) setStatusErr(jobID string, err error) {
	f.mu.Lock()
	f.statusErr[jobID] = err
	f.mu.Unlock()
}

func (f *fakeBackend) setTextureErr(jobID string, err error) {
	f.mu.Lock()
	f.textureErr[jobID] = err
	f.mu.Unlock()
}

func (f *fakeBackend) statusCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[jobID]
}

func (f *fakeBackend) textureCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textureCalls[jobID]
}

// fakeHistory records calls by method name.
type fakeHistory struct {
	mu    sync.Mutex
	calls map[string][]string
}

func newFakeHistory() *fakeHistory { return &fakeHistory{calls: make(map[string][]string)} }

func (h *fakeHistory) record(method, jobID string) {
	h.mu.Lock()
	h.calls[method] = append(h.calls[method], jobID)
	h.mu.Unlock()
}

func (h *fakeHistory) SaveToHistory(jobID string)          { h.record("save", jobID) }
func (h *fakeHistory) AddInProgress(op history.InProgress) { h.record("add", op.JobID) }
func (h *fakeHistory) UpdateInProgress(jobID string, _ int, _, _ string) {
	h.record("update", jobID)
}
func (h *fakeHistory) MarkCompleted(jobID string)    { h.record("completed", jobID) }
func (h *fakeHistory) MarkFailed(jobID string)       { h.record("failed", jobID) }
func (h *fakeHistory) RemoveInProgress(jobID string) { h.record("remove", jobID) }

func (h *fakeHistory) count(method, jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range h.calls[method] {
		if id == jobID {
			n++
		}
	}
	return n
}

type testEngine struct {
	*Engine
	be   *fakeBackend
	hist *fakeHistory
	pub  *MemoryPublisher
	kv   *kv.Memory
}

// newTestEngine builds an engine with fast lanes and short dwell. mutate
// may adjust the config before construction.
func newTestEngine(t *testing.T, be *fakeBackend, mutate func(*Config)) *testEngine {
	t.Helper()
	te := &testEngine{be: be, hist: newFakeHistory(), pub: NewMemoryPublisher(), kv: kv.NewMemory()}
	cfg := Config{
		Client:             be,
		Store:              te.kv,
		History:            te.hist,
		Publisher:          te.pub,
		PollInterval:       10 * time.Millisecond,
		StageDwell:         5 * time.Millisecond,
		MinCompletionDelay: 10 * time.Millisecond,
		MaxCompletionDelay: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if s, ok := cfg.Store.(*kv.Memory); ok {
		te.kv = s
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	te.Engine = e
	return te
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func uploadFiles() []backend.UploadFile {
	return []backend.UploadFile{{Name: "chair.png", Content: []byte("png")}}
}
