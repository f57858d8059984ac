package devserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"protoscale/internal/backend"
	"protoscale/pkg/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*Sim, *clock, *backend.Client) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	sim := NewSim(SimOptions{StageDuration: time.Second, TextureDuration: 10 * time.Second, Now: clk.Now})
	srv := httptest.NewServer(NewMux(sim, opts))
	t.Cleanup(srv.Close)
	return sim, clk, backend.New(srv.URL+"/api", backend.WithAPIKey(opts.APIKey))
}

var png = []byte("\x89PNG\r\n\x1a\nfake")

func upload(t *testing.T, c *backend.Client, pbr bool) string {
	t.Helper()
	res, err := c.Upload(context.Background(), []backend.UploadFile{{Name: "chair.png", Content: png}},
		backend.UploadOptions{RemoveBackground: true, AIModel: "meshy-5", ShouldTexture: true, EnablePBR: pbr})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.JobID == "" || res.Status != "pending" {
		t.Fatalf("upload response: %+v", res)
	}
	return res.JobID
}

func TestTimeline_WalksStagesToCompletion(t *testing.T) {
	_, clk, c := newTestServer(t, Options{})
	ctx := context.Background()
	id := upload(t, c, true)

	st, err := c.Status(ctx, id)
	if err != nil || st.Status != "pending" || st.Stage != "ready" {
		t.Fatalf("before generate: %+v %v", st, err)
	}
	if err := c.Generate(ctx, id, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	var seen []string
	for i := 0; i < 5; i++ {
		st, err := c.Status(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		seen = append(seen, st.Stage)
		clk.advance(time.Second)
	}
	want := []string{"rembg", "geometry", "texture", "postprocess", "completed"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("stages=%v want %v", seen, want)
		}
	}

	jobs, err := c.ListJobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].JobID != id || jobs[0].QualityPreset != "v2" {
		t.Fatalf("list: %+v %v", jobs, err)
	}
	thumb, err := c.Thumbnail(ctx, id)
	if err != nil || !bytes.Equal(thumb, png) {
		t.Fatalf("thumbnail: %q %v", thumb, err)
	}
	resp, err := http.Get(c.ModelURL(id))
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "model/gltf-binary" {
		t.Fatalf("model status=%d", resp.StatusCode)
	}
}

func TestTimeline_NoPBRSkipsTexture(t *testing.T) {
	_, clk, c := newTestServer(t, Options{})
	ctx := context.Background()
	id := upload(t, c, false)
	if err := c.Generate(ctx, id, &types.GenerateRequest{AIModel: "latest", EnablePBR: false}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	clk.advance(2 * time.Second)
	if st, _ := c.Status(ctx, id); st.Stage != "postprocess" {
		t.Fatalf("stage=%s want postprocess", st.Stage)
	}
	clk.advance(time.Second)
	if st, _ := c.Status(ctx, id); st.Status != "completed" || st.Progress != 100 {
		t.Fatalf("status=%+v", st)
	}
}

func TestRetexture_Lifecycle(t *testing.T) {
	_, clk, c := newTestServer(t, Options{})
	ctx := context.Background()
	id := upload(t, c, true)

	if err := c.Retexture(ctx, id, types.RetextureRequest{Resolution: 2048}); !backend.IsNotFound(err) {
		t.Fatalf("retexture before model: %v", err)
	}
	if err := c.Generate(ctx, id, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	clk.advance(time.Minute)

	if st, err := c.RetextureStatus(ctx, id); err != nil || st.Status != "idle" {
		t.Fatalf("idle status: %+v %v", st, err)
	}
	if _, err := c.CancelRetexture(ctx, id); !isStatus(err, http.StatusConflict) {
		t.Fatalf("cancel idle: %v", err)
	}
	if err := c.Retexture(ctx, id, types.RetextureRequest{Resolution: 2048}); err != nil {
		t.Fatalf("retexture: %v", err)
	}
	if err := c.Retexture(ctx, id, types.RetextureRequest{Resolution: 2048}); !isStatus(err, http.StatusConflict) {
		t.Fatalf("double retexture: %v", err)
	}
	clk.advance(5 * time.Second)
	if st, _ := c.RetextureStatus(ctx, id); st.Status != "processing" || st.Progress != 50 {
		t.Fatalf("halfway: %+v", st)
	}
	res, err := c.CancelRetexture(ctx, id)
	if err != nil || res.Status != "cancelled" || res.Progress != 0 {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	if err := c.Retexture(ctx, id, types.RetextureRequest{Resolution: 1024}); err != nil {
		t.Fatalf("retexture after cancel: %v", err)
	}
	clk.advance(10 * time.Second)
	if st, _ := c.RetextureStatus(ctx, id); st.Status != "completed" || st.Progress != 100 {
		t.Fatalf("completed: %+v", st)
	}
}

func TestDelete(t *testing.T) {
	_, _, c := newTestServer(t, Options{})
	ctx := context.Background()
	id := upload(t, c, true)
	if err := c.DeleteJob(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Status(ctx, id); !backend.IsNotFound(err) {
		t.Fatalf("status after delete: %v", err)
	}
	if err := c.DeleteJob(ctx, id); !backend.IsNotFound(err) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := c.Thumbnail(ctx, "nope"); !backend.IsNotFound(err) {
		t.Fatalf("thumbnail of unknown job: %v", err)
	}
}

func TestAPIKey(t *testing.T) {
	sim, _, _ := newTestServer(t, Options{APIKey: "secret"})
	srv := httptest.NewServer(NewMux(sim, Options{APIKey: "secret"}))
	defer srv.Close()
	ctx := context.Background()

	if _, err := backend.New(srv.URL + "/api").ListJobs(ctx); !isStatus(err, http.StatusUnauthorized) {
		t.Fatalf("missing key: %v", err)
	}
	if _, err := backend.New(srv.URL+"/api", backend.WithAPIKey("wrong")).ListJobs(ctx); !isStatus(err, http.StatusForbidden) {
		t.Fatalf("wrong key: %v", err)
	}
	if _, err := backend.New(srv.URL+"/api", backend.WithAPIKey("secret")).ListJobs(ctx); err != nil {
		t.Fatalf("good key: %v", err)
	}
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
}

func TestUpload_RejectsTooManyFiles(t *testing.T) {
	_, _, c := newTestServer(t, Options{})
	files := make([]backend.UploadFile, 5)
	for i := range files {
		files[i] = backend.UploadFile{Name: "v.png", Content: png}
	}
	if _, err := c.Upload(context.Background(), files, backend.UploadOptions{}); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("five files: %v", err)
	}
}

func TestScriptedFailuresAndForcedStatus(t *testing.T) {
	sim, _, c := newTestServer(t, Options{})
	ctx := context.Background()
	id := upload(t, c, true)

	sim.FailNext("status", http.StatusBadGateway, 2)
	for i := 0; i < 2; i++ {
		if _, err := c.Status(ctx, id); !backend.IsServerError(err) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := c.Status(ctx, id); err != nil {
		t.Fatalf("after failures: %v", err)
	}
	if got := sim.Calls("status"); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}

	sim.ForceStatus(id, types.StatusResponse{Status: "failed", Error: "GPU out of memory"})
	if st, _ := c.Status(ctx, id); st.Status != "failed" || st.JobID != id {
		t.Fatalf("forced: %+v", st)
	}
	sim.ClearStatus(id)
	if st, _ := c.Status(ctx, id); st.Status != "pending" {
		t.Fatalf("cleared: %+v", st)
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	_, _, c := newTestServer(t, Options{GenerateRate: 0.001})
	ctx := context.Background()
	id := upload(t, c, true)
	before := testutil.ToFloat64(rateLimitedTotal)
	if err := c.Generate(ctx, id, nil); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if err := c.Generate(ctx, id, nil); !isStatus(err, http.StatusTooManyRequests) {
		t.Fatalf("second generate: %v", err)
	}
	if got := testutil.ToFloat64(rateLimitedTotal) - before; got != 1 {
		t.Fatalf("rate limited delta=%v", got)
	}
}

func TestMetricsExposed(t *testing.T) {
	_, _, c := newTestServer(t, Options{})
	_, _ = c.ListJobs(context.Background())
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !bytes.Contains(rr.Body.Bytes(), []byte(`protoscale_devserver_requests_total{method="GET",path="/api/jobs",status="200"}`)) {
		t.Fatalf("request counter missing from /metrics")
	}
}

func isStatus(err error, code int) bool {
	var ae *backend.APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}
