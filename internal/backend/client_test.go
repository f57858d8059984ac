package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"protoscale/pkg/types"
)

func TestStatus_DecodesAndSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/abc123/status" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("ngrok-skip-browser-warning") != "true" {
			t.Errorf("missing ngrok header")
		}
		_, _ = io.WriteString(w, `{"job_id":"abc123","status":"processing","stage":"geometry","progress":40}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/api/", WithAPIKey("k"))
	st, err := c.Status(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != "processing" || st.Stage != "geometry" || st.Progress != 40 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestNotFound_IsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Job not found"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Status(context.Background(), "gone")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if IsServerError(err) {
		t.Fatalf("404 classified as server error")
	}
	if !strings.Contains(err.Error(), "Job not found") {
		t.Fatalf("detail not surfaced: %v", err)
	}
}

func TestServerError_Classified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := New(srv.URL).ListJobs(context.Background())
	if !IsServerError(err) {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestUpload_MultipartFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse: %v", err)
		}
		if got := len(r.MultipartForm.File["files"]); got != 2 {
			t.Errorf("files=%d", got)
		}
		if r.FormValue("ai_model") != "meshy-5" || r.FormValue("remove_bg") != "true" {
			t.Errorf("fields: ai_model=%q remove_bg=%q", r.FormValue("ai_model"), r.FormValue("remove_bg"))
		}
		if r.FormValue("symmetry_mode") != "auto" {
			t.Errorf("symmetry_mode=%q", r.FormValue("symmetry_mode"))
		}
		_, _ = io.WriteString(w, `{"job_id":"abc123","status":"pending"}`)
	}))
	defer srv.Close()

	res, err := New(srv.URL).Upload(context.Background(),
		[]UploadFile{{Name: "a.png", Content: []byte("a")}, {Name: "b.png", Content: []byte("b")}},
		UploadOptions{RemoveBackground: true, AIModel: "meshy-5", EnablePBR: true, SymmetryMode: "auto"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.JobID != "abc123" {
		t.Fatalf("job id=%q", res.JobID)
	}
}

func TestGenerate_JSONBody(t *testing.T) {
	var got types.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type=%q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"job_id":"abc123","status":"queued"}`)
	}))
	defer srv.Close()

	err := New(srv.URL).Generate(context.Background(), "abc123", &types.GenerateRequest{AIModel: "latest", ModelType: "lowpoly"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.AIModel != "latest" || got.ModelType != "lowpoly" {
		t.Fatalf("body not sent: %+v", got)
	}
}

func TestURLs(t *testing.T) {
	c := New("http://h/api")
	if got := c.ModelURL("x"); got != "http://h/api/jobs/x/result/model.glb" {
		t.Fatalf("model url %q", got)
	}
	if got := c.ThumbnailURL("x"); got != "http://h/api/jobs/x/thumbnail" {
		t.Fatalf("thumb url %q", got)
	}
}

func TestRateLimit_Option(t *testing.T) {
	if New("x", WithRateLimit(0)).Limiter != nil {
		t.Fatalf("expected no limiter")
	}
	if New("x", WithRateLimit(0.5)).Limiter == nil {
		t.Fatalf("expected limiter")
	}
}
