package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"protoscale/internal/config"
	"protoscale/internal/devserver"
	"protoscale/internal/engine"
	"protoscale/internal/history"
)

type cliEnv struct {
	t   *testing.T
	url string
	dir string
	sim *devserver.Sim
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PROTOSCALE_POLL_INTERVAL_MS", "10")
	t.Setenv("PROTOSCALE_STAGE_DWELL_MS", "5")
	sim := devserver.NewSim(devserver.SimOptions{StageDuration: 20 * time.Millisecond, TextureDuration: 60 * time.Millisecond})
	srv := httptest.NewServer(devserver.NewMux(sim, devserver.Options{}))
	t.Cleanup(srv.Close)
	return &cliEnv{t: t, url: srv.URL + "/api", dir: t.TempDir(), sim: sim}
}

func (c *cliEnv) run(args ...string) string {
	c.t.Helper()
	var out bytes.Buffer
	root := newRootCmd(newApp(&out))
	root.SetArgs(append([]string{
		"--api-url", c.url,
		"--state", filepath.Join(c.dir, "state.db"),
		"--sync-dir", filepath.Join(c.dir, "sync"),
	}, args...))
	if err := root.Execute(); err != nil {
		c.t.Fatalf("protoscale %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCLI_UploadGenerateTextureFlow(t *testing.T) {
	env := newCLIEnv(t)
	img := filepath.Join(t.TempDir(), "chair.png")
	if err := os.WriteFile(img, []byte("\x89PNG\r\n\x1a\nchair"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	out := env.run("upload", img, "--preset", "v3", "--generate")
	jobs := env.sim.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("sim jobs: %+v\n%s", jobs, out)
	}
	id := jobs[0].JobID
	if !strings.Contains(out, "Preview") || !strings.Contains(out, id+"/result/model.glb") {
		t.Fatalf("upload --generate output:\n%s", out)
	}
	if jobs[0].QualityPreset != "v3" {
		t.Fatalf("preset sent to backend: %+v", jobs[0])
	}

	if out := env.run("history"); !strings.Contains(out, id) {
		t.Fatalf("history output:\n%s", out)
	}

	out = env.run("texture", "--resolution", "1024", "--wait")
	if !strings.Contains(out, "completed") {
		t.Fatalf("texture output:\n%s", out)
	}

	if out := env.run("eta", "--resolution", "1024"); !strings.Contains(out, "estimate") {
		t.Fatalf("eta output:\n%s", out)
	}

	if out := env.run("reset"); !strings.Contains(out, "none") || !strings.Contains(out, "Upload") {
		t.Fatalf("reset output:\n%s", out)
	}
}

func TestCLI_GenerateWithoutUploadFails(t *testing.T) {
	env := newCLIEnv(t)
	var out bytes.Buffer
	root := newRootCmd(newApp(&out))
	root.SetArgs([]string{"--api-url", env.url, "--state", filepath.Join(env.dir, "s.db"), "--sync-dir", filepath.Join(env.dir, "sync"), "generate"})
	err := root.Execute()
	if !engine.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMergeConfig_FlagsWin(t *testing.T) {
	got := mergeConfig(config.Config{APIURL: "http://flag/api"}, config.Config{APIURL: "http://file/api", APIKey: "k", PollIntervalMS: 50})
	applyDefaults(&got)
	if got.APIURL != "http://flag/api" || got.APIKey != "k" || got.PollIntervalMS != 50 {
		t.Fatalf("merged: %+v", got)
	}
	if got.StageDwellMS != 1200 || got.LogLevel != "warn" || got.DevServerAddr != defaultDevServerAddr {
		t.Fatalf("defaults: %+v", got)
	}
}

func TestRenderHistory(t *testing.T) {
	if out := renderHistory(nil, false, true); !strings.Contains(out, "Backend offline") {
		t.Fatalf("offline: %q", out)
	}
	out := renderHistory([]history.Item{
		{JobID: "abc123", Name: "abc123", Status: history.StatusInProgress, Type: "texture", Progress: 40},
		{JobID: "old1", Name: "old1", Status: history.StatusCompleted, Deprecated: true, QualityPreset: "v1"},
	}, true, true)
	for _, want := range []string{"texture 40%", "completed (old)", "v1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestProgressBar_Clamps(t *testing.T) {
	if got := progressBar(150, 10); !strings.HasSuffix(got, "100%") {
		t.Fatalf("got %q", got)
	}
	if got := progressBar(-5, 10); !strings.HasSuffix(got, "  0%") {
		t.Fatalf("got %q", got)
	}
}
