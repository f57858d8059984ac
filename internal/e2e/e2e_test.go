package e2e

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"protoscale/internal/devserver"
	"protoscale/internal/engine"
	"protoscale/pkg/types"
)

func generated(t *testing.T, p *process) string {
	t.Helper()
	ctx := context.Background()
	if err := p.UploadImage(ctx, uploadFiles(), engine.GenerateOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := p.Generate3D(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	waitFor(t, "preview", func() bool { return p.State().Step == engine.StepPreview })
	return p.State().Job.ID
}

func TestE2E_GenerateCompletesAndLandsInHistory(t *testing.T) {
	s := newStack(t, devserver.SimOptions{})
	p := s.spawn()
	id := generated(t, p)

	st := p.State()
	if st.Job.Status != engine.StatusCompleted || !strings.HasSuffix(st.ModelURL, "/jobs/"+id+"/result/model.glb") {
		t.Fatalf("final state: %+v", st.Job)
	}
	if err := p.hist.Load(context.Background()); err != nil {
		t.Fatalf("history load: %v", err)
	}
	if _, ok := p.hist.Get(id); !ok {
		t.Fatalf("job %s missing from history", id)
	}
	if saved := p.hist.Saved(); len(saved) != 1 || saved[0] != id {
		t.Fatalf("saved=%v", saved)
	}
	if p.events.Count(engine.EventJobCompleted) != 1 {
		t.Fatalf("completed events=%d", p.events.Count(engine.EventJobCompleted))
	}
}

func TestE2E_TransientStatusErrorsRecover(t *testing.T) {
	s := newStack(t, devserver.SimOptions{})
	s.sim.FailNext("status", http.StatusBadGateway, 3)
	p := s.spawn()
	generated(t, p)
	if got := s.sim.Calls("status"); got < 4 {
		t.Fatalf("status calls=%d, expected retries past the failures", got)
	}
}

func TestE2E_RemoteFailureSurfaces(t *testing.T) {
	s := newStack(t, devserver.SimOptions{})
	p := s.spawn()
	ctx := context.Background()
	if err := p.UploadImage(ctx, uploadFiles(), engine.GenerateOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	id := p.State().Job.ID
	s.sim.ForceStatus(id, types.StatusResponse{Status: "failed", Error: "GPU out of memory"})
	if err := p.Generate3D(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	waitFor(t, "failure", func() bool { return p.State().Job.Status == engine.StatusFailed })
	st := p.State()
	if st.Job.Error != "GPU out of memory" || st.IsProcessing {
		t.Fatalf("failed state: %+v processing=%v", st.Job, st.IsProcessing)
	}
	if _, ok := p.Polling(engine.LaneGenerate); ok {
		t.Fatalf("lane still polling a failed job")
	}
}

func TestE2E_BackgroundTextureBlocksThenReleases(t *testing.T) {
	s := newStack(t, devserver.SimOptions{})
	p := s.spawn()
	id := generated(t, p)

	if err := p.ApplyTexture(context.Background()); err != nil {
		t.Fatalf("texture: %v", err)
	}
	if err := p.NavigateToStep(engine.StepUpload); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	st := p.State()
	if st.Background.Type != engine.OpTexture || st.Background.JobID != id || st.Texture.Status != engine.TextureIdle {
		t.Fatalf("texture not demoted: bg=%+v tex=%s", st.Background, st.Texture.Status)
	}
	if adm := p.CanStartNewJob(); adm.Allowed || !strings.HasPrefix(adm.Reason, "Texture running in background (est. ") {
		t.Fatalf("admission while texturing: %+v", adm)
	}

	waitFor(t, "background texture", func() bool { return !p.State().Background.Active() })
	if adm := p.CanStartNewJob(); !adm.Allowed {
		t.Fatalf("still blocked: %s", adm.Reason)
	}
	if p.events.Count(engine.EventNotify) == 0 {
		t.Fatalf("no completion notification")
	}
	// Sub-second sim durations round to zero seconds, so check the stored
	// samples rather than the estimate.
	raw, ok, err := s.store.Get(engine.DurationsKey)
	if err != nil || !ok {
		t.Fatalf("durations: ok=%v err=%v", ok, err)
	}
	var samples map[string][]float64
	if err := json.Unmarshal([]byte(raw), &samples); err != nil {
		t.Fatalf("decode durations: %v", err)
	}
	if xs := samples[engine.DefaultTextureSettings().Fingerprint()]; len(xs) != 1 {
		t.Fatalf("duration sample not recorded: %s", raw)
	}
	if info := p.GetJobTextureInfo(id); !info.TextureApplied {
		t.Fatalf("texture info: %+v", info)
	}
}

func TestE2E_SecondProcessAdoptsBackgroundJob(t *testing.T) {
	s := newStack(t, devserver.SimOptions{StageDuration: 200 * time.Millisecond})
	a := s.spawn()
	b := s.spawn()
	ctx := context.Background()

	if err := a.UploadImage(ctx, uploadFiles(), engine.GenerateOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := a.Generate3D(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := a.State().Job.ID
	if err := a.ContinueInBackground(); err != nil {
		t.Fatalf("background: %v", err)
	}

	waitFor(t, "adoption", func() bool {
		bg := b.State().Background
		return bg.Type == engine.OpGenerate && bg.JobID == id
	})
	waitFor(t, "background completion seen by both", func() bool {
		return !a.State().Background.Active() && !b.State().Background.Active()
	})
	if b.events.Count(engine.EventStateSynced) == 0 {
		t.Fatalf("second process never merged a sync message")
	}
}
