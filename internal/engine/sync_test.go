package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"protoscale/internal/broadcast"
	"protoscale/internal/kv"
	"protoscale/pkg/types"
)

func joinHub(t *testing.T, h *broadcast.Hub) *broadcast.Endpoint {
	t.Helper()
	ep := h.Join()
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestSync_TextureLaneOwnerKeepsItsState(t *testing.T) {
	be := newFakeBackend()
	hub := broadcast.NewHub()
	store := kv.NewMemory()
	tabB := newTestEngine(t, be, func(c *Config) {
		c.Store = store
		c.Channel = joinHub(t, hub)
	})
	tabA := newTestEngine(t, be, func(c *Config) {
		c.Store = store
		c.Channel = joinHub(t, hub)
		c.TexturePollInterval = time.Hour
	})

	tabA.LoadFromHistory("abc123", HistoryMeta{})
	waitFor(t, "B adopts job id", func() bool { return tabB.State().Job.ID == "abc123" })

	be.setTexture("abc123", types.RetextureStatusResponse{Status: "processing", Progress: 30})
	if err := tabA.ApplyTexture(context.Background()); err != nil {
		t.Fatalf("apply texture: %v", err)
	}
	waitFor(t, "A first texture tick", func() bool { return be.textureCount("abc123") >= 1 })
	waitFor(t, "B adopts processing", func() bool { return tabB.State().Texture.Status == TextureProcessing })
	if _, ok := tabB.Polling(LaneTexture); ok {
		t.Fatalf("B should not poll texture on its own yet")
	}

	synced := tabA.pub.Count(EventStateSynced)
	be.setTexture("abc123", types.RetextureStatusResponse{Status: "completed", Progress: 100})
	tabB.StartTexturePolling("abc123")
	waitFor(t, "B completes", func() bool { return tabB.State().Texture.Status == TextureCompleted })
	waitFor(t, "A receives B's write", func() bool { return tabA.pub.Count(EventStateSynced) > synced })

	st := tabA.State()
	if st.Texture.Status != TextureProcessing {
		t.Fatalf("A's texture status clobbered: %s", st.Texture.Status)
	}
	if id, ok := tabA.Polling(LaneTexture); !ok || id != "abc123" {
		t.Fatalf("A lost its lane: %q %v", id, ok)
	}
}

func TestSync_BackgroundAdoptionStartsLane(t *testing.T) {
	be := newFakeBackend()
	be.setStatus("abc123", types.StatusResponse{Status: "processing", Stage: "geometry", Progress: 40})
	hub := broadcast.NewHub()
	tabA := newTestEngine(t, be, func(c *Config) { c.Channel = joinHub(t, hub) })
	tabB := newTestEngine(t, be, func(c *Config) { c.Channel = joinHub(t, hub) })

	ctx := context.Background()
	if err := tabA.UploadImage(ctx, uploadFiles(), GenerateOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := tabA.Generate3D(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tabA.ContinueInBackground(); err != nil {
		t.Fatalf("background: %v", err)
	}
	waitFor(t, "B polls background job", func() bool {
		id, ok := tabB.Polling(LaneGenerate)
		return ok && id == "abc123"
	})
	if bg := tabB.State().Background; bg.Type != OpGenerate || bg.JobID != "abc123" {
		t.Fatalf("B background: %+v", bg)
	}

	be.setStatus("abc123", types.StatusResponse{Status: "completed", Stage: "completed", Progress: 100})
	waitFor(t, "both slots cleared", func() bool {
		return !tabA.State().Background.Active() && !tabB.State().Background.Active()
	})
}

func TestSync_JobIDNotOverwritten(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), nil)
	e.LoadFromHistory("mine", HistoryMeta{})
	e.onMessage(broadcast.Message{Key: ProcessKey, Value: `{"jobId":"theirs","jobStatus":"processing","progress":12}`})
	st := e.State()
	if st.Job.ID != "mine" {
		t.Fatalf("job id=%q want mine", st.Job.ID)
	}
	if st.Job.Status != StatusProcessing || st.Job.Progress != 12 {
		t.Fatalf("status fields not adopted: %+v", st.Job)
	}
}

func TestSync_IgnoresForeignKeysAndMalformed(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), nil)
	before := testutil.ToFloat64(syncMergesTotal.WithLabelValues("malformed"))
	commits := testutil.ToFloat64(commitsTotal)

	e.onMessage(broadcast.Message{Key: "other", Value: `{"jobId":"x"}`})
	e.onMessage(broadcast.Message{Key: ProcessKey, Value: ""})
	e.onMessage(broadcast.Message{Key: ProcessKey, Value: `{"jobId":`})

	if e.State().Job.ID != "" {
		t.Fatalf("ignored message was applied")
	}
	if d := testutil.ToFloat64(syncMergesTotal.WithLabelValues("malformed")) - before; d != 1 {
		t.Fatalf("malformed count=%v want 1", d)
	}
	e.onMessage(broadcast.Message{Key: ProcessKey, Value: `{"jobId":"x"}`})
	if e.State().Job.ID != "x" {
		t.Fatalf("valid message not applied")
	}
	if testutil.ToFloat64(commitsTotal) != commits {
		t.Fatalf("merge must not commit")
	}
	if e.pub.Count(EventStateSynced) != 1 {
		t.Fatalf("synced events=%d want 1", e.pub.Count(EventStateSynced))
	}
}

func TestSync_ClearedBackgroundStopsOrphanLane(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(t, be, func(c *Config) { c.PollInterval = time.Hour })
	e.onMessage(broadcast.Message{Key: ProcessKey, Value: `{"backgroundOperation":{"type":"generate","jobId":"bg1","progress":10}}`})
	if id, ok := e.Polling(LaneGenerate); !ok || id != "bg1" {
		t.Fatalf("lane for adopted background: %q %v", id, ok)
	}
	e.onMessage(broadcast.Message{Key: ProcessKey, Value: `{"backgroundOperation":{"type":null}}`})
	if _, ok := e.Polling(LaneGenerate); ok {
		t.Fatalf("orphan lane still running")
	}
	if e.State().Background.Active() {
		t.Fatalf("background not cleared")
	}
}
