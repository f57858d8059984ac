package engine

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"protoscale/internal/broadcast"
	"protoscale/internal/history"
	"protoscale/internal/kv"
)

// Engine is the job orchestrator for one context. It is safe for concurrent
// use.
type Engine struct {
	mu  sync.Mutex
	st  State
	cfg Config

	client Backend
	kv     kv.Store
	ch     broadcast.Channel
	hist   History
	pub    EventPublisher
	log    zerolog.Logger

	sched *scheduler
	eta   etaStore

	// suppress is set while a remote snapshot is merged; commit is a no-op.
	suppress bool

	completionFor   string
	completionTimer *time.Timer
	stageTimer      *time.Timer
	stageGen        uint64

	unsubscribe func()
	closed      bool
}

// New constructs an Engine, restores the persisted snapshot and resumes any
// background lane it describes.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, errors.New("engine: Client is required")
	}
	cfg.applyDefaults()
	e := &Engine{
		st:     defaultState(),
		cfg:    cfg,
		client: cfg.Client,
		kv:     cfg.Store,
		ch:     cfg.Channel,
		hist:   cfg.History,
		pub:    cfg.Publisher,
		log:    zerolog.Nop(),
		sched:  newScheduler(cfg.PollInterval, cfg.TexturePollInterval),
	}
	if cfg.Logger != nil {
		e.log = *cfg.Logger
	}
	e.eta = etaStore{kv: cfg.Store, log: func(err error) {
		e.log.Warn().Err(err).Msg("ignoring unreadable duration history")
	}}
	e.load()
	if e.ch != nil {
		e.unsubscribe = e.ch.Subscribe(e.onMessage)
	}
	return e, nil
}

func (e *Engine) load() {
	raw, ok, err := e.kv.Get(ProcessKey)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to read process state")
		return
	}
	if !ok {
		return
	}
	d, err := decodeSnapshot([]byte(raw))
	if err != nil {
		e.log.Warn().Err(err).Msg("ignoring corrupt process state")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	restore(&e.st, d)
	bg := e.st.Background
	switch bg.Type {
	case OpGenerate:
		e.startGenerateLaneLocked(bg.JobID)
	case OpTexture:
		e.startTextureLaneLocked(bg.JobID)
	}
	if bg.Active() {
		e.log.Info().Str("job_id", bg.JobID).Str("type", string(bg.Type)).Msg("resuming background operation")
		e.hist.AddInProgress(inProgressOf(bg))
	}
}

// Close stops lanes and timers and detaches from the channel. The store and
// channel stay open; they belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.sched.stopAll()
	e.stopStageTimerLocked()
	if e.completionTimer != nil {
		e.completionTimer.Stop()
	}
	unsub := e.unsubscribe
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return nil
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone()
}

// CanStartNewJob reports whether a new foreground operation may start.
func (e *Engine) CanStartNewJob() Admission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admitLocked()
}

func (e *Engine) admitLocked() Admission {
	return admit(&e.st, func() ETAWindow { return e.eta.window(e.etaSettingsLocked()) })
}

func (e *Engine) etaSettingsLocked() TextureSettings {
	if e.st.Texture.LastRequest != nil {
		return *e.st.Texture.LastRequest
	}
	return e.st.Texture.Settings
}

// EstimateTextureETA returns the expected texture duration in seconds.
func (e *Engine) EstimateTextureETA(t TextureSettings) int { return e.eta.estimate(t) }

// TextureETAWindow is the range quoted while a texture blocks admission.
func (e *Engine) TextureETAWindow() ETAWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eta.window(e.etaSettingsLocked())
}

// TextureETARemaining describes the time left for the current texture.
func (e *Engine) TextureETARemaining() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.eta.estimate(e.etaSettingsLocked())
	started := e.st.Texture.StartedAt
	if started.IsZero() {
		started = e.st.Background.StartedAt
	}
	if started.IsZero() {
		return "~" + FormatDurationShort(float64(total))
	}
	remaining := float64(total) - e.now().Sub(started).Seconds()
	if remaining <= 0 {
		return "Almost done..."
	}
	return fmt.Sprintf("~%s remaining", FormatDurationShort(remaining))
}

// StartPolling starts the generate lane for jobID; polling the same id again
// is a no-op.
func (e *Engine) StartPolling(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startGenerateLaneLocked(jobID)
}

// StopPolling stops the generate lane. Safe to call repeatedly.
func (e *Engine) StopPolling() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLaneLocked(LaneGenerate)
}

// StartTexturePolling starts the texture lane targeting jobID.
func (e *Engine) StartTexturePolling(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startTextureLaneLocked(jobID)
}

// StopTexturePolling stops the texture lane. Safe to call repeatedly.
func (e *Engine) StopTexturePolling() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLaneLocked(LaneTexture)
}

// Polling returns the job a lane is polling.
func (e *Engine) Polling(l Lane) (string, bool) { return e.sched.active(l) }

func (e *Engine) stopLaneLocked(l Lane) {
	if e.sched.stop(l) {
		e.log.Debug().Str("lane", string(l)).Msg("polling stopped")
	}
}

// commitLocked is the write boundary: every transition ends with it.
func (e *Engine) commitLocked() {
	if e.suppress || e.closed {
		return
	}
	b, err := encodeSnapshot(&e.st)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode process state")
		return
	}
	if err := e.kv.Set(ProcessKey, string(b)); err != nil {
		e.log.Warn().Err(err).Msg("failed to save process state")
	}
	commitsTotal.Inc()
	if e.ch == nil {
		return
	}
	if err := e.ch.Publish(ProcessKey, string(b)); err != nil && !errors.Is(err, broadcast.ErrClosed) {
		e.log.Warn().Err(err).Msg("failed to publish process state")
	}
}

func (e *Engine) publish(name, jobID string, fields map[string]any) {
	e.pub.Publish(Event{Name: name, JobID: jobID, Fields: fields})
}

func (e *Engine) now() time.Time { return e.cfg.Now().Truncate(time.Millisecond) }

// freshModelURL appends a cache-busting query to the result URL.
func (e *Engine) freshModelURL(jobID string) string {
	return e.client.ModelURL(jobID) + "?t=" + strconv.FormatInt(e.now().UnixMilli(), 10)
}

func inProgressOf(bg BackgroundOperation) history.InProgress {
	return history.InProgress{
		JobID:     bg.JobID,
		Type:      string(bg.Type),
		Progress:  bg.Progress,
		Stage:     string(bg.Stage),
		StartedAt: bg.StartedAt,
	}
}
