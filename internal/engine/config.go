package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"protoscale/internal/backend"
	"protoscale/internal/broadcast"
	"protoscale/internal/history"
	"protoscale/internal/kv"
	"protoscale/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPollInterval       = 2 * time.Second
	defaultStageDwell         = 1200 * time.Millisecond
	defaultMinCompletionDelay = 1200 * time.Millisecond
	defaultMaxCompletionDelay = 6000 * time.Millisecond
	completionSlack           = 50 * time.Millisecond
)

// Backend is the remote job API. *backend.Client implements it.
type Backend interface {
	Upload(ctx context.Context, files []backend.UploadFile, opts backend.UploadOptions) (*types.UploadResponse, error)
	Generate(ctx context.Context, jobID string, req *types.GenerateRequest) error
	Status(ctx context.Context, jobID string) (*types.StatusResponse, error)
	Retexture(ctx context.Context, jobID string, req types.RetextureRequest) error
	RetextureStatus(ctx context.Context, jobID string) (*types.RetextureStatusResponse, error)
	CancelRetexture(ctx context.Context, jobID string) (*types.RetextureStatusResponse, error)
	ModelURL(jobID string) string
	ThumbnailURL(jobID string) string
}

// History receives job list updates. *history.Store implements it.
type History interface {
	SaveToHistory(jobID string)
	AddInProgress(op history.InProgress)
	UpdateInProgress(jobID string, progress int, stage, typ string)
	MarkCompleted(jobID string)
	MarkFailed(jobID string)
	RemoveInProgress(jobID string)
}

type noopHistory struct{}

func (noopHistory) SaveToHistory(string)                         {}
func (noopHistory) AddInProgress(history.InProgress)             {}
func (noopHistory) UpdateInProgress(string, int, string, string) {}
func (noopHistory) MarkCompleted(string)                         {}
func (noopHistory) MarkFailed(string)                            {}
func (noopHistory) RemoveInProgress(string)                      {}

// Config encapsulates all tunables for Engine construction.
type Config struct {
	// Client is required.
	Client Backend
	// Store defaults to a private in-memory store.
	Store kv.Store
	// Channel connects this engine to other contexts; nil runs standalone.
	Channel   broadcast.Channel
	History   History
	Publisher EventPublisher
	Logger    *zerolog.Logger

	PollInterval time.Duration
	// TexturePollInterval defaults to PollInterval.
	TexturePollInterval time.Duration
	StageDwell          time.Duration
	MinCompletionDelay  time.Duration
	MaxCompletionDelay  time.Duration
	// Now is the clock used for timestamps; tests may pin it.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Store == nil {
		c.Store = kv.NewMemory()
	}
	if c.History == nil {
		c.History = noopHistory{}
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.TexturePollInterval <= 0 {
		c.TexturePollInterval = c.PollInterval
	}
	if c.StageDwell <= 0 {
		c.StageDwell = defaultStageDwell
	}
	if c.MinCompletionDelay <= 0 {
		c.MinCompletionDelay = defaultMinCompletionDelay
	}
	if c.MaxCompletionDelay <= 0 {
		c.MaxCompletionDelay = defaultMaxCompletionDelay
	}
	if c.MaxCompletionDelay < c.MinCompletionDelay {
		c.MaxCompletionDelay = c.MinCompletionDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
