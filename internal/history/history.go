// Package history keeps the list of generated models: completed jobs from the
// backend merged with locally tracked in-progress cards.
package history

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"protoscale/internal/backend"
	"protoscale/internal/kv"
	"protoscale/pkg/types"
)

// StorageKey holds the locally named entries.
const StorageKey = "protoscale-history"

// Defaults applied when corresponding Options fields are unset.
const (
	defaultRetries           = 2
	defaultRetryDelay        = 3 * time.Second
	defaultThumbnailParallel = 4
	refreshTimeout           = 30 * time.Second
)

// Status of a history item.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one history card.
type Item struct {
	JobID         string
	Name          string
	ThumbnailURL  string
	Thumbnail     []byte
	CreatedAt     string
	ModelVersion  string
	Deprecated    bool
	QualityPreset string
	Status        Status
	Progress      int
	Stage         string
	// Type is "generate" or "texture" for in-progress cards.
	Type      string
	StartedAt time.Time
}

// InProgress describes a background job to show as a card.
type InProgress struct {
	JobID     string
	Type      string
	Progress  int
	Stage     string
	StartedAt time.Time
}

// API is the subset of the backend client the store needs.
type API interface {
	ListJobs(ctx context.Context) ([]types.JobListItem, error)
	DeleteJob(ctx context.Context, jobID string) error
	Thumbnail(ctx context.Context, jobID string) ([]byte, error)
	ThumbnailURL(jobID string) string
}

// Options tunes a Store.
type Options struct {
	// Retries after the first failed list request; negative disables retrying.
	Retries    int
	RetryDelay time.Duration
	// PrefetchThumbnails downloads thumbnails after each load.
	PrefetchThumbnails bool
	ThumbnailParallel  int
	Logger             *zerolog.Logger
}

type localEntry struct {
	JobID string `json:"jobId"`
	Name  string `json:"name"`
}

// Store is safe for concurrent use.
type Store struct {
	api API
	kv  kv.Store
	log zerolog.Logger

	retries    int
	retryDelay time.Duration
	prefetch   bool
	parallel   int

	loads singleflight.Group

	mu     sync.Mutex
	items  []Item
	online *bool
}

// New constructs a Store. Defaults apply for unset options.
func New(api API, store kv.Store, opts Options) *Store {
	s := &Store{
		api:        api,
		kv:         store,
		log:        zerolog.Nop(),
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		prefetch:   opts.PrefetchThumbnails,
		parallel:   opts.ThumbnailParallel,
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if s.retries == 0 {
		s.retries = defaultRetries
	} else if s.retries < 0 {
		s.retries = 0
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	if s.parallel <= 0 {
		s.parallel = defaultThumbnailParallel
	}
	return s
}

// Items returns a copy of the current list, in-progress cards first.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the item for jobID.
func (s *Store) Get(jobID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.JobID == jobID {
			return it, true
		}
	}
	return Item{}, false
}

// BackendOnline reports the result of the last load; known is false before
// any load finished.
func (s *Store) BackendOnline() (online, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == nil {
		return false, false
	}
	return *s.online, true
}

// Load fetches the job list, retrying server and network errors. Concurrent
// calls share one request.
func (s *Store) Load(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (any, error) {
		return nil, s.loadWithRetry(ctx)
	})
	return err
}

func (s *Store) loadWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; ; attempt++ {
		var jobs []types.JobListItem
		jobs, err = s.api.ListJobs(ctx)
		if err == nil {
			s.merge(jobs)
			if s.prefetch {
				s.prefetchThumbnails(ctx, jobs)
			}
			return nil
		}
		s.setOnline(false)
		if !retryable(err) || attempt >= s.retries {
			break
		}
		s.log.Warn().Err(err).Int("left", s.retries-attempt).Dur("delay", s.retryDelay).Msg("history load failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	s.log.Warn().Err(err).Msg("history load failed")
	return err
}

// retryable is true for 5xx responses and transport failures.
func retryable(err error) bool {
	var ae *backend.APIError
	if errors.As(err, &ae) {
		return ae.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) setOnline(v bool) {
	s.mu.Lock()
	s.online = &v
	s.mu.Unlock()
}

func (s *Store) merge(jobs []types.JobListItem) {
	names := make(map[string]string)
	for _, e := range s.readLocal() {
		names[e.JobID] = e.Name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	online := true
	s.online = &online

	prev := make(map[string]Item, len(s.items))
	var merged []Item
	inProgress := make(map[string]bool)
	for _, it := range s.items {
		prev[it.JobID] = it
		if it.Status == StatusInProgress {
			merged = append(merged, it)
			inProgress[it.JobID] = true
		}
	}
	for _, j := range jobs {
		if inProgress[j.JobID] {
			continue
		}
		name := names[j.JobID]
		if name == "" {
			name = shortName(j.JobID)
		}
		merged = append(merged, Item{
			JobID:         j.JobID,
			Name:          name,
			ThumbnailURL:  s.api.ThumbnailURL(j.JobID),
			Thumbnail:     prev[j.JobID].Thumbnail,
			CreatedAt:     j.CreatedAt,
			ModelVersion:  j.ModelVersion,
			Deprecated:    j.Deprecated || j.ModelVersion == "v2.0",
			QualityPreset: j.QualityPreset,
			Status:        StatusCompleted,
			Progress:      100,
		})
	}
	s.items = merged
}

func (s *Store) prefetchThumbnails(ctx context.Context, jobs []types.JobListItem) {
	var g errgroup.Group
	g.SetLimit(s.parallel)
	for _, j := range jobs {
		id := j.JobID
		g.Go(func() error {
			b, err := s.api.Thumbnail(ctx, id)
			if err != nil {
				s.log.Debug().Err(err).Str("job_id", id).Msg("thumbnail fetch failed")
				return nil
			}
			s.mu.Lock()
			for i := range s.items {
				if s.items[i].JobID == id {
					s.items[i].Thumbnail = b
				}
			}
			s.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// refresh reloads in the background.
func (s *Store) refresh() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		_ = s.Load(ctx)
	}()
}

// SaveToHistory records a locally named entry for jobID once, then reloads.
func (s *Store) SaveToHistory(jobID string) {
	local := s.readLocal()
	found := false
	for _, e := range local {
		if e.JobID == jobID {
			found = true
			break
		}
	}
	if !found {
		local = append([]localEntry{{JobID: jobID, Name: shortName(jobID)}}, local...)
		s.writeLocal(local)
	}
	s.refresh()
}

// Saved returns the job ids with a local entry, newest first.
func (s *Store) Saved() []string {
	local := s.readLocal()
	out := make([]string, 0, len(local))
	for _, e := range local {
		out = append(out, e.JobID)
	}
	return out
}

// Rename sets the display name kept for jobID.
func (s *Store) Rename(jobID, name string) {
	local := s.readLocal()
	found := false
	for i := range local {
		if local[i].JobID == jobID {
			local[i].Name = name
			found = true
		}
	}
	if !found {
		local = append([]localEntry{{JobID: jobID, Name: name}}, local...)
	}
	s.writeLocal(local)
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].JobID == jobID {
			s.items[i].Name = name
		}
	}
	s.mu.Unlock()
}

// DeleteFromHistory forgets jobID locally.
func (s *Store) DeleteFromHistory(jobID string) {
	local := s.readLocal()
	kept := local[:0]
	for _, e := range local {
		if e.JobID != jobID {
			kept = append(kept, e)
		}
	}
	s.writeLocal(kept)
	s.mu.Lock()
	items := s.items[:0]
	for _, it := range s.items {
		if it.JobID != jobID {
			items = append(items, it)
		}
	}
	s.items = items
	s.mu.Unlock()
}

// DeleteModel deletes the job on the backend and then locally.
func (s *Store) DeleteModel(ctx context.Context, jobID string) error {
	if err := s.api.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.DeleteFromHistory(jobID)
	return nil
}

// AddInProgress shows op as an in-progress card, replacing any item for the
// same job.
func (s *Store) AddInProgress(op InProgress) {
	it := Item{
		JobID:     op.JobID,
		Name:      shortName(op.JobID),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Status:    StatusInProgress,
		Progress:  op.Progress,
		Stage:     op.Stage,
		Type:      op.Type,
		StartedAt: op.StartedAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].JobID == op.JobID {
			s.items[i] = it
			return
		}
	}
	s.items = append([]Item{it}, s.items...)
}

// UpdateInProgress moves the card's progress; empty stage or typ keep the
// previous value.
func (s *Store) UpdateInProgress(jobID string, progress int, stage, typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		it := &s.items[i]
		if it.JobID != jobID || it.Status != StatusInProgress {
			continue
		}
		it.Progress = progress
		if stage != "" {
			it.Stage = stage
		}
		if typ != "" {
			it.Type = typ
		}
		return
	}
}

// MarkCompleted flips the card to completed and reloads.
func (s *Store) MarkCompleted(jobID string) {
	s.mark(jobID, StatusCompleted)
	s.refresh()
}

// MarkFailed flips the card to failed and reloads.
func (s *Store) MarkFailed(jobID string) {
	s.mark(jobID, StatusFailed)
	s.refresh()
}

func (s *Store) mark(jobID string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].JobID == jobID {
			s.items[i].Status = st
			if st == StatusCompleted {
				s.items[i].Progress = 100
			}
		}
	}
}

// RemoveInProgress drops the in-progress card for jobID.
func (s *Store) RemoveInProgress(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.JobID == jobID && it.Status == StatusInProgress {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *Store) readLocal() []localEntry {
	if s.kv == nil {
		return nil
	}
	raw, ok, err := s.kv.Get(StorageKey)
	if err != nil || !ok {
		return nil
	}
	var out []localEntry
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log.Warn().Err(err).Msg("ignoring corrupt local history")
		return nil
	}
	return out
}

func (s *Store) writeLocal(entries []localEntry) {
	if s.kv == nil {
		return
	}
	if entries == nil {
		entries = []localEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.kv.Set(StorageKey, string(b)); err != nil {
		s.log.Warn().Err(err).Msg("failed to save local history")
	}
}

func shortName(jobID string) string {
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}
