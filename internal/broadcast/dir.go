package broadcast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
)

// envelope is the on-disk form of one publication.
type envelope struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// Dir is a cross-process transport: every publication replaces
// <dir>/<key>.json atomically, and every endpoint watching the directory
// with fsnotify reads it back. Separate CLI processes pointed at the same
// directory behave like browser tabs of one origin.
type Dir struct {
	dir    string
	origin string
	seq    atomic.Uint64
	box    *mailbox

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	onErr  func(error)

	mu     sync.Mutex
	seen   map[string]string
	closed bool
}

// DirOption configures a Dir.
type DirOption func(*Dir)

// WithErrorHandler sets the callback invoked on watcher or decode errors.
func WithErrorHandler(fn func(error)) DirOption {
	return func(d *Dir) { d.onErr = fn }
}

// OpenDir creates dir if needed and starts watching it.
func OpenDir(dir string, opts ...DirOption) (*Dir, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sync dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}
	d := &Dir{
		dir:    abs,
		origin: newOrigin(),
		box:    newMailbox(),
		fsw:    fsw,
		onErr:  func(error) {},
		seen:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.watch()
	return d, nil
}

func (d *Dir) Origin() string { return d.origin }

// Path returns the watched directory.
func (d *Dir) Path() string { return d.dir }

func (d *Dir) Publish(key, value string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	env := envelope{Origin: d.origin, Seq: d.seq.Add(1), Key: key, Value: value}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	name := fileName(key)
	tmp, err := os.CreateTemp(d.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (d *Dir) Subscribe(fn func(Message)) func() { return d.box.subscribe(fn) }

func (d *Dir) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.box.close()
	return d.fsw.Close()
}

func (d *Dir) watch() {
	events := d.fsw.Events
	errs := d.fsw.Errors
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d.read(ev.Name)
		case err, ok := <-errs:
			if !ok {
				return
			}
			d.onErr(err)
		}
	}
}

func (d *Dir) read(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		// Replaced again before we got to it; the next event carries it.
		if !os.IsNotExist(err) {
			d.onErr(err)
		}
		return
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		d.onErr(fmt.Errorf("decode %s: %w", filepath.Base(path), err))
		return
	}
	if env.Origin == d.origin {
		return
	}
	stamp := fmt.Sprintf("%s/%d", env.Origin, env.Seq)
	d.mu.Lock()
	if d.seen[env.Key] == stamp {
		d.mu.Unlock()
		return
	}
	d.seen[env.Key] = stamp
	d.mu.Unlock()
	d.box.push(Message{Key: env.Key, Value: env.Value, Origin: env.Origin})
}

// fileName maps a key onto a safe file name.
func fileName(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String() + ".json"
}
