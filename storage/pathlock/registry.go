package pathlock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrLockTimeout is returned when every acquisition attempt for a path
// found its marker held elsewhere. The operation may be retried by the
// caller, a failed acquisition leaves the lock state exactly as it was for
// everyone else.
var ErrLockTimeout = errors.Sentinel("pathlock: timed out waiting for path lock")

// errMarkerHeld signals a single failed attempt inside the retry loop.
var errMarkerHeld = errors.Sentinel("pathlock: marker is held")

// Marker is the JSON body stored inside a lock marker file. The holder id
// identifies the process instance that created it, the pid is there for
// operators digging through a stuck tree by hand.
type Marker struct {
	Path       string    `json:"path"`
	Pid        int       `json:"pid"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`

	// File is the marker's own filename inside the registry directory,
	// filled in when markers are read back. A marker with a corrupt body
	// still carries this, so it can be found and swept.
	File string `json:"-"`

	// ModTime is the marker file's modification time, the value staleness
	// decisions are made against. The body timestamp is informational, the
	// filesystem's own clock is the one nobody can forget to write.
	ModTime time.Time `json:"-"`
}

// Options control the acquisition retry loop and the stale sweep default.
type Options struct {
	RetryLimit    uint64
	RetryInterval time.Duration
	StaleAge      time.Duration
}

// Registry mediates exclusive access to resolved paths through marker
// files created with O_EXCL inside a dedicated directory. Creating the
// marker is the lock: the filesystem arbitrates every race, which keeps
// the exclusion correct between unrelated processes and across restarts,
// where an in-memory mutex would silently forget everything.
//
// Within one process the registry is re-entrant per path. A second acquire
// of a held path bumps a reference count instead of deadlocking on our own
// marker, and the marker disappears when the count drains back to zero.
type Registry struct {
	dir    string
	holder string
	opts   Options

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	marker string
	refs   int
}

// Lock is one acquisition of one or more paths. Release is idempotent, so
// the handle can sit in a defer and still be called early on a failure path
// without draining a reference someone else in this process is counting on.
type Lock struct {
	r    *Registry
	keys []string
	once sync.Once
}

// Release drops this acquisition's reference on every path it covers,
// removing markers whose counts reach zero. Calling it again does nothing,
// and a nil lock releases nothing.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		for i := len(l.keys) - 1; i >= 0; i-- {
			l.r.release(l.keys[i])
		}
	})
}

// NewRegistry creates the marker directory if needed and returns a
// registry writing markers into it. Each registry instance gets its own
// holder id so markers can be traced back to the process that made them.
func NewRegistry(dir string, opts Options) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "pathlock: failed to create marker directory")
	}
	return &Registry{
		dir:    dir,
		holder: uuid.New().String(),
		opts:   opts,
		held:   make(map[string]*heldLock),
	}, nil
}

// Dir returns the directory the markers live in.
func (r *Registry) Dir() string {
	return r.dir
}

// markerPath converts a resolved path into its marker file location. The
// name is a digest of the full path, collision resistant and immune to
// whatever bytes the path itself contains.
func (r *Registry) markerPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:])+".lock")
}

// Acquire takes the lock for the given resolved path, retrying on the
// configured interval while someone else holds it. Exhausting the retry
// budget returns ErrLockTimeout, a canceled context returns its error, and
// in both cases nothing is left half acquired.
func (r *Registry) Acquire(ctx context.Context, key string) (*Lock, error) {
	marker := r.markerPath(key)

	try := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if h, ok := r.held[key]; ok {
			h.refs++
			return nil
		}
		if err := r.createMarker(marker, key); err != nil {
			return err
		}
		r.held[key] = &heldLock{marker: marker, refs: 1}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryInterval), r.opts.RetryLimit), ctx)
	if err := backoff.Retry(try, policy); err != nil {
		if errors.Is(err, errMarkerHeld) {
			return nil, errors.Wrapf(ErrLockTimeout, "pathlock: gave up acquiring [%s]", key)
		}
		return nil, errors.WithStackIf(err)
	}
	return &Lock{r: r, keys: []string{key}}, nil
}

// createMarker attempts the atomic create that constitutes taking the
// lock. Callers must hold r.mu.
func (r *Registry) createMarker(marker string, key string) error {
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return errMarkerHeld
		}
		return backoff.Permanent(errors.Wrap(err, "pathlock: failed to create marker file"))
	}

	b, err := json.Marshal(Marker{
		Path:       key,
		Pid:        os.Getpid(),
		Holder:     r.holder,
		AcquiredAt: time.Now().UTC(),
	})
	if err == nil {
		_, err = f.Write(b)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A marker that exists but could not be written still reads as a
		// held lock to everyone else. Remove it so a failed acquisition
		// leaves no trace behind.
		_ = os.Remove(marker)
		return backoff.Permanent(errors.Wrap(err, "pathlock: failed to write marker body"))
	}
	return nil
}

// release drops one reference to the lock on the given path, removing the
// marker once the count reaches zero. Releasing a path that is not held is
// a no-op.
func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.held[key]
	if !ok {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.held, key)

	// Marker ownership is deliberately weak: anything able to delete the
	// file can release the lock, otherwise an operator could never clear
	// the marker of a crashed process. A holder mismatch is worth a line
	// in the log, but the removal happens either way.
	if b, err := os.ReadFile(h.marker); err == nil {
		var m Marker
		if err := json.Unmarshal(b, &m); err == nil && m.Holder != r.holder {
			log.WithField("subsystem", "pathlock").
				WithField("path", key).
				WithField("holder", m.Holder).
				Warn("releasing a marker held by a different instance")
		}
	}
	if err := os.Remove(h.marker); err != nil && !os.IsNotExist(err) {
		log.WithField("subsystem", "pathlock").
			WithField("path", key).
			WithField("error", err).
			Warn("failed to remove lock marker")
	}
}

// AcquireMany locks every given path under a single handle, always
// acquiring in lexicographic order regardless of the order passed in, so
// two multi-path operations referencing each other's endpoints contend in
// the same direction instead of deadlocking. On failure everything already
// acquired is released before returning.
func (r *Registry) AcquireMany(ctx context.Context, keys ...string) (*Lock, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	for i, key := range sorted {
		if _, err := r.Acquire(ctx, key); err != nil {
			for _, k := range sorted[:i] {
				r.release(k)
			}
			return nil, err
		}
	}
	return &Lock{r: r, keys: sorted}, nil
}

// Snapshot lists every marker currently on disk. Markers whose body cannot
// be parsed are still reported, with only the filename and modification
// time filled in, so a corrupt marker can still be found and swept.
func (r *Registry) Snapshot() ([]Marker, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Wrap(err, "pathlock: failed to read marker directory")
	}

	out := make([]Marker, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}

		var m Marker
		if b, err := os.ReadFile(filepath.Join(r.dir, e.Name())); err == nil {
			_ = json.Unmarshal(b, &m)
		}
		m.File = e.Name()
		if info, err := e.Info(); err == nil {
			m.ModTime = info.ModTime()
		}
		out = append(out, m)
	}
	return out, nil
}

// Reclaim removes markers whose files have not been touched for at least
// the given age, skipping anything this process is still holding. Nothing
// reclaims automatically: a stale marker means a process died while
// holding a lock, and something (an operator, a scheduled sweep someone
// chose to enable) has to decide the owner is truly gone. An olderThan of
// zero or less falls back to the configured stale age.
func (r *Registry) Reclaim(olderThan time.Duration) ([]Marker, error) {
	if olderThan <= 0 {
		olderThan = r.opts.StaleAge
	}

	markers, err := r.Snapshot()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	heldFiles := make(map[string]struct{}, len(r.held))
	for _, h := range r.held {
		heldFiles[filepath.Base(h.marker)] = struct{}{}
	}
	r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	reclaimed := make([]Marker, 0)
	for _, m := range markers {
		if _, ok := heldFiles[m.File]; ok {
			continue
		}
		if m.ModTime.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, m.File)); err != nil && !os.IsNotExist(err) {
			return reclaimed, errors.Wrap(err, "pathlock: failed to remove stale marker")
		}
		log.WithField("subsystem", "pathlock").
			WithField("path", m.Path).
			WithField("age", time.Since(m.ModTime).String()).
			Info("reclaimed stale lock marker")
		reclaimed = append(reclaimed, m)
	}
	return reclaimed, nil
}
