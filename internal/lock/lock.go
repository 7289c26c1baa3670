// Package lock provides named, non-blocking mutual exclusion between autoloop
// processes sharing a repository.
//
// The default Provider uses a directory as an advisory lock: mkdir is atomic
// on every platform we run on, and a crashed owner leaves a record whose pid
// can be probed for liveness so the lock can be reclaimed.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/autoloop/internal/logging"
)

// Provider acquires and releases named locks. Implementations may be backed
// by the filesystem, an OS advisory lock, or a distributed lock service.
type Provider interface {
	// Acquire attempts to take the named lock without blocking. It returns
	// false when another live process holds it.
	Acquire(name string) (bool, error)

	// Release drops the named lock. Releasing a lock that does not exist is
	// not an error.
	Release(name string) error
}

// RecordFileName is the owner record kept inside each lock directory.
const RecordFileName = "owner.json"

// DefaultStaleGrace is how long a lock directory without a readable owner
// record is assumed to be mid-creation by another process.
const DefaultStaleGrace = 30 * time.Second

// Record identifies the owner of a lock.
type Record struct {
	OwnerPID   int       `json:"ownerPid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// DirProvider implements Provider with one directory per lock under root.
type DirProvider struct {
	root       string
	pid        int
	staleGrace time.Duration
	alive      func(pid int) bool
	now        func() time.Time
	logger     *logging.Logger
}

// Option configures a DirProvider.
type Option func(*DirProvider)

// WithStaleGrace overrides DefaultStaleGrace.
func WithStaleGrace(d time.Duration) Option {
	return func(p *DirProvider) { p.staleGrace = d }
}

// WithLivenessProbe replaces the signal-0 liveness check.
func WithLivenessProbe(alive func(pid int) bool) Option {
	return func(p *DirProvider) { p.alive = alive }
}

// WithPID sets the pid recorded as owner. Defaults to os.Getpid().
func WithPID(pid int) Option {
	return func(p *DirProvider) { p.pid = pid }
}

// WithLogger attaches a logger. A nil logger disables logging.
func WithLogger(logger *logging.Logger) Option {
	return func(p *DirProvider) { p.logger = logger }
}

// NewDirProvider creates a provider storing locks under root.
func NewDirProvider(root string, opts ...Option) *DirProvider {
	p := &DirProvider{
		root:       root,
		pid:        os.Getpid(),
		staleGrace: DefaultStaleGrace,
		alive:      PIDAlive,
		now:        time.Now,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NopLogger()
	}
	return p
}

// Path returns the lock directory for name.
func (p *DirProvider) Path(name string) string {
	return filepath.Join(p.root, sanitize(name)+".lock")
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}

// Acquire creates the lock directory. On conflict it inspects the owner
// record and reclaims the lock if the owner is no longer alive.
func (p *DirProvider) Acquire(name string) (bool, error) {
	if err := os.MkdirAll(p.root, 0755); err != nil {
		return false, fmt.Errorf("failed to create lock root: %w", err)
	}

	ok, err := p.create(name)
	if err != nil || ok {
		return ok, err
	}

	stale, owner := p.isStale(name)
	if !stale {
		p.logger.Debug("lock held", "lock", name, "owner_pid", owner)
		return false, nil
	}

	reclaimed, err := p.reclaim(name, owner)
	if err != nil || !reclaimed {
		return false, err
	}

	// Another reclaimer may win the re-create; that is a normal failure.
	return p.create(name)
}

// reclaim moves a stale lock aside with an atomic rename so only one
// reclaimer can take it. The moved directory must still name the owner that
// was found dead; otherwise it is a fresh lock taken after the check and is
// put back.
func (p *DirProvider) reclaim(name string, owner int) (bool, error) {
	dir := p.Path(name)
	tomb := fmt.Sprintf("%s.stale-%d-%d", dir, p.pid, time.Now().UnixNano())
	if err := os.Rename(dir, tomb); err != nil {
		if os.IsNotExist(err) {
			// Already released or moved by another reclaimer.
			return true, nil
		}
		return false, fmt.Errorf("failed to move stale lock %s: %w", name, err)
	}

	rec, err := ReadRecord(tomb)
	unchanged := (err != nil && owner == 0) || (err == nil && rec.OwnerPID == owner)
	if !unchanged {
		if err := os.Rename(tomb, dir); err != nil {
			p.logger.Warn("failed to restore lock taken during reclaim", "lock", name, "error", err)
		}
		p.logger.Debug("lock re-taken during reclaim", "lock", name, "old_pid", owner)
		return false, nil
	}

	if err := os.RemoveAll(tomb); err != nil {
		return false, fmt.Errorf("failed to remove stale lock %s: %w", name, err)
	}
	p.logger.Warn("stale lock reclaimed", "lock", name, "old_pid", owner)
	return true, nil
}

// create performs the atomic mkdir and writes the owner record.
func (p *DirProvider) create(name string) (bool, error) {
	dir := p.Path(name)
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock %s: %w", name, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	data, err := json.Marshal(Record{OwnerPID: p.pid, Hostname: hostname, AcquiredAt: p.now().UTC()})
	if err != nil {
		_ = os.RemoveAll(dir)
		return false, fmt.Errorf("failed to marshal lock record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RecordFileName), data, 0644); err != nil {
		_ = os.RemoveAll(dir)
		return false, fmt.Errorf("failed to write lock record: %w", err)
	}
	p.logger.Info("lock acquired", "lock", name, "pid", p.pid)
	return true, nil
}

// isStale reports whether the existing lock can be reclaimed, along with the
// recorded owner pid (0 if unknown).
func (p *DirProvider) isStale(name string) (bool, int) {
	rec, err := ReadRecord(p.Path(name))
	if err != nil {
		info, statErr := os.Stat(p.Path(name))
		if statErr != nil {
			// Vanished between mkdir and stat: the next create decides.
			return true, 0
		}
		return p.now().Sub(info.ModTime()) > p.staleGrace, 0
	}
	return !p.alive(rec.OwnerPID), rec.OwnerPID
}

// Release removes the lock if this provider's pid owns it.
func (p *DirProvider) Release(name string) error {
	dir := p.Path(name)
	rec, err := ReadRecord(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Unreadable record: leave it for stale detection.
		return nil
	}
	if rec.OwnerPID != p.pid {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	p.logger.Info("lock released", "lock", name)
	return nil
}

// ForceRelease removes the lock regardless of owner when the owner is dead.
// It returns false if the owner is still alive.
func (p *DirProvider) ForceRelease(name string) (bool, error) {
	stale, _ := p.isStale(name)
	if !stale {
		rec, err := ReadRecord(p.Path(name))
		if err == nil && rec.OwnerPID == p.pid {
			stale = true
		}
	}
	if !stale {
		return false, nil
	}
	if err := os.RemoveAll(p.Path(name)); err != nil {
		return false, err
	}
	return true, nil
}

// Inspect returns the owner record for name and whether that owner is alive.
func (p *DirProvider) Inspect(name string) (*Record, bool, error) {
	rec, err := ReadRecord(p.Path(name))
	if err != nil {
		return nil, false, err
	}
	return rec, p.alive(rec.OwnerPID), nil
}

// ReadRecord reads the owner record inside a lock directory.
func ReadRecord(lockDir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(lockDir, RecordFileName))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse lock record: %w", err)
	}
	return &rec, nil
}
