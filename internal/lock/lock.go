// Package lock provides per-run leases so a single owner drives a workflow
// run at a time. MemoryLocker serves a single process; FileLocker coordinates
// processes sharing a lease directory.
package lock

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects a Locker implementation.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeFile   Mode = "file"
)

// DefaultTTL is the default time-to-live for leases.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is the default interval for heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// Lock is the persisted state of a file lease.
type Lock struct {
	Owner     string    `yaml:"owner"`
	Host      string    `yaml:"host"`
	PID       int       `yaml:"pid"`
	Acquired  time.Time `yaml:"acquired"`
	Heartbeat time.Time `yaml:"heartbeat"`
	TTL       string    `yaml:"ttl"`
}

// TTLDuration parses the TTL string and returns a time.Duration.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale reports whether the holder stopped heartbeating or, on this host,
// exited.
func (l *Lock) IsStale() bool {
	if time.Since(l.Heartbeat) > l.TTLDuration() {
		return true
	}
	if host, _ := os.Hostname(); host != "" && host == l.Host && l.PID > 0 {
		return !processExists(l.PID)
	}
	return false
}

// LockInfo provides information about a lease holder.
type LockInfo struct {
	Owner     string
	Acquired  time.Time
	Heartbeat time.Time
	PID       int
}

// Locker leases runs. Acquire fails with *LockError while any owner,
// including the caller, holds a live lease on the run.
type Locker interface {
	Acquire(runID string) error
	Release(runID string) error
	Heartbeat(runID string) error
	IsLocked(runID string) (bool, *LockInfo, error)
}

// NewLocker creates a Locker for the given mode.
func NewLocker(mode Mode, dir, owner string) Locker {
	if mode == ModeFile {
		return NewFileLocker(dir, owner)
	}
	return NewMemoryLocker(owner)
}

// DefaultOwner identifies this process as user@host:pid.
func DefaultOwner() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s@%s:%d", name, host, os.Getpid())
}

// MemoryLocker leases runs within one process.
type MemoryLocker struct {
	owner string
	mu    sync.Mutex
	held  map[string]LockInfo
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker(owner string) *MemoryLocker {
	return &MemoryLocker{owner: owner, held: make(map[string]LockInfo)}
}

// Acquire leases the run.
func (l *MemoryLocker) Acquire(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.held[runID]; ok {
		return &LockError{RunID: runID, Owner: info.Owner, Reason: "run is leased"}
	}
	now := time.Now().UTC()
	l.held[runID] = LockInfo{Owner: l.owner, Acquired: now, Heartbeat: now, PID: os.Getpid()}
	return nil
}

// Release drops the lease. Releasing an unheld run is a no-op.
func (l *MemoryLocker) Release(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, runID)
	return nil
}

// Heartbeat refreshes the lease.
func (l *MemoryLocker) Heartbeat(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.held[runID]
	if !ok {
		return fmt.Errorf("lock not found for run %s", runID)
	}
	info.Heartbeat = time.Now().UTC()
	l.held[runID] = info
	return nil
}

// IsLocked reports whether the run is leased.
func (l *MemoryLocker) IsLocked(runID string) (bool, *LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.held[runID]
	if !ok {
		return false, nil, nil
	}
	return true, &info, nil
}

// FileLocker stores leases as <dir>/<runID>.yaml.
type FileLocker struct {
	dir   string
	owner string
	ttl   time.Duration
	mu    sync.Mutex
}

// NewFileLocker creates a new FileLocker.
func NewFileLocker(dir, owner string) *FileLocker {
	return &FileLocker{dir: dir, owner: owner, ttl: DefaultTTL}
}

// WithTTL sets the lease TTL written by subsequent acquisitions.
func (l *FileLocker) WithTTL(ttl time.Duration) *FileLocker {
	l.ttl = ttl
	return l
}

func (l *FileLocker) lockPath(runID string) string {
	return filepath.Join(l.dir, runID+".yaml")
}

func (l *FileLocker) readLock(runID string) (*Lock, error) {
	data, err := os.ReadFile(l.lockPath(runID))
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lock, nil
}

// writeTemp writes lock to a temp file next to the lease and returns its path.
func (l *FileLocker) writeTemp(runID string, lock *Lock) (string, error) {
	data, err := yaml.Marshal(lock)
	if err != nil {
		return "", fmt.Errorf("marshal lock: %w", err)
	}
	f, err := os.CreateTemp(l.dir, runID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp lock: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp lock: %w", err)
	}
	return f.Name(), nil
}

// Acquire creates the lease file. A fresh lease is published with a hard
// link so two processes cannot both create it; a stale lease is replaced.
func (l *FileLocker) Acquire(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	host, _ := os.Hostname()
	now := time.Now().UTC()
	lock := &Lock{
		Owner:     l.owner,
		Host:      host,
		PID:       os.Getpid(),
		Acquired:  now,
		Heartbeat: now,
		TTL:       l.ttl.String(),
	}
	tmp, err := l.writeTemp(runID, lock)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	path := l.lockPath(runID)
	if err := os.Link(tmp, path); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("publish lock: %w", err)
	}

	existing, err := l.readLock(runID)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read lock: %w", err)
	}
	if existing != nil && !existing.IsStale() {
		return &LockError{RunID: runID, Owner: existing.Owner, Reason: "run is leased"}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("claim stale lock: %w", err)
	}
	return nil
}

// Release removes the lease if this owner holds it.
func (l *FileLocker) Release(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock(runID)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &LockError{RunID: runID, Owner: existing.Owner, Reason: "cannot release lock owned by another"}
	}
	if err := os.Remove(l.lockPath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Heartbeat updates the heartbeat timestamp of a lease this owner holds.
func (l *FileLocker) Heartbeat(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock(runID)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("lock not found for run %s", runID)
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &LockError{RunID: runID, Owner: existing.Owner, Reason: "cannot heartbeat lock owned by another"}
	}

	existing.Heartbeat = time.Now().UTC()
	tmp, err := l.writeTemp(runID, existing)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.lockPath(runID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// IsLocked reports whether a live lease exists.
func (l *FileLocker) IsLocked(runID string) (bool, *LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.readLock(runID)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("read lock: %w", err)
	}
	if lock.IsStale() {
		return false, nil, nil
	}
	return true, &LockInfo{
		Owner:     lock.Owner,
		Acquired:  lock.Acquired,
		Heartbeat: lock.Heartbeat,
		PID:       lock.PID,
	}, nil
}

// LockError reports a lease held by someone else.
type LockError struct {
	RunID  string
	Owner  string
	Reason string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("run %s: %s (owner: %s)", e.RunID, e.Reason, e.Owner)
}

// HeartbeatRunner runs periodic heartbeat updates for a lease.
type HeartbeatRunner struct {
	locker   Locker
	runID    string
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatRunner creates a new heartbeat runner.
func NewHeartbeatRunner(locker Locker, runID string, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		locker:   locker,
		runID:    runID,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a goroutine.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				// A lease whose heartbeats keep failing goes stale on its own.
				_ = h.locker.Heartbeat(h.runID)
			}
		}
	}()
}

// Stop stops the heartbeat loop and waits for it to finish.
func (h *HeartbeatRunner) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Signal 0 probes for existence.
	return process.Signal(syscall.Signal(0)) == nil
}
