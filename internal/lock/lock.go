// ABOUTME: File-based lock manager with lease-based stale takeover.
// ABOUTME: All mutations run under an in-process mutex and a cross-process flock guard.

package lock

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/coven-coord/internal/atomicfile"
	"github.com/2389/coven-coord/internal/flock"
	"github.com/2389/coven-coord/internal/message"
)

// ErrPathOutsideRoot indicates a lock path resolving outside the project root.
var ErrPathOutsideRoot = errors.New("path outside project root")

const (
	lockSuffix     = ".lock"
	guardName      = ".guard"
	maxReasonLen   = 500
	maxPrefixLen   = 80
	unknownHolder  = "<unknown>"
	lockFilePerm   = 0o644
	hashPrefixSize = 8
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Lock is one lock object.
type Lock struct {
	AgentID  string    `json:"agent_id"`
	FilePath string    `json:"filepath"`
	LockedAt time.Time `json:"locked_at"`
	Reason   string    `json:"reason"`
}

// Age returns how long ago the lock was taken or last refreshed.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.LockedAt)
}

// Conflict describes a lock held by another agent.
type Conflict struct {
	FilePath string
	Holder   string
	Reason   string
	LockedAt time.Time
	Age      time.Duration
}

func (c *Conflict) String() string {
	if c.Reason == "" {
		return fmt.Sprintf("%s is locked by %s (%s ago)", c.FilePath, c.Holder, c.Age.Round(time.Second))
	}
	return fmt.Sprintf("%s is locked by %s (%s ago): %s", c.FilePath, c.Holder, c.Age.Round(time.Second), c.Reason)
}

// Options configure a Manager.
type Options struct {
	StaleTimeout time.Duration
	Logger       *slog.Logger
}

// Manager owns the locks directory for one project root.
type Manager struct {
	root         string
	dir          string
	staleTimeout time.Duration
	guard        *flock.Guard
	logger       *slog.Logger

	mu   sync.Mutex
	held map[string]string // normalized path -> agent id, locks this process acquired

	now       func() time.Time
	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewManager creates a Manager for locks under root, stored in dir.
func NewManager(root, dir string, opts Options) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	if opts.StaleTimeout <= 0 {
		return nil, fmt.Errorf("lock: stale timeout must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:         resolvedRoot,
		dir:          dir,
		staleTimeout: opts.StaleTimeout,
		guard:        flock.New(filepath.Join(dir, guardName)),
		logger:       logger.With("component", "lock"),
		held:         make(map[string]string),
		now:          time.Now,
		writeFile:    atomicfile.WriteFile,
	}, nil
}

// Root returns the resolved project root.
func (m *Manager) Root() string { return m.root }

// StaleTimeout returns the default lease length.
func (m *Manager) StaleTimeout() time.Duration { return m.staleTimeout }

// Acquire takes or refreshes the lock on filePath for agentID. A zero
// timeout means the manager's stale timeout. It returns the lock on
// success, a conflict when another agent holds a live lock, and an error
// for invalid input or I/O failure.
func (m *Manager) Acquire(filePath, agentID, reason string, timeout time.Duration) (*Lock, *Conflict, error) {
	if err := message.ValidateAgentID("agent_id", agentID); err != nil {
		return nil, nil, err
	}
	if timeout < 0 {
		return nil, nil, &message.ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if timeout == 0 {
		timeout = m.staleTimeout
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return nil, nil, &message.ValidationError{Field: "reason", Reason: fmt.Sprintf("longer than %d bytes", maxReasonLen)}
	}
	normalized, err := m.Normalize(filePath)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	unlock, err := m.guard.Lock()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	path := m.lockPath(normalized)
	now := m.now().UTC()
	existing, err := m.read(path)
	if err != nil {
		return nil, nil, err
	}

	if existing != nil && existing.AgentID != agentID {
		age := existing.Age(now)
		if age < timeout {
			return nil, &Conflict{
				FilePath: normalized,
				Holder:   existing.AgentID,
				Reason:   existing.Reason,
				LockedAt: existing.LockedAt,
				Age:      age,
			}, nil
		}
		m.logger.Warn("taking over stale lock",
			"filepath", normalized,
			"agent_id", agentID,
			"previous_holder", existing.AgentID,
			"age", age.Round(time.Second),
		)
	}

	lock := &Lock{AgentID: agentID, FilePath: normalized, LockedAt: now, Reason: reason}
	if existing != nil && existing.AgentID == agentID && reason == "" {
		lock.Reason = existing.Reason
	}
	if err := m.write(path, lock); err != nil {
		return nil, nil, err
	}
	m.held[normalized] = agentID

	if existing != nil && existing.AgentID == agentID {
		m.logger.Debug("lock refreshed", "filepath", normalized, "agent_id", agentID)
	} else {
		m.logger.Info("lock acquired", "filepath", normalized, "agent_id", agentID)
	}
	return lock, nil, nil
}

// Release removes the lock on filePath if agentID holds it. It returns
// false when there is no lock or someone else holds it.
func (m *Manager) Release(filePath, agentID string) (bool, error) {
	if err := message.ValidateAgentID("agent_id", agentID); err != nil {
		return false, err
	}
	normalized, err := m.Normalize(filePath)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	unlock, err := m.guard.Lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	return m.releaseLocked(normalized, agentID)
}

func (m *Manager) releaseLocked(normalized, agentID string) (bool, error) {
	path := m.lockPath(normalized)
	existing, err := m.read(path)
	if err != nil {
		return false, err
	}
	if existing == nil {
		delete(m.held, normalized)
		return false, nil
	}
	if existing.AgentID != agentID {
		m.logger.Debug("release refused, not the holder",
			"filepath", normalized,
			"agent_id", agentID,
			"holder", existing.AgentID,
		)
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("removing lock %s: %w", normalized, err)
	}
	delete(m.held, normalized)
	m.logger.Info("lock released", "filepath", normalized, "agent_id", agentID)
	return true, nil
}

// WhoHas returns the lock on filePath, or nil when it is unlocked. A stale
// lock is still returned; compare its Age with StaleTimeout.
func (m *Manager) WhoHas(filePath string) (*Lock, error) {
	normalized, err := m.Normalize(filePath)
	if err != nil {
		return nil, err
	}
	return m.read(m.lockPath(normalized))
}

// List returns every lock in the directory, ordered by path. Unreadable
// lock files are skipped.
func (m *Manager) List() ([]*Lock, error) {
	files, err := m.listFiles()
	if err != nil {
		return nil, err
	}
	locks := make([]*Lock, 0, len(files))
	for _, f := range files {
		locks = append(locks, f.lock)
	}
	return locks, nil
}

type lockFile struct {
	path string
	lock *Lock
}

func (m *Manager) listFiles() ([]lockFile, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}

	var files []lockFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		lock, err := m.read(path)
		if err != nil {
			m.logger.Warn("skipping unreadable lock file", "file", entry.Name(), "error", err)
			continue
		}
		if lock != nil {
			files = append(files, lockFile{path: path, lock: lock})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].lock.FilePath < files[j].lock.FilePath })
	return files, nil
}

// RefreshResult reports the outcome of Refresh.
type RefreshResult struct {
	Refreshed []string // paths whose lease was renewed
	Lost      []string // paths this process held that now belong to someone else or are gone
}

// Refresh renews every lock held by agentID. A write failure stops the
// pass and is returned; the lock being rewritten keeps its previous content.
func (m *Manager) Refresh(agentID string) (RefreshResult, error) {
	var result RefreshResult
	if err := message.ValidateAgentID("agent_id", agentID); err != nil {
		return result, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	unlock, err := m.guard.Lock()
	if err != nil {
		return result, err
	}
	defer unlock()

	files, err := m.listFiles()
	if err != nil {
		return result, err
	}
	current := make(map[string]bool)
	now := m.now().UTC()
	for _, f := range files {
		lock := f.lock
		if lock.AgentID != agentID {
			continue
		}
		current[lock.FilePath] = true
		refreshed := *lock
		refreshed.LockedAt = now
		if err := m.write(f.path, &refreshed); err != nil {
			return result, err
		}
		m.held[lock.FilePath] = agentID
		result.Refreshed = append(result.Refreshed, lock.FilePath)
	}

	for path, holder := range m.held {
		if holder != agentID || current[path] {
			continue
		}
		delete(m.held, path)
		result.Lost = append(result.Lost, path)
		m.logger.Warn("lock lost", "filepath", path, "agent_id", agentID)
	}
	sort.Strings(result.Lost)

	if len(result.Refreshed) > 0 {
		m.logger.Debug("locks refreshed", "agent_id", agentID, "count", len(result.Refreshed))
	}
	return result, nil
}

// ReleaseAll releases every lock held by agentID and returns how many
// were removed.
func (m *Manager) ReleaseAll(agentID string) (int, error) {
	if err := message.ValidateAgentID("agent_id", agentID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	unlock, err := m.guard.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	files, err := m.listFiles()
	if err != nil {
		return 0, err
	}
	released := 0
	for _, f := range files {
		if f.lock.AgentID != agentID {
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return released, fmt.Errorf("removing lock %s: %w", f.lock.FilePath, err)
		}
		delete(m.held, f.lock.FilePath)
		released++
	}
	if released > 0 {
		m.logger.Info("released all locks", "agent_id", agentID, "count", released)
	}
	return released, nil
}

// Normalize resolves filePath against the project root and returns it
// relative to the root with forward slashes.
func (m *Manager) Normalize(filePath string) (string, error) {
	if strings.TrimSpace(filePath) == "" {
		return "", &message.ValidationError{Field: "filepath", Reason: "must not be empty"}
	}
	if strings.ContainsRune(filePath, 0) {
		return "", &message.ValidationError{Field: "filepath", Reason: "contains a NUL byte"}
	}

	candidate := filePath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(m.root, candidate)
	}
	resolved, err := resolveExisting(filepath.Clean(candidate))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", filePath, err)
	}

	rel, err := filepath.Rel(m.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, filePath)
	}
	if rel == "." {
		return "", &message.ValidationError{Field: "filepath", Reason: "must name a path inside the project root, not the root itself"}
	}
	return filepath.ToSlash(rel), nil
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and appends the rest unchanged.
func resolveExisting(path string) (string, error) {
	var rest []string
	current := path
	for {
		if _, err := os.Lstat(current); err == nil {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", err
			}
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		rest = append([]string{filepath.Base(current)}, rest...)
		current = parent
	}
}

// FileName returns the lock file name for a normalized path.
func FileName(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	prefix := strings.Trim(unsafeNameChars.ReplaceAllString(normalized, "_"), "._")
	if len(prefix) > maxPrefixLen {
		prefix = prefix[len(prefix)-maxPrefixLen:]
	}
	if prefix == "" {
		prefix = "path"
	}
	return prefix + "." + hex.EncodeToString(sum[:])[:hashPrefixSize] + lockSuffix
}

func (m *Manager) lockPath(normalized string) string {
	return filepath.Join(m.dir, FileName(normalized))
}

// read loads a lock file. A missing file is (nil, nil). A file that does
// not decode is reported as held by "<unknown>" since its modification time,
// so it still expires like any other lease.
func (m *Manager) read(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock %s: %w", filepath.Base(path), err)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil || lock.AgentID == "" {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("reading lock %s: %w", filepath.Base(path), statErr)
		}
		m.logger.Warn("lock file is corrupt", "file", filepath.Base(path))
		return &Lock{AgentID: unknownHolder, FilePath: lock.FilePath, LockedAt: info.ModTime().UTC(), Reason: "corrupt lock file"}, nil
	}
	return &lock, nil
}

func (m *Manager) write(path string, lock *Lock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lock: %w", err)
	}
	if err := m.writeFile(path, data, lockFilePerm); err != nil {
		return fmt.Errorf("writing lock %s: %w", lock.FilePath, err)
	}
	return nil
}
