// ABOUTME: Persisted agent registry: load, atomic save, refresh from a backend, resolve ids.
// ABOUTME: The snapshot on disk is the single authority for id-to-identifier mapping.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/2389/coven-coord/internal/atomicfile"
	"github.com/2389/coven-coord/internal/backend"
	"github.com/2389/coven-coord/internal/flock"
)

// ErrAgentNotRegistered indicates the id is absent from the latest snapshot.
var ErrAgentNotRegistered = errors.New("agent not registered")

// Snapshot is the on-disk registry document.
type Snapshot struct {
	SessionName string                  `json:"session_name"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Agents      []backend.AgentIdentity `json:"agents"`
}

// Find returns the agent with the given id.
func (s *Snapshot) Find(agentID string) (backend.AgentIdentity, bool) {
	for _, agent := range s.Agents {
		if agent.AgentID == agentID {
			return agent, true
		}
	}
	return backend.AgentIdentity{}, false
}

// Options configure a Store.
type Options struct {
	SessionName string
	StaleAfter  time.Duration
	Logger      *slog.Logger
}

// Store reads and writes the registry file.
type Store struct {
	path        string
	guard       *flock.Guard
	sessionName string
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewStore creates a Store for the registry at path.
func NewStore(path string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:        path,
		guard:       flock.New(path + ".lock"),
		sessionName: opts.SessionName,
		staleAfter:  opts.StaleAfter,
		logger:      logger.With("component", "registry"),
		now:         time.Now,
	}
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Load reads the current snapshot. A missing file yields an empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{SessionName: s.sessionName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding registry %s: %w", s.path, err)
	}
	return &snap, nil
}

// Save replaces the registry file with snap.
func (s *Store) Save(snap *Snapshot) error {
	unlock, err := s.guard.Lock()
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(snap)
}

func (s *Store) write(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return atomicfile.WriteFile(s.path, data, 0o644)
}

// Refresh discovers agents with b, merges in recently seen agents that
// were not rediscovered, and saves the result.
func (s *Store) Refresh(ctx context.Context, b backend.Backend, projectRoot string) (*Snapshot, error) {
	discovered, err := b.DiscoverAgents(ctx, projectRoot)
	if err != nil {
		return nil, fmt.Errorf("refreshing registry: %w", err)
	}

	unlock, err := s.guard.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	previous, err := s.Load()
	if err != nil {
		// A corrupt registry is replaced by the fresh scan.
		s.logger.Warn("discarding unreadable registry", "error", err)
		previous = &Snapshot{}
	}

	now := s.now().UTC()
	snap := &Snapshot{SessionName: s.sessionName, UpdatedAt: now}
	seen := make(map[string]bool, len(discovered))
	for _, agent := range discovered {
		if seen[agent.AgentID] {
			s.logger.Warn("duplicate agent id in discovery, keeping first",
				"agent_id", agent.AgentID,
				"identifier", agent.Identifier,
			)
			continue
		}
		seen[agent.AgentID] = true
		if agent.SessionName == "" {
			agent.SessionName = s.sessionName
		}
		snap.Agents = append(snap.Agents, agent)
	}

	for _, agent := range previous.Agents {
		if seen[agent.AgentID] {
			continue
		}
		if s.staleAfter > 0 && now.Sub(agent.LastSeen) >= s.staleAfter {
			s.logger.Info("dropping stale agent", "agent_id", agent.AgentID, "last_seen", agent.LastSeen)
			continue
		}
		agent.Status = backend.StatusStale
		seen[agent.AgentID] = true
		snap.Agents = append(snap.Agents, agent)
	}

	sort.SliceStable(snap.Agents, func(i, j int) bool {
		return snap.Agents[i].AgentID < snap.Agents[j].AgentID
	})

	if err := s.write(snap); err != nil {
		return nil, err
	}
	s.logger.Debug("registry refreshed", "backend", b.Name(), "agents", len(snap.Agents))
	return snap, nil
}

// Resolve maps an agent id to its identity in the latest snapshot.
func (s *Store) Resolve(agentID string) (backend.AgentIdentity, error) {
	snap, err := s.Load()
	if err != nil {
		return backend.AgentIdentity{}, err
	}
	agent, ok := snap.Find(agentID)
	if !ok {
		return backend.AgentIdentity{}, fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID)
	}
	return agent, nil
}
