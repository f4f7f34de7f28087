// Package sona provides the application service coordinating SONA mode
// engines, shared EWC state and persistent pattern memory.
package sona

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
	"github.com/tannht/opencode-flow-sub009/internal/infrastructure/memory"
	infraNeural "github.com/tannht/opencode-flow-sub009/internal/infrastructure/neural"
)

// Service owns one mode engine per agent session. Engines are never shared
// across sessions; the EWC state and the pattern store are.
type Service struct {
	mu       sync.RWMutex
	store    *memory.Store
	logger   *zap.Logger
	ewc      *domainNeural.EWCState
	sessions map[string]infraNeural.ModeImplementation
}

// NewService creates the SONA service.
func NewService(store *memory.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		logger:   logger,
		ewc:      domainNeural.NewEWCState(),
		sessions: make(map[string]infraNeural.ModeImplementation),
	}
}

// StartSession creates and initializes the mode engine for a session.
// Starting an existing session is an error; sessions are single-owner.
func (s *Service) StartSession(sessionID string, mode domainNeural.SONAMode) (infraNeural.ModeImplementation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %s already started", sessionID)
	}

	impl := infraNeural.NewModeImplementation(domainNeural.DefaultModeConfig(mode), s.logger)
	if err := impl.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s mode: %w", mode, err)
	}

	s.sessions[sessionID] = impl
	s.logger.Info("started SONA session",
		zap.String("session", sessionID),
		zap.String("mode", string(mode)))
	return impl, nil
}

// session resolves an active session engine.
func (s *Service) session(sessionID string) (infraNeural.ModeImplementation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	impl, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return impl, nil
}

// FindPatterns retrieves the top-k stored patterns for a query embedding
// through the session's engine.
func (s *Service) FindPatterns(sessionID string, embedding []float32, k int) ([]domainNeural.PatternMatch, error) {
	impl, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	patterns, err := s.store.ListPatterns()
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	return impl.FindPatterns(embedding, k, patterns)
}

// RecordPattern persists a new pattern.
func (s *Service) RecordPattern(p *domainNeural.Pattern) error {
	return s.store.SavePattern(p)
}

// RecordOutcome folds an observed outcome into a stored pattern.
func (s *Service) RecordOutcome(patternID string, success bool) error {
	return s.store.UpdatePatternOutcome(patternID, success)
}

// RecordTrajectory persists a completed trajectory and prunes the store to
// the session's configured capacity.
func (s *Service) RecordTrajectory(sessionID string, traj *domainNeural.Trajectory) error {
	impl, err := s.session(sessionID)
	if err != nil {
		return err
	}

	if err := s.store.SaveTrajectory(traj); err != nil {
		return fmt.Errorf("failed to save trajectory: %w", err)
	}

	pruned, err := s.store.PruneTrajectories(impl.GetConfig().TrajectoryCapacity)
	if err != nil {
		return fmt.Errorf("failed to prune trajectories: %w", err)
	}
	if pruned > 0 {
		s.logger.Debug("pruned trajectories", zap.Int64("count", pruned))
	}
	return nil
}

// Learn feeds the most recent stored trajectories of a domain into the
// session's engine and returns its improvement estimate.
func (s *Service) Learn(sessionID string, domain domainNeural.TrajectoryDomain, limit int) (domainNeural.ObjectiveSignal, error) {
	impl, err := s.session(sessionID)
	if err != nil {
		return 0, err
	}

	trajectories, err := s.store.ListTrajectories(domain, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load trajectories: %w", err)
	}
	return impl.Learn(trajectories, s.ewc)
}

// Adapt runs an embedding through the session's internally managed
// adapter.
func (s *Service) Adapt(sessionID string, embedding []float32) ([]float32, error) {
	impl, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return impl.ApplyLoRA(embedding, nil)
}

// Consolidate freezes a parameter group into the shared EWC state.
func (s *Service) Consolidate(key string, fisher, params []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ewc.Consolidate(key, fisher, params)
}

// Stats returns the telemetry of one session.
func (s *Service) Stats(sessionID string) (map[string]float64, error) {
	impl, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return impl.GetStats(), nil
}

// EndSession cleans up a session's engine and removes it.
func (s *Service) EndSession(sessionID string) error {
	s.mu.Lock()
	impl, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err := impl.Cleanup(); err != nil {
		return fmt.Errorf("failed to clean up session %s: %w", sessionID, err)
	}
	s.logger.Info("ended SONA session", zap.String("session", sessionID))
	return nil
}

// Close ends every session and closes the store.
func (s *Service) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]infraNeural.ModeImplementation)
	s.mu.Unlock()

	for id, impl := range sessions {
		if err := impl.Cleanup(); err != nil {
			s.logger.Warn("session cleanup failed",
				zap.String("session", id), zap.Error(err))
		}
	}
	return s.store.Close()
}
