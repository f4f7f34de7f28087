// Package memory provides SQLite persistence for patterns and trajectories.
package memory

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

// Store persists patterns and trajectories in SQLite. It is the system of
// record; the mode engines only hold derived caches over its contents.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	config StoreConfig
}

// StoreConfig configures the store.
type StoreConfig struct {
	// DBPath is the SQLite database path.
	DBPath string `json:"dbPath"`

	// MaxTrajectories is the maximum number to keep per domain.
	MaxTrajectories int `json:"maxTrajectories"`
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DBPath:          ":memory:",
		MaxTrajectories: 10000,
	}
}

// NewStore opens the database and initializes the schema.
func NewStore(config StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxTrajectories <= 0 {
		config.MaxTrajectories = DefaultStoreConfig().MaxTrajectories
	}

	store := &Store{db: db, config: config}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			success_rate REAL DEFAULT 0,
			usage_count INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trajectories (
			trajectory_id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			quality_score REAL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trajectory_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trajectory_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			state_before BLOB,
			state_after BLOB,
			reward REAL DEFAULT 0,
			FOREIGN KEY (trajectory_id) REFERENCES trajectories(trajectory_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_patterns_success ON patterns(success_rate);
		CREATE INDEX IF NOT EXISTS idx_trajectories_domain ON trajectories(domain);
		CREATE INDEX IF NOT EXISTS idx_trajectories_created ON trajectories(created_at);
		CREATE INDEX IF NOT EXISTS idx_steps_trajectory ON trajectory_steps(trajectory_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SavePattern inserts or replaces a pattern.
func (s *Store) SavePattern(p *domainNeural.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO patterns (id, embedding, success_rate, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, float32SliceToBytes(p.Embedding), p.SuccessRate, p.UsageCount, p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pattern: %w", err)
	}
	return nil
}

// ListPatterns returns every stored pattern, most successful first.
func (s *Store) ListPatterns() ([]*domainNeural.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, embedding, success_rate, usage_count, created_at
		FROM patterns ORDER BY success_rate DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*domainNeural.Pattern
	for rows.Next() {
		var p domainNeural.Pattern
		var embedding []byte
		var createdMs int64

		if err := rows.Scan(&p.ID, &embedding, &p.SuccessRate, &p.UsageCount, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.Embedding = bytesToFloat32Slice(embedding)
		p.CreatedAt = time.UnixMilli(createdMs)
		patterns = append(patterns, &p)
	}
	return patterns, rows.Err()
}

// UpdatePatternOutcome folds one observed outcome into a pattern's success
// rate as a usage-weighted running average and bumps its usage count.
func (s *Store) UpdatePatternOutcome(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	res, err := s.db.Exec(`
		UPDATE patterns
		SET success_rate = (success_rate * usage_count + ?) / (usage_count + 1),
		    usage_count = usage_count + 1
		WHERE id = ?`, outcome, id)
	if err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pattern %s not found", id)
	}
	return nil
}

// SaveTrajectory saves a trajectory and its steps in one transaction.
func (s *Store) SaveTrajectory(traj *domainNeural.Trajectory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var quality *float64
	if traj.QualityScore != nil {
		q := *traj.QualityScore
		quality = &q
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO trajectories (trajectory_id, domain, quality_score, created_at)
		VALUES (?, ?, ?, ?)`,
		traj.TrajectoryID, string(traj.Domain), quality, traj.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trajectory: %w", err)
	}

	_, err = tx.Exec("DELETE FROM trajectory_steps WHERE trajectory_id = ?", traj.TrajectoryID)
	if err != nil {
		return fmt.Errorf("failed to delete old steps: %w", err)
	}

	for i, step := range traj.Steps {
		_, err = tx.Exec(`
			INSERT INTO trajectory_steps (trajectory_id, step_index, state_before, state_after, reward)
			VALUES (?, ?, ?, ?, ?)`,
			traj.TrajectoryID, i,
			float32SliceToBytes(step.StateBefore),
			float32SliceToBytes(step.StateAfter),
			step.Reward,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
	}

	return tx.Commit()
}

// ListTrajectories returns up to limit trajectories, newest first. An empty
// domain matches all domains.
func (s *Store) ListTrajectories(domain domainNeural.TrajectoryDomain, limit int) ([]*domainNeural.Trajectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT trajectory_id, domain, quality_score, created_at
		FROM trajectories`
	args := []interface{}{}
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, string(domain))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trajectories: %w", err)
	}
	defer rows.Close()

	var trajectories []*domainNeural.Trajectory
	for rows.Next() {
		var traj domainNeural.Trajectory
		var d string
		var quality sql.NullFloat64
		var createdMs int64

		if err := rows.Scan(&traj.TrajectoryID, &d, &quality, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan trajectory: %w", err)
		}
		traj.Domain = domainNeural.TrajectoryDomain(d)
		if quality.Valid {
			q := quality.Float64
			traj.QualityScore = &q
		}
		traj.CreatedAt = time.UnixMilli(createdMs)
		trajectories = append(trajectories, &traj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, traj := range trajectories {
		if err := s.loadSteps(traj); err != nil {
			return nil, err
		}
	}
	return trajectories, nil
}

func (s *Store) loadSteps(traj *domainNeural.Trajectory) error {
	rows, err := s.db.Query(`
		SELECT state_before, state_after, reward
		FROM trajectory_steps WHERE trajectory_id = ? ORDER BY step_index`, traj.TrajectoryID)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step domainNeural.TrajectoryStep
		var before, after []byte

		if err := rows.Scan(&before, &after, &step.Reward); err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		step.StateBefore = bytesToFloat32Slice(before)
		step.StateAfter = bytesToFloat32Slice(after)
		traj.Steps = append(traj.Steps, step)
	}
	return rows.Err()
}

// PruneTrajectories deletes the oldest trajectories beyond the capacity,
// returning how many were removed. A non-positive capacity falls back to
// the store's configured maximum.
func (s *Store) PruneTrajectories(capacity int) (int64, error) {
	if capacity <= 0 {
		capacity = s.config.MaxTrajectories
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM trajectories WHERE trajectory_id NOT IN (
			SELECT trajectory_id FROM trajectories ORDER BY created_at DESC LIMIT ?
		)`, capacity)
	if err != nil {
		return 0, fmt.Errorf("failed to prune trajectories: %w", err)
	}

	// Orphaned steps are removed explicitly; SQLite foreign keys are off
	// by default.
	_, err = s.db.Exec(`
		DELETE FROM trajectory_steps WHERE trajectory_id NOT IN (
			SELECT trajectory_id FROM trajectories
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune steps: %w", err)
	}

	return res.RowsAffected()
}

// CountPatterns returns the number of stored patterns.
func (s *Store) CountPatterns() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM patterns").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count patterns: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func float32SliceToBytes(slice []float32) []byte {
	if len(slice) == 0 {
		return nil
	}
	bytes := make([]byte, len(slice)*4)
	for i, v := range slice {
		bits := math.Float32bits(v)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

func bytesToFloat32Slice(bytes []byte) []float32 {
	if len(bytes) == 0 || len(bytes)%4 != 0 {
		return nil
	}
	slice := make([]float32, len(bytes)/4)
	for i := range slice {
		bits := uint32(bytes[i*4]) |
			uint32(bytes[i*4+1])<<8 |
			uint32(bytes[i*4+2])<<16 |
			uint32(bytes[i*4+3])<<24
		slice[i] = math.Float32frombits(bits)
	}
	return slice
}
