package trainer

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// StepMetrics reports one optimization step.
type StepMetrics struct {
	Step      int
	Loss      float64
	NoiseLoss float64
	ColorLoss float64
	Duration  time.Duration
}

// Metrics records runs and per step losses in a SQLite database.
// SQLite serializes writers and WAL keeps readers unblocked, so no
// application level locking is needed.
type Metrics struct {
	conn *sql.DB
}

func OpenMetrics(path string) (*Metrics, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping metrics database: %w", err)
	}

	m := &Metrics{conn: conn}
	if err := m.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize metrics database: %w", err)
	}

	return m, nil
}

func (m *Metrics) init() error {
	_, err := m.conn.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		steps INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		image_size INTEGER NOT NULL,
		lr REAL NOT NULL,
		weight_decay REAL NOT NULL,
		color_loss_weight REAL NOT NULL,
		color_bits INTEGER NOT NULL,
		seed INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		loss REAL NOT NULL,
		noise_loss REAL NOT NULL,
		color_loss REAL NOT NULL,
		seconds REAL NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, step),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id);
	`)
	return err
}

func (m *Metrics) Close() error {
	_, _ = m.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return m.conn.Close()
}

// RecordRun registers a run and its configuration. Recording the same
// run ID again, as a resumed run does, updates the configuration.
func (m *Metrics) RecordRun(id string, cfg Config) error {
	_, err := m.conn.Exec(`
	INSERT OR REPLACE INTO runs (id, steps, batch_size, image_size, lr, weight_decay, color_loss_weight, color_bits, seed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, cfg.Steps, cfg.BatchSize, cfg.ImageSize, cfg.LR, cfg.WeightDecay, cfg.ColorLossWeight, cfg.ColorBits, cfg.Seed)
	return err
}

func (m *Metrics) RecordStep(runID string, s StepMetrics) error {
	_, err := m.conn.Exec(`
	INSERT OR REPLACE INTO steps (run_id, step, loss, noise_loss, color_loss, seconds)
	VALUES (?, ?, ?, ?, ?, ?)`,
		runID, s.Step, s.Loss, s.NoiseLoss, s.ColorLoss, s.Duration.Seconds())
	return err
}

// History returns every recorded step of a run in order.
func (m *Metrics) History(runID string) ([]StepMetrics, error) {
	rows, err := m.conn.Query(`
	SELECT step, loss, noise_loss, color_loss, seconds
	FROM steps WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []StepMetrics
	for rows.Next() {
		var s StepMetrics
		var seconds float64
		if err := rows.Scan(&s.Step, &s.Loss, &s.NoiseLoss, &s.ColorLoss, &seconds); err != nil {
			return nil, err
		}
		s.Duration = time.Duration(seconds * float64(time.Second))
		history = append(history, s)
	}

	return history, rows.Err()
}
