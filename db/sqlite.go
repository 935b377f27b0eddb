package db

import (
	"database/sql"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"houseprice/ml"
	"houseprice/pipeline"
)

// ErrModelNotFound is returned when no snapshot exists under a name.
var ErrModelNotFound = errors.New("model snapshot not found")

const schema = `
    CREATE TABLE IF NOT EXISTS training_runs (
        id TEXT PRIMARY KEY,
        model_name VARCHAR(50),
        source TEXT,
        samples INTEGER,
        state VARCHAR(20),
        epochs INTEGER DEFAULT 0,
        final_loss REAL,
        error TEXT,
        started_at DATETIME,
        finished_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS training_epochs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        epoch INTEGER NOT NULL,
        loss REAL,
        mse REAL,
        UNIQUE(run_id, epoch)
    );
    CREATE TABLE IF NOT EXISTS models (
        name TEXT PRIMARY KEY,
        topology BLOB NOT NULL,
        weights BLOB NOT NULL,
        saved_at DATETIME NOT NULL
    );
    `

// Store keeps the training run log and named model snapshots in SQLite.
type Store struct {
	database *sql.DB
	logger   *zap.Logger
}

// Open opens (or creates) the SQLite database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Training writes from its own goroutine; one connection avoids SQLITE_BUSY.
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return &Store{database: database, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.database.Close()
}

// TrainingRun is one row of the run log.
type TrainingRun struct {
	ID         string     `json:"id"`
	ModelName  string     `json:"model_name"`
	Source     string     `json:"source"`
	Samples    int        `json:"samples"`
	State      string     `json:"state"`
	Epochs     int        `json:"epochs"`
	FinalLoss  *float64   `json:"final_loss"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StartRun inserts a running row for run.
func (s *Store) StartRun(run pipeline.RunInfo) error {
	_, err := s.database.Exec(`
        INSERT OR REPLACE INTO training_runs (id, model_name, source, samples, state, started_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ModelName, run.Source, run.Samples, ml.StateRunning.String(), run.StartedAt.UTC())
	return errors.Wrapf(err, "insert run %s", run.ID)
}

// RecordEpoch stores the metrics of one epoch. Non-finite values become NULL.
func (s *Store) RecordEpoch(runID string, epoch int, metrics ml.EpochMetrics) error {
	_, err := s.database.Exec(`
        INSERT OR REPLACE INTO training_epochs (run_id, epoch, loss, mse)
        VALUES (?, ?, ?, ?)`,
		runID, epoch, nullFloat(metrics.Loss), nullFloat(metrics.MSE))
	return errors.Wrapf(err, "insert epoch %d of run %s", epoch, runID)
}

// FinishRun writes the terminal state of a run.
func (s *Store) FinishRun(result pipeline.RunResult) error {
	var finalLoss sql.NullFloat64
	if last, ok := result.History.Last(); ok {
		finalLoss = nullFloat(last.Loss)
	}
	var errText sql.NullString
	if result.Err != nil {
		errText = sql.NullString{String: result.Err.Error(), Valid: true}
	}
	_, err := s.database.Exec(`
        UPDATE training_runs
        SET state = ?, epochs = ?, final_loss = ?, error = ?, finished_at = ?
        WHERE id = ?`,
		result.State.String(), len(result.History), finalLoss, errText, result.FinishedAt.UTC(), result.Run.ID)
	return errors.Wrapf(err, "finish run %s", result.Run.ID)
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.database.Query(`
        SELECT id, model_name, source, samples, state, epochs, final_loss, error, started_at, finished_at
        FROM training_runs
        ORDER BY started_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var r TrainingRun
		var finalLoss sql.NullFloat64
		var errText sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ModelName, &r.Source, &r.Samples, &r.State, &r.Epochs,
			&finalLoss, &errText, &r.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if finalLoss.Valid {
			v := finalLoss.Float64
			r.FinalLoss = &v
		}
		r.Error = errText.String
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunHistory returns the epoch metrics of a run in epoch order.
func (s *Store) RunHistory(runID string) (ml.History, error) {
	rows, err := s.database.Query(`
        SELECT loss, mse FROM training_epochs
        WHERE run_id = ?
        ORDER BY epoch ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make(ml.History, 0)
	for rows.Next() {
		var loss, mse sql.NullFloat64
		if err := rows.Scan(&loss, &mse); err != nil {
			return nil, err
		}
		history = append(history, ml.EpochMetrics{Loss: floatOrNaN(loss), MSE: floatOrNaN(mse)})
	}
	return history, rows.Err()
}

// SaveModel stores artifact under name, replacing any previous snapshot.
func (s *Store) SaveModel(name string, artifact ml.Artifact) error {
	if name == "" {
		return errors.New("model name required")
	}
	_, err := s.database.Exec(`
        INSERT OR REPLACE INTO models (name, topology, weights, saved_at)
        VALUES (?, ?, ?, ?)`,
		name, artifact.Topology, artifact.Weights, time.Now().UTC())
	return errors.Wrapf(err, "save model %s", name)
}

// LoadModel returns the snapshot stored under name.
func (s *Store) LoadModel(name string) (ml.Artifact, error) {
	var artifact ml.Artifact
	err := s.database.QueryRow(`
        SELECT topology, weights FROM models WHERE name = ?`, name).Scan(&artifact.Topology, &artifact.Weights)
	if errors.Is(err, sql.ErrNoRows) {
		return ml.Artifact{}, errors.Wrap(ErrModelNotFound, name)
	}
	if err != nil {
		return ml.Artifact{}, errors.Wrapf(err, "load model %s", name)
	}
	return artifact, nil
}

// ModelInfo describes a stored snapshot.
type ModelInfo struct {
	Name    string    `json:"name"`
	Size    int       `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// ListModels returns stored snapshots by name.
func (s *Store) ListModels() ([]ModelInfo, error) {
	rows, err := s.database.Query(`
        SELECT name, length(weights), saved_at FROM models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := make([]ModelInfo, 0)
	for rows.Next() {
		var m ModelInfo
		if err := rows.Scan(&m.Name, &m.Size, &m.SavedAt); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// OnRunStart records the run. Failures are logged; they never stop training.
func (s *Store) OnRunStart(run pipeline.RunInfo) {
	if err := s.StartRun(run); err != nil {
		s.logger.Warn("record run start failed", zap.String("run", run.ID), zap.Error(err))
	}
}

// OnEpoch records one epoch.
func (s *Store) OnEpoch(run pipeline.RunInfo, epoch int, metrics ml.EpochMetrics) {
	if err := s.RecordEpoch(run.ID, epoch, metrics); err != nil {
		s.logger.Warn("record epoch failed", zap.String("run", run.ID), zap.Int("epoch", epoch), zap.Error(err))
	}
}

// OnRunEnd records the terminal state.
func (s *Store) OnRunEnd(result pipeline.RunResult) {
	if err := s.FinishRun(result); err != nil {
		s.logger.Warn("record run end failed", zap.String("run", result.Run.ID), zap.Error(err))
	}
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
