package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates its schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	klog.V(2).InfoS("Opened SQLite store", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		seq                INTEGER PRIMARY KEY AUTOINCREMENT,
		id                 TEXT NOT NULL UNIQUE,
		property_id        TEXT NOT NULL,
		week               INTEGER NOT NULL,
		year               INTEGER NOT NULL,
		weekly_walk_ins    INTEGER NOT NULL,
		confidence_score   REAL NOT NULL,
		confidence_tier    TEXT NOT NULL,
		model_version      TEXT NOT NULL,
		market             TEXT DEFAULT '',
		base_forecast      REAL NOT NULL,
		signal_strength    REAL NOT NULL,
		multiplier         REAL NOT NULL,
		applied_factor_ids TEXT DEFAULT '[]', -- JSON array
		source             TEXT DEFAULT '',
		created_at         DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_bucket ON predictions(property_id, year, week, model_version);

	CREATE TABLE IF NOT EXISTS measurements (
		seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
		id                     TEXT NOT NULL UNIQUE,
		property_id            TEXT NOT NULL,
		measurement_date       DATETIME NOT NULL,
		week                   INTEGER NOT NULL,
		year                   INTEGER NOT NULL,
		total_walk_ins         INTEGER NOT NULL,
		method                 TEXT DEFAULT '',
		measurement_confidence REAL NOT NULL,
		weather                TEXT DEFAULT '',
		temperature_c          REAL,
		special_events         TEXT DEFAULT '[]', -- JSON array
		notes                  TEXT DEFAULT '',
		created_at             DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_property_date ON measurements(property_id, measurement_date);

	CREATE TABLE IF NOT EXISTS validation_results (
		seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
		id                     TEXT NOT NULL UNIQUE,
		property_id            TEXT NOT NULL,
		week                   INTEGER NOT NULL,
		year                   INTEGER NOT NULL,
		predicted              INTEGER NOT NULL,
		actual                 INTEGER NOT NULL,
		absolute_error         INTEGER NOT NULL,
		percentage_error       REAL,
		direction              TEXT NOT NULL,
		prediction_confidence  REAL NOT NULL,
		measurement_confidence REAL NOT NULL,
		model_version          TEXT NOT NULL,
		prediction_id          TEXT NOT NULL,
		measurement_id         TEXT NOT NULL,
		is_outlier             INTEGER NOT NULL DEFAULT 0,
		created_at             DATETIME NOT NULL,
		UNIQUE(prediction_id, measurement_id)
	);
	CREATE INDEX IF NOT EXISTS idx_validation_created ON validation_results(created_at);

	CREATE TABLE IF NOT EXISTS calibration_factors (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		factor_type TEXT NOT NULL,
		factor_key  TEXT NOT NULL,
		multiplier  REAL NOT NULL CHECK (multiplier > 0),
		reason      TEXT DEFAULT '',
		expires_at  DATETIME,
		created_by  TEXT DEFAULT '',
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_factors_scope ON calibration_factors(factor_type, factor_key);

	CREATE TABLE IF NOT EXISTS performance_snapshots (
		month                      DATETIME PRIMARY KEY,
		mape                       REAL,
		validation_count           INTEGER NOT NULL,
		outlier_count              INTEGER NOT NULL,
		avg_confidence             REAL NOT NULL,
		avg_measurement_confidence REAL NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

const predictionColumns = `id, property_id, week, year, weekly_walk_ins, confidence_score, confidence_tier,
	model_version, market, base_forecast, signal_strength, multiplier, applied_factor_ids, source, created_at`

const measurementColumns = `id, property_id, measurement_date, week, year, total_walk_ins, method,
	measurement_confidence, weather, temperature_c, special_events, notes, created_at`

const validationColumns = `id, property_id, week, year, predicted, actual, absolute_error, percentage_error,
	direction, prediction_confidence, measurement_confidence, model_version, prediction_id, measurement_id,
	is_outlier, created_at`

const factorColumns = `id, factor_type, factor_key, multiplier, reason, expires_at, created_by, created_at`

func (s *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"insert_prediction": `INSERT INTO predictions (` + predictionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"current_prediction": `SELECT ` + predictionColumns + ` FROM predictions
			WHERE property_id = ? AND week = ? AND year = ? AND (? = '' OR model_version = ?)
			ORDER BY created_at DESC, seq DESC LIMIT 1`,
		"list_predictions": `SELECT ` + predictionColumns + ` FROM predictions
			WHERE property_id = ? AND week = ? AND year = ?
			ORDER BY created_at ASC, seq ASC`,
		"insert_measurement": `INSERT OR IGNORE INTO measurements (` + measurementColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"get_measurement": `SELECT ` + measurementColumns + ` FROM measurements WHERE id = ?`,
		"insert_validation": `INSERT OR IGNORE INTO validation_results (` + validationColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"get_validation_pair": `SELECT ` + validationColumns + ` FROM validation_results
			WHERE prediction_id = ? AND measurement_id = ?`,
		"list_validations": `SELECT ` + validationColumns + ` FROM validation_results
			WHERE (? = '' OR property_id = ?) AND created_at >= ?
			ORDER BY created_at ASC, seq ASC`,
		"insert_factor": `INSERT INTO calibration_factors (` + factorColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"list_snapshots": `SELECT month, mape, validation_count, outlier_count, avg_confidence, avg_measurement_confidence
			FROM performance_snapshots ORDER BY month DESC`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// SavePrediction appends a prediction row
func (s *SQLiteStore) SavePrediction(ctx context.Context, p *types.Prediction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	factorIDs, err := marshalStrings(p.AppliedFactorIDs)
	if err != nil {
		return err
	}

	_, err = s.prepared["insert_prediction"].ExecContext(ctx,
		p.ID, p.PropertyID, p.Week, p.Year, p.WeeklyWalkIns, p.Confidence.Score, string(p.Confidence.Tier),
		p.ModelVersion, p.Market, p.BaseForecast, p.SignalStrength, p.Multiplier, factorIDs, p.Source,
		p.CreatedAt.UTC(),
	)
	if err != nil {
		klog.V(2).InfoS("Failed to store prediction", "error", err, "propertyID", p.PropertyID)
		return fmt.Errorf("failed to store prediction: %w", err)
	}
	return nil
}

// CurrentPrediction returns the newest prediction in the bucket
func (s *SQLiteStore) CurrentPrediction(ctx context.Context, propertyID string, bucket types.Bucket, modelVersion string) (*types.Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.prepared["current_prediction"].QueryRowContext(ctx, propertyID, bucket.Week, bucket.Year, modelVersion, modelVersion)
	p, err := scanPrediction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current prediction: %w", err)
	}
	return p, nil
}

// ListPredictions returns the bucket's audit trail
func (s *SQLiteStore) ListPredictions(ctx context.Context, propertyID string, bucket types.Bucket) ([]types.Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["list_predictions"].QueryContext(ctx, propertyID, bucket.Week, bucket.Year)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []types.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// SaveMeasurement inserts a measurement unless its ID is already stored
func (s *SQLiteStore) SaveMeasurement(ctx context.Context, m *types.Measurement) (*types.Measurement, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	events, err := marshalStrings(m.SpecialEvents)
	if err != nil {
		return nil, false, err
	}

	var temp sql.NullFloat64
	if m.TemperatureC != nil {
		temp = sql.NullFloat64{Float64: *m.TemperatureC, Valid: true}
	}

	result, err := s.prepared["insert_measurement"].ExecContext(ctx,
		m.ID, m.PropertyID, m.MeasurementDate.UTC(), m.Week, m.Year, m.TotalWalkIns, m.Method,
		m.MeasurementConfidence, m.Weather, temp, events, m.Notes, m.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store measurement: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	stored, err := scanMeasurement(s.prepared["get_measurement"].QueryRowContext(ctx, m.ID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back measurement: %w", err)
	}
	return stored, rowsAffected == 1, nil
}

// ListMeasurements returns measurements of the given properties since a date
func (s *SQLiteStore) ListMeasurements(ctx context.Context, propertyIDs []string, since time.Time) ([]types.Measurement, error) {
	if len(propertyIDs) == 0 {
		return nil, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(propertyIDs)), ",")
	query := `SELECT ` + measurementColumns + ` FROM measurements
		WHERE property_id IN (` + placeholders + `) AND measurement_date >= ?
		ORDER BY measurement_date ASC, seq ASC`

	args := make([]any, 0, len(propertyIDs)+1)
	for _, id := range propertyIDs {
		args = append(args, id)
	}
	args = append(args, since.UTC())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []types.Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// SaveValidation inserts a validation unless the (prediction, measurement) pair exists
func (s *SQLiteStore) SaveValidation(ctx context.Context, v *types.ValidationResult) (*types.ValidationResult, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var pct sql.NullFloat64
	if v.PercentageError != nil {
		pct = sql.NullFloat64{Float64: *v.PercentageError, Valid: true}
	}

	result, err := s.prepared["insert_validation"].ExecContext(ctx,
		v.ID, v.PropertyID, v.Week, v.Year, v.Predicted, v.Actual, v.AbsoluteError, pct,
		string(v.Direction), v.PredictionConfidence, v.MeasurementConfidence, v.ModelVersion,
		v.PredictionID, v.MeasurementID, v.IsOutlier, v.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store validation: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	stored, err := scanValidation(s.prepared["get_validation_pair"].QueryRowContext(ctx, v.PredictionID, v.MeasurementID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back validation: %w", err)
	}
	return stored, rowsAffected == 1, nil
}

// ListValidations returns validations matching the filter
func (s *SQLiteStore) ListValidations(ctx context.Context, filter ValidationFilter) ([]types.ValidationResult, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["list_validations"].QueryContext(ctx, filter.PropertyID, filter.PropertyID, filter.Since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query validations: %w", err)
	}
	defer rows.Close()

	var out []types.ValidationResult
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// SaveFactor appends a calibration factor
func (s *SQLiteStore) SaveFactor(ctx context.Context, f *types.CalibrationFactor) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var expires sql.NullTime
	if f.ExpiresAt != nil {
		expires = sql.NullTime{Time: f.ExpiresAt.UTC(), Valid: true}
	}

	_, err := s.prepared["insert_factor"].ExecContext(ctx,
		f.ID, f.FactorType, f.FactorKey, f.Multiplier, f.Reason, expires, f.CreatedBy, f.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store calibration factor: %w", err)
	}
	return nil
}

// ListFactors returns all factors for the given scopes
func (s *SQLiteStore) ListFactors(ctx context.Context, scopes []types.Scope) ([]types.CalibrationFactor, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	clauses := make([]string, 0, len(scopes))
	args := make([]any, 0, 2*len(scopes))
	for _, scope := range scopes {
		clauses = append(clauses, "(factor_type = ? AND factor_key = ?)")
		args = append(args, scope.Type, scope.Key)
	}
	query := `SELECT ` + factorColumns + ` FROM calibration_factors WHERE ` +
		strings.Join(clauses, " OR ") + ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration factors: %w", err)
	}
	defer rows.Close()

	var out []types.CalibrationFactor
	for rows.Next() {
		var f types.CalibrationFactor
		var expires sql.NullTime
		if err := rows.Scan(&f.ID, &f.FactorType, &f.FactorKey, &f.Multiplier, &f.Reason,
			&expires, &f.CreatedBy, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration factor: %w", err)
		}
		if expires.Valid {
			e := expires.Time
			f.ExpiresAt = &e
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// ReplaceSnapshots swaps the performance view in a single transaction
func (s *SQLiteStore) ReplaceSnapshots(ctx context.Context, snapshots []types.PerformanceSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM performance_snapshots`); err != nil {
		return fmt.Errorf("failed to clear performance snapshots: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO performance_snapshots
		(month, mape, validation_count, outlier_count, avg_confidence, avg_measurement_confidence)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		var mape sql.NullFloat64
		if snap.MAPE != nil {
			mape = sql.NullFloat64{Float64: *snap.MAPE, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, snap.Month.UTC(), mape, snap.ValidationCount, snap.OutlierCount,
			snap.AvgConfidence, snap.AvgMeasurementConfidence); err != nil {
			return fmt.Errorf("failed to store snapshot for %s: %w", snap.Month.Format("2006-01"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshots: %w", err)
	}

	klog.V(2).InfoS("Replaced performance snapshots", "count", len(snapshots))
	return nil
}

// ListSnapshots returns the materialized performance view
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]types.PerformanceSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["list_snapshots"].QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.PerformanceSnapshot
	for rows.Next() {
		var snap types.PerformanceSnapshot
		var mape sql.NullFloat64
		if err := rows.Scan(&snap.Month, &mape, &snap.ValidationCount, &snap.OutlierCount,
			&snap.AvgConfidence, &snap.AvgMeasurementConfidence); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if mape.Valid {
			m := mape.Float64
			snap.MAPE = &m
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Close closes prepared statements and the database connection
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}

	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner) (*types.Prediction, error) {
	var p types.Prediction
	var tier, factorIDs string
	err := row.Scan(&p.ID, &p.PropertyID, &p.Week, &p.Year, &p.WeeklyWalkIns, &p.Confidence.Score, &tier,
		&p.ModelVersion, &p.Market, &p.BaseForecast, &p.SignalStrength, &p.Multiplier, &factorIDs, &p.Source,
		&p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Confidence.Tier = types.ConfidenceTier(tier)
	if p.AppliedFactorIDs, err = unmarshalStrings(factorIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanMeasurement(row rowScanner) (*types.Measurement, error) {
	var m types.Measurement
	var temp sql.NullFloat64
	var events string
	err := row.Scan(&m.ID, &m.PropertyID, &m.MeasurementDate, &m.Week, &m.Year, &m.TotalWalkIns, &m.Method,
		&m.MeasurementConfidence, &m.Weather, &temp, &events, &m.Notes, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if temp.Valid {
		t := temp.Float64
		m.TemperatureC = &t
	}
	if m.SpecialEvents, err = unmarshalStrings(events); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanValidation(row rowScanner) (*types.ValidationResult, error) {
	var v types.ValidationResult
	var pct sql.NullFloat64
	var direction string
	err := row.Scan(&v.ID, &v.PropertyID, &v.Week, &v.Year, &v.Predicted, &v.Actual, &v.AbsoluteError, &pct,
		&direction, &v.PredictionConfidence, &v.MeasurementConfidence, &v.ModelVersion, &v.PredictionID,
		&v.MeasurementID, &v.IsOutlier, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Direction = types.Direction(direction)
	if pct.Valid {
		p := pct.Float64
		v.PercentageError = &p
	}
	return &v, nil
}

func marshalStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	return values, nil
}
