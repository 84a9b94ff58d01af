package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Incident statuses
const (
	StatusRecording       = "recording"
	StatusPendingAnalysis = "pending_analysis"
	StatusAnalyzed        = "analyzed"
	StatusFailed          = "failed"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *log.Logger
}

// IncidentRecord represents an incident stored in the database
type IncidentRecord struct {
	ID             string     `json:"id"`
	CameraID       string     `json:"camera_id"`
	VideoPath      string     `json:"video_path"`
	SnapshotPath   string     `json:"snapshot_path,omitempty"`
	ReportPath     string     `json:"report_path,omitempty"`
	TrackIDs       []int      `json:"track_ids"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
	FrameCount     int        `json:"frame_count"`
	Forced         bool       `json:"forced"`
	ThreatDetected *bool      `json:"threat_detected,omitempty"`
	Classification string     `json:"classification,omitempty"`
	Description    string     `json:"description,omitempty"`
	Reasoner       string     `json:"reasoner,omitempty"`
	Error          string     `json:"error,omitempty"`
	AnalyzedAt     *time.Time `json:"analyzed_at,omitempty"`
}

// ThreatEventRecord represents one escalation level change
type ThreatEventRecord struct {
	ID            int64     `json:"id"`
	CameraID      string    `json:"camera_id"`
	TrackID       int       `json:"track_id"`
	Level         string    `json:"level"`
	PreviousLevel string    `json:"previous_level"`
	Label         string    `json:"label"`
	StrikeCount   int       `json:"strike_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// New creates a new database connection
func New(dbPath string, logger *log.Logger) (*Database, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, logger: logger}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// InsertIncident records a new incident. Inserting an existing id is a no-op.
func (d *Database) InsertIncident(inc *IncidentRecord) error {
	tracks, err := json.Marshal(inc.TrackIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal track ids: %w", err)
	}
	status := inc.Status
	if status == "" {
		status = StatusRecording
	}

	query := `INSERT INTO incidents (id, camera_id, video_path, snapshot_path, track_ids, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err = d.db.Exec(query, inc.ID, inc.CameraID, inc.VideoPath, inc.SnapshotPath, string(tracks), status, inc.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// MarkFinalized records the closed video and moves the incident to
// pending_analysis. Unknown ids are inserted.
func (d *Database) MarkFinalized(inc *IncidentRecord) error {
	tracks, err := json.Marshal(inc.TrackIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal track ids: %w", err)
	}
	forced := 0
	if inc.Forced {
		forced = 1
	}

	query := `INSERT INTO incidents
		(id, camera_id, video_path, snapshot_path, report_path, track_ids, status, started_at, finalized_at, frame_count, forced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot_path = excluded.snapshot_path,
			report_path = excluded.report_path,
			track_ids = excluded.track_ids,
			status = excluded.status,
			finalized_at = excluded.finalized_at,
			frame_count = excluded.frame_count,
			forced = excluded.forced`

	_, err = d.db.Exec(query, inc.ID, inc.CameraID, inc.VideoPath, inc.SnapshotPath, inc.ReportPath,
		string(tracks), StatusPendingAnalysis, inc.StartedAt.UTC(), timeOrNil(inc.FinalizedAt), inc.FrameCount, forced)
	if err != nil {
		return fmt.Errorf("failed to finalize incident: %w", err)
	}
	return nil
}

// MarkAnalyzed stores the reasoner verdict
func (d *Database) MarkAnalyzed(id string, threat bool, classification, description, reasoner string, at time.Time) error {
	threatInt := 0
	if threat {
		threatInt = 1
	}
	query := `UPDATE incidents SET status = ?, threat_detected = ?, classification = ?, description = ?,
		reasoner = ?, analyzed_at = ?, error = NULL WHERE id = ?`

	res, err := d.db.Exec(query, StatusAnalyzed, threatInt, classification, description, reasoner, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark incident analyzed: %w", err)
	}
	return requireRow(res, id)
}

// MarkFailed records a recording or reasoning failure
func (d *Database) MarkFailed(id, reason string) error {
	res, err := d.db.Exec("UPDATE incidents SET status = ?, error = ? WHERE id = ?", StatusFailed, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark incident failed: %w", err)
	}
	return requireRow(res, id)
}

const incidentColumns = `id, camera_id, video_path, COALESCE(snapshot_path, ''), COALESCE(report_path, ''),
	COALESCE(track_ids, '[]'), status, started_at, finalized_at, COALESCE(frame_count, 0), COALESCE(forced, 0),
	threat_detected, COALESCE(classification, ''), COALESCE(description, ''), COALESCE(reasoner, ''),
	COALESCE(error, ''), analyzed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*IncidentRecord, error) {
	var inc IncidentRecord
	var tracks string
	var finalized, analyzed sql.NullTime
	var forced int
	var threat sql.NullInt64

	if err := row.Scan(&inc.ID, &inc.CameraID, &inc.VideoPath, &inc.SnapshotPath, &inc.ReportPath,
		&tracks, &inc.Status, &inc.StartedAt, &finalized, &inc.FrameCount, &forced,
		&threat, &inc.Classification, &inc.Description, &inc.Reasoner, &inc.Error, &analyzed); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tracks), &inc.TrackIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal track ids: %w", err)
	}
	inc.Forced = forced == 1
	if finalized.Valid {
		t := finalized.Time
		inc.FinalizedAt = &t
	}
	if analyzed.Valid {
		t := analyzed.Time
		inc.AnalyzedAt = &t
	}
	if threat.Valid {
		b := threat.Int64 == 1
		inc.ThreatDetected = &b
	}
	return &inc, nil
}

// GetIncident retrieves an incident by ID
func (d *Database) GetIncident(id string) (*IncidentRecord, error) {
	row := d.db.QueryRow("SELECT "+incidentColumns+" FROM incidents WHERE id = ?", id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// IncidentFilter narrows ListIncidents
type IncidentFilter struct {
	CameraID string
	Status   string
	Since    *time.Time
	Limit    int
}

// ListIncidents returns incidents, newest first
func (d *Database) ListIncidents(f IncidentFilter) ([]*IncidentRecord, error) {
	query := "SELECT " + incidentColumns + " FROM incidents WHERE 1=1"
	args := []interface{}{}

	if f.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, f.CameraID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, f.Since.UTC())
	}

	query += " ORDER BY started_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*IncidentRecord{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// SaveThreatEvent appends a level change to the event log
func (d *Database) SaveThreatEvent(ev *ThreatEventRecord) error {
	query := `INSERT INTO threat_events (camera_id, track_id, level, previous_level, label, strike_count, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := d.db.Exec(query, ev.CameraID, ev.TrackID, ev.Level, ev.PreviousLevel, ev.Label, ev.StrikeCount, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save threat event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListThreatEvents returns level changes, newest first
func (d *Database) ListThreatEvents(cameraID string, since *time.Time, limit int) ([]*ThreatEventRecord, error) {
	query := `SELECT id, camera_id, track_id, level, previous_level, COALESCE(label, ''), strike_count, timestamp
		FROM threat_events WHERE 1=1`
	args := []interface{}{}

	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threat events: %w", err)
	}
	defer rows.Close()

	events := []*ThreatEventRecord{}
	for rows.Next() {
		var ev ThreatEventRecord
		if err := rows.Scan(&ev.ID, &ev.CameraID, &ev.TrackID, &ev.Level, &ev.PreviousLevel,
			&ev.Label, &ev.StrikeCount, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan threat event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// DeleteOldThreatEvents deletes events older than the specified time
func (d *Database) DeleteOldThreatEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM threat_events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old threat events: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
