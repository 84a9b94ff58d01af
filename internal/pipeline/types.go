package pipeline

import (
	"image"
	"path/filepath"
	"strings"
	"time"
)

// ThreatLevel is the escalation level of a single track
type ThreatLevel int

const (
	// LevelIdle - nothing suspicious observed (green)
	LevelIdle ThreatLevel = iota
	// LevelSuspicious - violent observations counted but below the trigger count (orange)
	LevelSuspicious
	// LevelConfirmed - latched threat, only the deep reasoner can release it (red)
	LevelConfirmed
)

// String returns the lowercase level name used in events and the API
func (l ThreatLevel) String() string {
	switch l {
	case LevelIdle:
		return "idle"
	case LevelSuspicious:
		return "suspicious"
	case LevelConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// FrameData represents a captured video frame
type FrameData struct {
	CameraID  string      // Camera identifier
	Data      []byte      // JPEG frame data (may be nil for synthetic frames)
	Image     image.Image // Decoded frame
	Seq       uint64      // Frame sequence number
	Timestamp time.Time   // Capture timestamp
}

// Width returns the decoded frame width
func (f *FrameData) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the decoded frame height
func (f *FrameData) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Rect converts the box to an integer rectangle. Inverted boxes are kept
// inverted (and therefore Empty) rather than canonicalized.
func (b BBox) Rect() image.Rectangle {
	return image.Rectangle{
		Min: image.Pt(int(b.X1), int(b.Y1)),
		Max: image.Pt(int(b.X2), int(b.Y2)),
	}
}

// Detection is a single tracked object produced by the external detector+tracker
type Detection struct {
	TrackID    int     `json:"track_id"`
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// AnalysisJob is a ready clip handed from the scheduler to the analysis worker
type AnalysisJob struct {
	TrackID int
	Clip    []image.Image
}

// ActionScores is the classifier output for one clip
type ActionScores struct {
	// Probabilities maps prompt text to probability; values sum to 1
	Probabilities map[string]float64
	// MaxSimilarity is the highest raw (pre-softmax) similarity across prompts
	MaxSimilarity float64
}

// Top returns the argmax label and its score. Ties resolve to the
// lexically smaller label so results are stable.
func (s *ActionScores) Top() (string, float64) {
	if s == nil {
		return "", 0
	}
	var (
		best      string
		bestScore = -1.0
	)
	for label, score := range s.Probabilities {
		if score > bestScore || (score == bestScore && label < best) {
			best, bestScore = label, score
		}
	}
	if bestScore < 0 {
		return "", 0
	}
	return best, bestScore
}

// IncidentReport is the structured verdict of the deep reasoner
type IncidentReport struct {
	IncidentID     string         `json:"incident_id,omitempty"`
	VideoPath      string         `json:"video_path,omitempty"`
	TrackIDs       []int          `json:"track_ids,omitempty"`
	ThreatDetected bool           `json:"threat_detected"`
	Classification string         `json:"classification,omitempty"`
	Description    string         `json:"description"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Reasoner       string         `json:"reasoner,omitempty"`
	Model          string         `json:"model,omitempty"`
	AnalyzedAt     time.Time      `json:"analyzed_at"`
	Details        map[string]any `json:"details,omitempty"`
}

// ThreatSnapshot is a copy of one track's escalation state, safe to hand out
type ThreatSnapshot struct {
	TrackID         int             `json:"track_id"`
	Level           ThreatLevel     `json:"level"`
	StrikeCount     int             `json:"strike_count"`
	Label           string          `json:"label"`
	IncidentSummary *IncidentReport `json:"incident_summary,omitempty"`
	LastSeen        time.Time       `json:"last_seen"`
}

// Incident describes one recording, from trigger to finalize
type Incident struct {
	ID           string    `json:"id"`
	CameraID     string    `json:"camera_id"`
	VideoPath    string    `json:"video_path"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
	TrackIDs     []int     `json:"track_ids"`
	StartedAt    time.Time `json:"started_at"`
	FinalizedAt  time.Time `json:"finalized_at,omitempty"`
	FrameCount   int       `json:"frame_count"`
	Forced       bool      `json:"forced"` // finalized by shutdown rather than countdown
}

// ReportPath returns the sibling JSON report path for an incident video
func ReportPath(videoPath string) string {
	return trimExt(videoPath) + ReportSuffix
}

// SnapshotPath returns the sibling snapshot path for an incident video
func SnapshotPath(videoPath string) string {
	return trimExt(videoPath) + SnapshotSuffix
}

const (
	// ReportSuffix is appended to the video base name for the reasoner report
	ReportSuffix = "_report.json"
	// SnapshotSuffix is appended to the video base name for the trigger snapshot
	SnapshotSuffix = "_snapshot.jpg"
)

func trimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// MonitorStats contains pipeline counters exposed on the status API
type MonitorStats struct {
	CameraID          string `json:"camera_id"`
	Running           bool   `json:"running"`
	FramesIngested    uint64 `json:"frames_ingested"`
	DetectErrors      uint64 `json:"detect_errors"`
	JobsSubmitted     uint64 `json:"jobs_submitted"`
	JobsDropped       uint64 `json:"jobs_dropped"`
	JobsAnalyzed      uint64 `json:"jobs_analyzed"`
	JobsFailed        uint64 `json:"jobs_failed"`
	MailboxBusy       bool   `json:"mailbox_busy"`
	TrackedIDs        int    `json:"tracked_ids"`
	Recording         bool   `json:"recording"`
	IncidentsStarted  uint64 `json:"incidents_started"`
	IncidentsFinished uint64 `json:"incidents_finished"`
	ReasoningPending  int    `json:"reasoning_pending"`
	ReportsWritten    uint64 `json:"reports_written"`
	ReportsFailed     uint64 `json:"reports_failed"`
}
