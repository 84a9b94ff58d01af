package ws

import (
	"encoding/base64"
	"fmt"
	"time"

	"sentinai/internal/pipeline"
)

// AlertMessage is the JSON pushed to alert subscribers
type AlertMessage struct {
	Type      string                   `json:"type"` // pipeline event type
	CameraID  string                   `json:"camera_id"`
	Timestamp time.Time                `json:"timestamp"`
	Track     *TrackAlert              `json:"track,omitempty"`
	Incident  *pipeline.Incident       `json:"incident,omitempty"`
	Report    *pipeline.IncidentReport `json:"report,omitempty"`
	Snapshot  string                   `json:"snapshot,omitempty"` // Base64 encoded JPEG trigger frame
	Error     string                   `json:"error,omitempty"`
}

// TrackAlert describes one track's level change
type TrackAlert struct {
	TrackID       int    `json:"track_id"`
	Level         string `json:"level"`
	PreviousLevel string `json:"previous_level"`
	Label         string `json:"label"`
	StrikeCount   int    `json:"strike_count"`
	Color         string `json:"color"` // CSS hex of the overlay colour
}

// NewAlertMessage converts a pipeline event
func NewAlertMessage(ev *pipeline.ThreatEvent) *AlertMessage {
	msg := &AlertMessage{
		Type:      string(ev.Type),
		CameraID:  ev.CameraID,
		Timestamp: ev.Timestamp,
		Incident:  ev.Incident,
		Report:    ev.Report,
		Error:     ev.Error,
	}
	if ev.Track != nil {
		c := pipeline.LevelColor(ev.Track.Level)
		msg.Track = &TrackAlert{
			TrackID:       ev.Track.TrackID,
			Level:         ev.Track.Level.String(),
			PreviousLevel: ev.Previous.String(),
			Label:         ev.Track.Label,
			StrikeCount:   ev.Track.StrikeCount,
			Color:         hexColor(c.R, c.G, c.B),
		}
	}
	if len(ev.Snapshot) > 0 {
		msg.Snapshot = base64.StdEncoding.EncodeToString(ev.Snapshot)
	}
	return msg
}

func hexColor(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}
