package database

import (
	"context"
	"io"
	"log"
	"time"

	"sentinai/internal/pipeline"
)

// EventLogger persists pipeline events: level changes go to threat_events,
// incident lifecycle events drive the incidents status column
type EventLogger struct {
	db        *Database
	logger    *log.Logger
	retention time.Duration
	interval  time.Duration
}

// NewEventLogger creates an event logger. A retention of zero keeps events
// forever.
func NewEventLogger(db *Database, retention time.Duration, logger *log.Logger) *EventLogger {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &EventLogger{db: db, logger: logger, retention: retention, interval: time.Hour}
}

// Run consumes events until ctx is cancelled or the channel is closed
func (l *EventLogger) Run(ctx context.Context, events <-chan *pipeline.ThreatEvent) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := l.Handle(ev); err != nil {
				l.logger.Printf("[DB] Failed to persist %s event: %v", ev.Type, err)
			}
		case <-ticker.C:
			l.prune()
		}
	}
}

// Handle persists one event
func (l *EventLogger) Handle(ev *pipeline.ThreatEvent) error {
	switch ev.Type {
	case pipeline.EventThreatUpdate:
		if ev.Track == nil {
			return nil
		}
		return l.db.SaveThreatEvent(&ThreatEventRecord{
			CameraID:      ev.CameraID,
			TrackID:       ev.Track.TrackID,
			Level:         ev.Track.Level.String(),
			PreviousLevel: ev.Previous.String(),
			Label:         ev.Track.Label,
			StrikeCount:   ev.Track.StrikeCount,
			Timestamp:     ev.Timestamp,
		})

	case pipeline.EventIncidentStarted:
		if ev.Incident == nil {
			return nil
		}
		return l.db.InsertIncident(incidentRecord(ev.Incident))

	case pipeline.EventIncidentFinalized:
		if ev.Incident == nil {
			return nil
		}
		rec := incidentRecord(ev.Incident)
		rec.ReportPath = pipeline.ReportPath(ev.Incident.VideoPath)
		return l.db.MarkFinalized(rec)

	case pipeline.EventIncidentAnalyzed:
		if ev.Incident == nil || ev.Report == nil {
			return nil
		}
		r := ev.Report
		return l.db.MarkAnalyzed(ev.Incident.ID, r.ThreatDetected, r.Classification, r.Description, r.Reasoner, r.AnalyzedAt)

	case pipeline.EventIncidentFailed:
		if ev.Incident == nil {
			return nil
		}
		return l.db.MarkFailed(ev.Incident.ID, ev.Error)
	}
	return nil
}

func (l *EventLogger) prune() {
	if l.retention <= 0 {
		return
	}
	n, err := l.db.DeleteOldThreatEvents(time.Now().Add(-l.retention))
	if err != nil {
		l.logger.Printf("[DB] Retention cleanup failed: %v", err)
		return
	}
	if n > 0 {
		l.logger.Printf("[DB] Deleted %d threat events older than %v", n, l.retention)
	}
}

func incidentRecord(inc *pipeline.Incident) *IncidentRecord {
	return &IncidentRecord{
		ID:           inc.ID,
		CameraID:     inc.CameraID,
		VideoPath:    inc.VideoPath,
		SnapshotPath: inc.SnapshotPath,
		TrackIDs:     append([]int(nil), inc.TrackIDs...),
		StartedAt:    inc.StartedAt,
		FinalizedAt:  finalizedAt(inc.FinalizedAt),
		FrameCount:   inc.FrameCount,
		Forced:       inc.Forced,
	}
}

func finalizedAt(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
