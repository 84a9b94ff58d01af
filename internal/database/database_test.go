package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinai/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "sentinai.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestIncidentLifecycle(t *testing.T) {
	db := openTestDB(t)
	logger := NewEventLogger(db, 0, nil)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inc := &pipeline.Incident{
		ID:        "a1b2c3d4-0000",
		CameraID:  "cam0",
		VideoPath: "/data/incident_20260301_120000_a1b2c3d4.mjpeg",
		TrackIDs:  []int{7},
		StartedAt: start,
	}

	require.NoError(t, logger.Handle(&pipeline.ThreatEvent{Type: pipeline.EventIncidentStarted, Incident: inc}))
	rec, err := db.GetIncident(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, rec.Status)
	assert.Nil(t, rec.FinalizedAt)
	assert.Nil(t, rec.ThreatDetected)

	finalized := *inc
	finalized.TrackIDs = []int{7, 9}
	finalized.FinalizedAt = start.Add(8 * time.Second)
	finalized.FrameCount = 120
	finalized.SnapshotPath = "/data/incident_20260301_120000_a1b2c3d4_snapshot.jpg"
	require.NoError(t, logger.Handle(&pipeline.ThreatEvent{Type: pipeline.EventIncidentFinalized, Incident: &finalized}))

	rec, err = db.GetIncident(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingAnalysis, rec.Status)
	assert.Equal(t, 120, rec.FrameCount)
	assert.Equal(t, "/data/incident_20260301_120000_a1b2c3d4_report.json", rec.ReportPath)
	if diff := cmp.Diff([]int{7, 9}, rec.TrackIDs); diff != "" {
		t.Errorf("track ids mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, rec.FinalizedAt)
	assert.True(t, rec.FinalizedAt.Equal(finalized.FinalizedAt))

	report := &pipeline.IncidentReport{
		ThreatDetected: true,
		Classification: "assault",
		Description:    "two people fighting",
		Reasoner:       "local",
		AnalyzedAt:     start.Add(30 * time.Second),
	}
	require.NoError(t, logger.Handle(&pipeline.ThreatEvent{Type: pipeline.EventIncidentAnalyzed, Incident: &finalized, Report: report}))

	rec, err = db.GetIncident(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzed, rec.Status)
	require.NotNil(t, rec.ThreatDetected)
	assert.True(t, *rec.ThreatDetected)
	assert.Equal(t, "assault", rec.Classification)
	assert.Equal(t, "local", rec.Reasoner)
	require.NotNil(t, rec.AnalyzedAt)
}

func TestFinalizeWithoutStart(t *testing.T) {
	db := openTestDB(t)
	logger := NewEventLogger(db, 0, nil)

	inc := &pipeline.Incident{ID: "late", CameraID: "cam0", VideoPath: "/x.mjpeg", StartedAt: time.Now(), Forced: true}
	require.NoError(t, logger.Handle(&pipeline.ThreatEvent{Type: pipeline.EventIncidentFinalized, Incident: inc}))

	rec, err := db.GetIncident("late")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingAnalysis, rec.Status)
	assert.True(t, rec.Forced)
}

func TestMarkFailed(t *testing.T) {
	db := openTestDB(t)
	logger := NewEventLogger(db, 0, nil)

	inc := &pipeline.Incident{ID: "f1", CameraID: "cam0", VideoPath: "/f1.mjpeg", StartedAt: time.Now()}
	require.NoError(t, logger.Handle(&pipeline.ThreatEvent{Type: pipeline.EventIncidentStarted, Incident: inc}))
	require.NoError(t, logger.Handle(&pipeline.ThreatEvent{Type: pipeline.EventIncidentFailed, Incident: inc, Error: "model unreachable"}))

	rec, err := db.GetIncident("f1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "model unreachable", rec.Error)

	err = db.MarkFailed("missing", "x")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = db.GetIncident("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListIncidents(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"one", "two", "three"} {
		camera := "cam0"
		if id == "two" {
			camera = "cam1"
		}
		require.NoError(t, db.InsertIncident(&IncidentRecord{
			ID:        id,
			CameraID:  camera,
			VideoPath: "/" + id,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, db.MarkFailed("three", "boom"))

	ids := func(recs []*IncidentRecord) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := db.ListIncidents(IncidentFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "two", "one"}, ids(all))

	cam0, err := db.ListIncidents(IncidentFilter{CameraID: "cam0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "one"}, ids(cam0))

	recording, err := db.ListIncidents(IncidentFilter{Status: StatusRecording})
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "one"}, ids(recording))

	since := base.Add(30 * time.Minute)
	limited, err := db.ListIncidents(IncidentFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, ids(limited))
}

func TestThreatEventsAndRetention(t *testing.T) {
	db := openTestDB(t)
	logger := NewEventLogger(db, time.Hour, nil)
	now := time.Now().UTC()

	publish := func(id int, level, prev pipeline.ThreatLevel, at time.Time) {
		require.NoError(t, logger.Handle(&pipeline.ThreatEvent{
			Type:      pipeline.EventThreatUpdate,
			CameraID:  "cam0",
			Timestamp: at,
			Track:     &pipeline.ThreatSnapshot{TrackID: id, Level: level, Label: "x", StrikeCount: 1},
			Previous:  prev,
		}))
	}
	publish(1, pipeline.LevelSuspicious, pipeline.LevelIdle, now.Add(-3*time.Hour))
	publish(1, pipeline.LevelConfirmed, pipeline.LevelSuspicious, now.Add(-time.Minute))
	publish(2, pipeline.LevelSuspicious, pipeline.LevelIdle, now)

	events, err := db.ListThreatEvents("cam0", nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].TrackID)
	assert.Equal(t, "confirmed", events[1].Level)
	assert.Equal(t, "suspicious", events[1].PreviousLevel)

	logger.prune()

	events, err = db.ListThreatEvents("", nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEventLoggerKeepsBurstOfIncidents(t *testing.T) {
	db := openTestDB(t)
	bus := pipeline.NewEventBus()
	events, unsubscribe := bus.SubscribeQueue()
	defer unsubscribe()

	// Published before the logger starts reading
	start := time.Now().UTC()
	for i := 0; i < 40; i++ {
		inc := &pipeline.Incident{
			ID:        fmt.Sprintf("burst-%02d", i),
			CameraID:  "cam0",
			VideoPath: fmt.Sprintf("/data/burst_%02d.mjpeg", i),
			StartedAt: start.Add(time.Duration(i) * time.Second),
		}
		bus.Publish(&pipeline.ThreatEvent{Type: pipeline.EventIncidentStarted, Incident: inc})
		finalized := *inc
		finalized.FinalizedAt = inc.StartedAt.Add(time.Second)
		bus.Publish(&pipeline.ThreatEvent{Type: pipeline.EventIncidentFinalized, Incident: &finalized})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewEventLogger(db, 0, nil).Run(context.Background(), events)
	}()
	bus.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event logger did not drain")
	}

	recs, err := db.ListIncidents(IncidentFilter{Status: StatusPendingAnalysis, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, recs, 40)
}
