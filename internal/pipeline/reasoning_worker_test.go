package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func incidentAt(dir string, n int, tracks ...int) *Incident {
	path := filepath.Join(dir, fmt.Sprintf("incident_%d.mjpeg", n))
	return &Incident{ID: fmt.Sprintf("id-%d-0000000", n), CameraID: "test", VideoPath: path, TrackIDs: tracks}
}

func TestReasoningWorkerDrainGuarantee(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	reasoner := &slowReasoner{delay: 20 * time.Millisecond, threat: true}
	w := NewReasoningWorker(cfg, reasoner, nil, nil, nil)
	w.Start(context.Background())

	const n = 5
	for i := 0; i < n; i++ {
		w.Enqueue(incidentAt(dir, i, 1))
	}

	require.NoError(t, w.Drain(context.Background()))
	w.Stop()

	assert.EqualValues(t, n, w.Written())
	assert.Zero(t, w.Pending())
	for i := 0; i < n; i++ {
		report, err := ReadReport(ReportPath(incidentAt(dir, i).VideoPath))
		require.NoError(t, err)
		assert.True(t, report.ThreatDetected)
		assert.Equal(t, "fake", report.Reasoner)
	}

	// FIFO order
	analyzed := reasoner.analyzed()
	require.Len(t, analyzed, n)
	for i, p := range analyzed {
		assert.Equal(t, incidentAt(dir, i).VideoPath, p)
	}
}

func TestReasoningWorkerFeedsTracker(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	tracker := NewThreatTracker(cfg, nil, nil)
	for i := 0; i < 3; i++ {
		tracker.ObserveAction(3, true, punching, 0.9)
	}
	tracker.ObserveAction(4, true, punching, 0.9)

	w := NewReasoningWorker(cfg, &slowReasoner{threat: false}, tracker, nil, nil)
	report, err := w.Process(context.Background(), incidentAt(dir, 1, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, report.TrackIDs)

	for _, id := range []int{3, 4} {
		snap, ok := tracker.Get(id)
		require.True(t, ok)
		assert.Equal(t, LevelIdle, snap.Level, "track %d released", id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "incident_1_report.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"threat_detected\": false")
}

func TestReasoningWorkerFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	reasoner := &slowReasoner{err: errors.New("model offline")}
	pub := &recordingPublisher{}
	w := NewReasoningWorker(cfg, reasoner, nil, pub, nil)
	w.Start(context.Background())

	w.Enqueue(incidentAt(dir, 1))
	w.Enqueue(incidentAt(dir, 2))
	require.NoError(t, w.Drain(context.Background()))
	w.Stop()

	assert.EqualValues(t, 2, w.Failed())
	assert.Zero(t, w.Written())
	assert.Len(t, pub.ofType(EventIncidentFailed), 2)
	assert.Len(t, reasoner.analyzed(), 2, "no automatic retry")

	_, err := os.Stat(ReportPath(incidentAt(dir, 1).VideoPath))
	assert.True(t, os.IsNotExist(err))
}

func TestReasoningWorkerDrainTimeout(t *testing.T) {
	cfg := testConfig()
	w := NewReasoningWorker(cfg, &slowReasoner{}, nil, nil, nil)
	// Not started: nothing consumes the queue
	w.Enqueue(incidentAt(t.TempDir(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Drain(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, w.Pending())
}
