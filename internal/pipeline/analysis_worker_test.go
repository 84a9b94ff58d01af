package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTrigger struct {
	mu      sync.Mutex
	calls   [][]int
	extends int
}

func (c *countingTrigger) Trigger(trackIDs ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, trackIDs)
	return nil
}

func (c *countingTrigger) Extend(trackIDs ...int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extends++
	return true
}

func (c *countingTrigger) extended() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extends
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CameraID = "test"
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func clip(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = image.NewRGBA(image.Rect(0, 0, 4, 4))
	}
	return out
}

func TestVerdictOpenSetGate(t *testing.T) {
	label, score := Verdict(&ActionScores{
		Probabilities: map[string]float64{punching: 0.95, PromptWalking: 0.05},
		MaxSimilarity: 0.12,
	}, 0.20)
	assert.Equal(t, UnknownLabel, label)
	assert.Equal(t, 1.0, score)

	label, score = Verdict(violent(0.8), 0.20)
	assert.Equal(t, punching, label)
	assert.InDelta(t, 0.8, score, 1e-9)

	label, _ = Verdict(nil, 0.2)
	assert.Equal(t, UnknownLabel, label)
}

func TestAnalyzeScenario(t *testing.T) {
	cfg := testConfig()
	tracker := NewThreatTracker(cfg, nil, nil)
	trigger := &countingTrigger{}
	classifier := &scriptedClassifier{script: []*ActionScores{violent(0.8), violent(0.8), violent(0.8), violent(0.9)}}
	w := NewAnalysisWorker(cfg, classifier, tracker, trigger, nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := w.Analyze(ctx, 7, clip(16))
		require.NoError(t, err)
	}
	snap, _ := tracker.Get(7)
	assert.Equal(t, LevelConfirmed, snap.Level)
	assert.Equal(t, 1, trigger.count())

	obs, err := w.Analyze(ctx, 7, clip(16))
	require.NoError(t, err)
	assert.True(t, obs.Latched)
	assert.Equal(t, 1, trigger.count(), "a latched track never starts a recording")
	assert.Equal(t, 1, trigger.extended(), "fourth violent clip extends the recording")
}

func TestLatchedTrackDoesNotReopenIncident(t *testing.T) {
	cfg := recorderConfig(t)
	tracker := NewThreatTracker(cfg, nil, nil)
	factory := newMemWriterFactory()
	rec, err := NewRecorder(cfg, factory, &collectSink{}, nil, nil)
	require.NoError(t, err)
	w := NewAnalysisWorker(cfg, &scriptedClassifier{fallback: violent(0.9)}, tracker, rec, nil, nil)

	ctx := context.Background()
	feed(rec, 2)
	for i := 0; i < cfg.TriggerCount; i++ {
		_, err := w.Analyze(ctx, 7, clip(16))
		require.NoError(t, err)
	}
	require.True(t, rec.Active())

	// While recording, a latched violent clip resets the countdown
	feed(rec, 3)
	_, err = w.Analyze(ctx, 7, clip(16))
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Countdown())

	tracker.ResolveIncident(7, &IncidentReport{ThreatDetected: true})
	for round := 0; round < 3; round++ {
		feed(rec, 5)
		require.False(t, rec.Active())
		obs, err := w.Analyze(ctx, 7, clip(16))
		require.NoError(t, err)
		assert.True(t, obs.Latched)
		assert.False(t, rec.Active(), "round %d reopened a recording", round)
	}

	require.NoError(t, rec.Close(ctx))
	assert.Len(t, factory.opened(), 1)
	assert.EqualValues(t, 1, rec.Started())
}

func TestAnalyzeUnknownIsBenign(t *testing.T) {
	cfg := testConfig()
	tracker := NewThreatTracker(cfg, nil, nil)
	low := violent(0.99)
	low.MaxSimilarity = 0.05
	w := NewAnalysisWorker(cfg, &scriptedClassifier{fallback: low}, tracker, nil, nil, nil)

	obs, err := w.Analyze(context.Background(), 1, clip(16))
	require.NoError(t, err)
	assert.Equal(t, LevelIdle, obs.Snapshot.Level)
	assert.Equal(t, "safe (100%)", obs.Snapshot.Label)
}

func TestAnalysisWorkerSurvivesErrors(t *testing.T) {
	cfg := testConfig()
	tracker := NewThreatTracker(cfg, nil, nil)
	classifier := &scriptedClassifier{err: errors.New("model exploded")}
	mailbox := make(chan AnalysisJob, 1)
	w := NewAnalysisWorker(cfg, classifier, tracker, nil, mailbox, nil)
	w.Start(context.Background())
	defer w.Stop()

	mailbox <- AnalysisJob{TrackID: 1, Clip: clip(16)}
	require.Eventually(t, func() bool { return w.Failed() == 1 }, time.Second, 5*time.Millisecond)

	classifier.mu.Lock()
	classifier.err = nil
	classifier.fallback = safe(0.9)
	classifier.mu.Unlock()

	mailbox <- AnalysisJob{TrackID: 1, Clip: clip(16)}
	require.Eventually(t, func() bool { return w.Analyzed() == 1 }, time.Second, 5*time.Millisecond)

	// Empty clip is dropped, not fatal
	mailbox <- AnalysisJob{TrackID: 2}
	require.Eventually(t, func() bool { return w.Failed() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAnalysisWorkerOneInFlight(t *testing.T) {
	cfg := testConfig()
	tracker := NewThreatTracker(cfg, nil, nil)
	classifier := &scriptedClassifier{fallback: safe(0.9), delay: 20 * time.Millisecond}
	s := NewScheduler()
	w := NewAnalysisWorker(cfg, classifier, tracker, nil, s.Mailbox(), nil)
	w.Start(context.Background())

	ready := readySet(1, 2, 3)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Tick(ready)
		time.Sleep(time.Millisecond)
	}
	w.Stop()

	classifier.mu.Lock()
	defer classifier.mu.Unlock()
	assert.Equal(t, 1, classifier.maxSeen)
	assert.Positive(t, s.Dropped())
}

func TestAnalysisWorkerStopIsPrompt(t *testing.T) {
	cfg := testConfig()
	w := NewAnalysisWorker(cfg, &scriptedClassifier{}, NewThreatTracker(cfg, nil, nil), nil, make(chan AnalysisJob), nil)
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe the running flag")
	}
}
