package pipeline

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const punching = "a person punching someone"

func newTestTracker(pub Publisher) *ThreatTracker {
	cfg := DefaultConfig()
	cfg.CameraID = "test"
	return NewThreatTracker(cfg, pub, nil)
}

func TestTrackerDebounce(t *testing.T) {
	tr := newTestTracker(nil)

	var levels []ThreatLevel
	var triggers []bool
	for i := 0; i < 3; i++ {
		obs := tr.ObserveAction(7, true, punching, 0.8)
		levels = append(levels, obs.Snapshot.Level)
		triggers = append(triggers, obs.Trigger)
	}

	assert.Equal(t, []ThreatLevel{LevelSuspicious, LevelSuspicious, LevelConfirmed}, levels)
	assert.Equal(t, []bool{false, false, true}, triggers)

	snap, ok := tr.Get(7)
	require.True(t, ok)
	assert.Equal(t, 3, snap.StrikeCount)
	assert.Equal(t, "🚨 PUNCHING (80%)", snap.Label)
}

func TestTrackerSafeObservationResets(t *testing.T) {
	tr := newTestTracker(nil)

	tr.ObserveAction(1, true, punching, 0.8)
	obs := tr.ObserveAction(1, true, punching, 0.9)
	assert.Equal(t, "suspicious (2/3)", obs.Snapshot.Label)

	obs = tr.ObserveAction(1, false, PromptWalking, 0.7)
	assert.Equal(t, LevelIdle, obs.Snapshot.Level)
	assert.Zero(t, obs.Snapshot.StrikeCount)
	assert.Equal(t, "walking (70%)", obs.Snapshot.Label)

	// Violent but not confident counts as a reset too
	tr.ObserveAction(1, true, punching, 0.9)
	obs = tr.ObserveAction(1, true, punching, 0.6)
	assert.Equal(t, LevelIdle, obs.Snapshot.Level)
	assert.Zero(t, obs.Snapshot.StrikeCount)
}

func TestTrackerLatch(t *testing.T) {
	tr := newTestTracker(nil)
	for i := 0; i < 3; i++ {
		tr.ObserveAction(4, true, punching, 0.8)
	}
	before, _ := tr.Get(4)
	require.Equal(t, LevelConfirmed, before.Level)

	for i := 0; i < 5; i++ {
		obs := tr.ObserveAction(4, false, PromptStanding, 0.99)
		assert.True(t, obs.Latched)
		assert.False(t, obs.Trigger)
		assert.False(t, obs.Extend)
	}
	after, _ := tr.Get(4)
	assert.Equal(t, LevelConfirmed, after.Level)
	assert.Equal(t, before.Label, after.Label)
	assert.Equal(t, before.StrikeCount, after.StrikeCount)

	// A further confident violent clip may only extend a running recording
	obs := tr.ObserveAction(4, true, punching, 0.9)
	assert.True(t, obs.Latched)
	assert.False(t, obs.Trigger)
	assert.True(t, obs.Extend)
	assert.Equal(t, before.Label, obs.Snapshot.Label)

	// Only the reasoner releases it
	snap := tr.ResolveIncident(4, &IncidentReport{ThreatDetected: false, Description: "hug"})
	assert.Equal(t, LevelIdle, snap.Level)
	assert.Equal(t, ClearedLabel, snap.Label)
	assert.Zero(t, snap.StrikeCount)
	c, label := tr.Display(4)
	assert.Equal(t, ClearedLabel, label)
	assert.Equal(t, ColorIdle, c)

	obs = tr.ObserveAction(4, true, punching, 0.9)
	assert.False(t, obs.Latched)
	assert.Equal(t, LevelSuspicious, obs.Snapshot.Level)
}

func TestTrackerReasonerConfirms(t *testing.T) {
	tr := newTestTracker(nil)
	tr.ObserveAction(2, true, punching, 0.8)

	report := &IncidentReport{ThreatDetected: true, Classification: "assault"}
	snap := tr.ResolveIncident(2, report)
	assert.Equal(t, LevelConfirmed, snap.Level)
	assert.Equal(t, ConfirmedThreatLabel, snap.Label)
	assert.Same(t, report, snap.IncidentSummary)

	obs := tr.ObserveAction(2, false, PromptWalking, 0.9)
	assert.Equal(t, LevelConfirmed, obs.Snapshot.Level)
}

func TestTrackerCleanup(t *testing.T) {
	tr := newTestTracker(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.ObserveAction(1, true, punching, 0.9)
	for i := 0; i < 3; i++ {
		tr.ObserveAction(2, true, punching, 0.9)
	}
	tr.ObserveAction(3, false, PromptWalking, 0.9)

	now = now.Add(11 * time.Second)
	removed := tr.Cleanup(map[int]bool{3: true})
	assert.ElementsMatch(t, []int{1, 2}, removed, "confirmed tracks expire too")
	assert.Equal(t, 1, tr.Len())

	// Still visible: kept no matter how old
	assert.Empty(t, tr.Cleanup(map[int]bool{3: true}))

	now = now.Add(5 * time.Second)
	assert.Equal(t, []int{3}, tr.Cleanup(map[int]bool{}))
}

func TestTrackerDisplay(t *testing.T) {
	tr := newTestTracker(nil)

	c, label := tr.Display(99)
	assert.Equal(t, ColorIdle, c)
	assert.Equal(t, AnalyzingLabel, label)

	tr.ObserveAction(1, true, punching, 0.9)
	c, label = tr.Display(1)
	assert.Equal(t, ColorSuspicious, c)
	assert.Equal(t, "suspicious (1/3)", label)
}

func TestTrackerPublishesLevelChanges(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTestTracker(pub)

	tr.ObserveAction(1, true, punching, 0.9)  // idle -> suspicious
	tr.ObserveAction(1, true, punching, 0.9)  // no change
	tr.ObserveAction(1, true, punching, 0.9)  // suspicious -> confirmed
	tr.ObserveAction(1, false, punching, 0.9) // latched

	events := pub.ofType(EventThreatUpdate)
	require.Len(t, events, 2)

	got := []ThreatLevel{events[0].Previous, events[0].Track.Level, events[1].Previous, events[1].Track.Level}
	want := []ThreatLevel{LevelIdle, LevelSuspicious, LevelSuspicious, LevelConfirmed}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestDisplayLabels(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"long prompt", confirmedLabel("a person kicking another person", 0.912), "🚨 KICKING (91%)"},
		{"short prompt", confirmedLabel("fighting", 0.5), "🚨 FIGHTING (50%)"},
		{"walking", benignLabel(PromptWalking, 0.66), "walking (66%)"},
		{"standing", benignLabel(PromptStanding, 0.4), "standing (40%)"},
		{"other", benignLabel(UnknownLabel, 1), "safe (100%)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
