package pipeline

import (
	"fmt"
	"image/color"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// Display colours per level
var (
	ColorIdle       = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	ColorSuspicious = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	ColorConfirmed  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// ConfirmedThreatLabel is shown once the deep reasoner confirms a threat
const ConfirmedThreatLabel = "CONFIRMED THREAT"

// ClearedLabel is shown after the deep reasoner rejects a threat
const ClearedLabel = "cleared"

// AnalyzingLabel is shown for tracks with no state yet
const AnalyzingLabel = "analyzing"

type threatState struct {
	level    ThreatLevel
	strikes  int
	label    string
	summary  *IncidentReport
	lastSeen time.Time
}

func (s *threatState) snapshot(trackID int) ThreatSnapshot {
	return ThreatSnapshot{
		TrackID:         trackID,
		Level:           s.level,
		StrikeCount:     s.strikes,
		Label:           s.label,
		IncidentSummary: s.summary,
		LastSeen:        s.lastSeen,
	}
}

// Observation is the outcome of feeding one classifier verdict to the tracker
type Observation struct {
	Snapshot ThreatSnapshot
	Previous ThreatLevel
	// Trigger is true when the track just reached CONFIRMED and a recording must start
	Trigger bool
	// Extend is true for a confident violent clip on a latched track. It may only
	// prolong a recording that is already running.
	Extend bool
	// Latched is true when the observation was ignored because the track is CONFIRMED
	Latched bool
}

// ThreatTracker is the per-track escalation state machine.
// IDLE -> SUSPICIOUS -> CONFIRMED; CONFIRMED is a latch only the deep reasoner releases.
type ThreatTracker struct {
	mu     sync.Mutex
	states map[int]*threatState

	triggerCount  int
	confThreshold float64
	gracePeriod   time.Duration

	cameraID  string
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

// NewThreatTracker creates a tracker from the pipeline config
func NewThreatTracker(cfg Config, publisher Publisher, logger *log.Logger) *ThreatTracker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &ThreatTracker{
		states:        make(map[int]*threatState),
		triggerCount:  cfg.TriggerCount,
		confThreshold: cfg.ConfidenceThreshold,
		gracePeriod:   cfg.GracePeriod,
		cameraID:      cfg.CameraID,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
	}
}

func (t *ThreatTracker) ensure(trackID int) *threatState {
	state, ok := t.states[trackID]
	if !ok {
		state = &threatState{label: AnalyzingLabel}
		t.states[trackID] = state
	}
	state.lastSeen = t.now()
	return state
}

// ObserveAction feeds a fast-path classifier verdict for a track
func (t *ThreatTracker) ObserveAction(trackID int, isViolent bool, label string, score float64) Observation {
	t.mu.Lock()
	state := t.ensure(trackID)
	prev := state.level
	confident := isViolent && score > t.confThreshold

	if state.level == LevelConfirmed {
		obs := Observation{
			Snapshot: state.snapshot(trackID),
			Previous: prev,
			Extend:   confident,
			Latched:  true,
		}
		t.mu.Unlock()
		return obs
	}

	trigger := false
	if confident {
		state.strikes++
		if state.strikes >= t.triggerCount {
			state.level = LevelConfirmed
			state.label = confirmedLabel(label, score)
			trigger = true
		} else {
			state.level = LevelSuspicious
			state.label = fmt.Sprintf("suspicious (%d/%d)", state.strikes, t.triggerCount)
		}
	} else {
		state.strikes = 0
		state.level = LevelIdle
		state.label = benignLabel(label, score)
	}

	obs := Observation{
		Snapshot: state.snapshot(trackID),
		Previous: prev,
		Trigger:  trigger,
	}
	t.mu.Unlock()

	if trigger {
		t.logger.Printf("[Escalation] CONFIRMED THREAT: %s on ID %d", label, trackID)
	}
	if obs.Snapshot.Level != prev {
		t.publishUpdate(obs.Snapshot, prev)
	}
	return obs
}

// ResolveIncident applies the deep reasoner verdict to a track. A confirmed
// threat locks the track to CONFIRMED; a negative verdict releases the latch.
func (t *ThreatTracker) ResolveIncident(trackID int, report *IncidentReport) ThreatSnapshot {
	t.mu.Lock()
	state := t.ensure(trackID)
	prev := state.level

	if report != nil && report.ThreatDetected {
		state.level = LevelConfirmed
		state.label = ConfirmedThreatLabel
		state.summary = report
	} else {
		state.level = LevelIdle
		state.label = ClearedLabel
		state.strikes = 0
		state.summary = report
	}
	snap := state.snapshot(trackID)
	t.mu.Unlock()

	t.logger.Printf("[Escalation] Track %d resolved by reasoner: %s -> %s", trackID, prev, snap.Level)
	t.publishUpdate(snap, prev)
	return snap
}

// Get returns a copy of one track's state
func (t *ThreatTracker) Get(trackID int) (ThreatSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[trackID]
	if !ok {
		return ThreatSnapshot{}, false
	}
	return state.snapshot(trackID), true
}

// Snapshot returns copies of every track's state
func (t *ThreatTracker) Snapshot() map[int]ThreatSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]ThreatSnapshot, len(t.states))
	for id, state := range t.states {
		out[id] = state.snapshot(id)
	}
	return out
}

// Display returns the overlay colour and text for a track
func (t *ThreatTracker) Display(trackID int) (color.RGBA, string) {
	snap, ok := t.Get(trackID)
	if !ok {
		return ColorIdle, AnalyzingLabel
	}
	return LevelColor(snap.Level), snap.Label
}

// Cleanup removes states whose track is not visible and has not been seen
// for longer than the grace period, regardless of level. Returns removed ids.
func (t *ThreatTracker) Cleanup(active map[int]bool) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var removed []int
	for id, state := range t.states {
		if active[id] {
			continue
		}
		if now.Sub(state.lastSeen) > t.gracePeriod {
			delete(t.states, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of tracked states
func (t *ThreatTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func (t *ThreatTracker) publishUpdate(snap ThreatSnapshot, prev ThreatLevel) {
	t.publisher.Publish(&ThreatEvent{
		Type:     EventThreatUpdate,
		CameraID: t.cameraID,
		Track:    &snap,
		Previous: prev,
	})
}

// LevelColor maps a level to its display colour
func LevelColor(level ThreatLevel) color.RGBA {
	switch level {
	case LevelSuspicious:
		return ColorSuspicious
	case LevelConfirmed:
		return ColorConfirmed
	default:
		return ColorIdle
	}
}

func percent(score float64) string {
	return fmt.Sprintf("%.0f%%", score*100)
}

// confirmedLabel shortens a prompt for the screen, e.g. "a person punching
// someone" becomes "PUNCHING".
func confirmedLabel(label string, score float64) string {
	text := label
	if words := strings.Fields(label); len(words) > 2 {
		text = words[2]
	}
	return fmt.Sprintf("🚨 %s (%s)", strings.ToUpper(text), percent(score))
}

func benignLabel(label string, score float64) string {
	switch {
	case strings.Contains(label, "walking"):
		return "walking (" + percent(score) + ")"
	case strings.Contains(label, "standing"):
		return "standing (" + percent(score) + ")"
	default:
		return "safe (" + percent(score) + ")"
	}
}
