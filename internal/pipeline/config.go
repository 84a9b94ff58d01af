package pipeline

import (
	"fmt"
	"time"
)

// UnknownLabel is the synthetic verdict used when the open-set gate rejects a clip
const UnknownLabel = "unknown_benign_activity"

// Default prompt texts treated as benign
const (
	PromptWalking  = "a person standing completely upright and casually walking forward"
	PromptStanding = "a person standing completely still and doing nothing"
)

// Config holds the settings shared by the pipeline stages
type Config struct {
	CameraID string

	// Evidence buffer
	WindowSize int // clip length W
	InputSize  int // square crop size expected by the classifier

	// Escalation
	ConfidenceThreshold float64
	TriggerCount        int
	OpenSetThreshold    float64
	GracePeriod         time.Duration
	SafeLabels          []string

	// Recording
	FPS              int
	PreEventSeconds  int
	PostEventSeconds int
	OutputDir        string

	// Worker poll timeout
	PollInterval time.Duration
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		CameraID:            "cam0",
		WindowSize:          16,
		InputSize:           224,
		ConfidenceThreshold: 0.6,
		TriggerCount:        3,
		OpenSetThreshold:    0.20,
		GracePeriod:         10 * time.Second,
		SafeLabels:          []string{PromptWalking, PromptStanding, UnknownLabel},
		FPS:                 15,
		PreEventSeconds:     3,
		PostEventSeconds:    5,
		OutputDir:           "incidents",
		PollInterval:        100 * time.Millisecond,
	}
}

// Validate checks the config for values the pipeline cannot run with
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", c.InputSize)
	}
	if c.TriggerCount <= 0 {
		return fmt.Errorf("trigger count must be positive, got %d", c.TriggerCount)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.OpenSetThreshold < 0 || c.OpenSetThreshold > 1 {
		return fmt.Errorf("open-set threshold must be in [0,1], got %v", c.OpenSetThreshold)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.PreEventSeconds < 0 || c.PostEventSeconds < 0 {
		return fmt.Errorf("pre/post event seconds must not be negative")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	return nil
}

// PreEventFrames is the ring buffer capacity
func (c Config) PreEventFrames() int { return c.PreEventSeconds * c.FPS }

// PostEventFrames is the full post-event countdown
func (c Config) PostEventFrames() int { return c.PostEventSeconds * c.FPS }

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return c.PollInterval
}

func (c Config) safeSet() map[string]bool {
	set := make(map[string]bool, len(c.SafeLabels)+1)
	for _, l := range c.SafeLabels {
		set[l] = true
	}
	set[UnknownLabel] = true
	return set
}
