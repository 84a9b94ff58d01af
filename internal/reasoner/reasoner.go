// Package reasoner provides the vision-language incident reasoners. The set of
// variants is closed and selected by Provider.
package reasoner

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"sentinai/internal/pipeline"
)

// Provider selects a reasoner variant
type Provider string

const (
	// ProviderLocal talks to an Ollama server
	ProviderLocal Provider = "local"
	// ProviderCloud talks to the DashScope OpenAI-compatible endpoint
	ProviderCloud Provider = "cloud"
)

// ErrUnknownProvider is returned for a provider outside the closed set
var ErrUnknownProvider = errors.New("unknown reasoner provider")

// DefaultPrompt asks the model for a structured verdict
const DefaultPrompt = `You are a security analyst reviewing keyframes from a surveillance clip.
Decide whether the clip shows violence or an active threat (fighting, punching, kicking, weapons).
Reply with JSON only: {"threat_detected": true|false, "classification": "<short label>", "description": "<one or two sentences>", "confidence": <0..1>}`

// ParseProvider validates a provider name
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderLocal, ProviderCloud:
		return p, nil
	case "":
		return ProviderLocal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// Config configures a reasoner
type Config struct {
	Provider Provider
	Prompt   string

	// Local (Ollama)
	OllamaURL string
	Model     string

	// Cloud (DashScope)
	CloudURL   string
	CloudModel string
	APIKey     string

	// Key-frame extraction
	NumFrames    int
	ResizeWidth  int
	ResizeHeight int
	JPEGQuality  int

	Timeout time.Duration
	Logger  *log.Logger
}

// DefaultConfig returns the default reasoner settings
func DefaultConfig() Config {
	return Config{
		Provider:     ProviderLocal,
		Prompt:       DefaultPrompt,
		OllamaURL:    "http://localhost:11434",
		Model:        "qwen2.5vl:3b",
		CloudURL:     "https://dashscope-intl.aliyuncs.com",
		CloudModel:   "qwen-vl-max",
		NumFrames:    8,
		ResizeWidth:  480,
		ResizeHeight: 270,
		JPEGQuality:  80,
		Timeout:      120 * time.Second,
	}
}

// New creates the reasoner selected by cfg.Provider
func New(cfg Config) (pipeline.VisionReasoner, error) {
	cfg = withDefaults(cfg)
	switch cfg.Provider {
	case ProviderLocal:
		return NewOllama(cfg), nil
	case ProviderCloud:
		if cfg.APIKey == "" {
			return nil, errors.New("cloud reasoner requires an API key (QWEN_API_KEY)")
		}
		return NewCloud(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = def.OllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.CloudURL == "" {
		cfg.CloudURL = def.CloudURL
	}
	if cfg.CloudModel == "" {
		cfg.CloudModel = def.CloudModel
	}
	if cfg.NumFrames <= 0 {
		cfg.NumFrames = def.NumFrames
	}
	if cfg.ResizeWidth <= 0 || cfg.ResizeHeight <= 0 {
		cfg.ResizeWidth, cfg.ResizeHeight = def.ResizeWidth, def.ResizeHeight
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return cfg
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
