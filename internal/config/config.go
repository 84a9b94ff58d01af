// Package config loads the service configuration from YAML with environment
// overrides and converts it into the per-component configs.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinai/internal/auth"
	"sentinai/internal/inference"
	"sentinai/internal/pipeline"
	"sentinai/internal/reasoner"
	"sentinai/internal/telegram"
	"sentinai/internal/video"
)

// Recording formats
const (
	FormatMJPEG = "mjpeg"
	FormatMP4   = "mp4"
)

// Duration is a time.Duration written as a Go duration string ("10s")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config represents the complete service configuration
type Config struct {
	CameraID  string          `yaml:"camera_id"`
	Paths     PathsConfig     `yaml:"paths"`
	Source    SourceConfig    `yaml:"source"`
	Detection DetectionConfig `yaml:"detection"`
	Action    ActionConfig    `yaml:"action"`
	Recording RecordingConfig `yaml:"recording"`
	VLM       VLMConfig       `yaml:"vlm"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Auth      AuthConfig      `yaml:"auth"`
}

// PathsConfig locates the input and the incident directory
type PathsConfig struct {
	InputSource string `yaml:"input_source"` // file, rtsp://, http:// or a v4l2 device index
	OutputDir   string `yaml:"output_dir"`
}

// SourceConfig tunes frame capture
type SourceConfig struct {
	FPS      int  `yaml:"fps"`
	Width    int  `yaml:"width"`
	Height   int  `yaml:"height"`
	Realtime bool `yaml:"realtime"` // pace file inputs at native speed
}

// DetectionConfig addresses the detector and tracker service
type DetectionConfig struct {
	Endpoint            string   `yaml:"endpoint"`
	Timeout             Duration `yaml:"timeout"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	TargetClasses       []string `yaml:"target_classes"`
}

// ActionConfig addresses the action classifier and drives escalation
type ActionConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	Timeout           Duration `yaml:"timeout"`
	Prompts           []string `yaml:"prompts"`
	SafePrompts       []string `yaml:"safe_prompts"`
	WindowSize        int      `yaml:"window_size"`
	InputSize         int      `yaml:"input_size"`
	Threshold         float64  `yaml:"threshold"`
	AlertTriggerCount int      `yaml:"alert_trigger_count"`
	OpenSetThreshold  float64  `yaml:"open_set_threshold"`
	GracePeriod       Duration `yaml:"grace_period"`
	PollInterval      Duration `yaml:"poll_interval"`
	JPEGQuality       int      `yaml:"jpeg_quality"`
}

// RecordingConfig controls incident clips
type RecordingConfig struct {
	Format           string `yaml:"format"`
	FPS              int    `yaml:"fps"`
	PreEventSeconds  int    `yaml:"pre_event_seconds"`
	PostEventSeconds int    `yaml:"post_event_seconds"`
	JPEGQuality      int    `yaml:"jpeg_quality"`
}

// VLMConfig selects and configures the deep reasoner
type VLMConfig struct {
	Provider     string           `yaml:"provider"`
	ModelID      string           `yaml:"model_id"`
	OllamaURL    string           `yaml:"ollama_url"`
	CloudModelID string           `yaml:"cloud_model_id"`
	CloudURL     string           `yaml:"cloud_url"`
	APIKey       string           `yaml:"api_key"`
	Prompt       string           `yaml:"prompt"`
	Timeout      Duration         `yaml:"timeout"`
	Extraction   ExtractionConfig `yaml:"extraction"`
}

// ExtractionConfig controls key-frame sampling for the reasoner
type ExtractionConfig struct {
	NumFrames    int `yaml:"num_frames"`
	ResizeWidth  int `yaml:"resize_width"`
	ResizeHeight int `yaml:"resize_height"`
	JPEGQuality  int `yaml:"jpeg_quality"`
}

// HTTPConfig controls the API server and live preview
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	Debug       bool   `yaml:"debug"`
	LiveEnabled bool   `yaml:"live_enabled"`
	LiveFPS     int    `yaml:"live_fps"`
	LiveQuality int    `yaml:"live_quality"`
}

// DatabaseConfig controls the incident catalogue
type DatabaseConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"` // threat event retention
}

// TelegramConfig controls the Telegram notifier
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	Commands        bool   `yaml:"commands"` // answer bot commands by polling
}

// AuthConfig controls API authentication
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	JWTSecret string   `yaml:"jwt_secret"`
	JWTExpiry Duration `yaml:"jwt_expiry"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	p := pipeline.DefaultConfig()
	r := reasoner.DefaultConfig()

	return &Config{
		CameraID: p.CameraID,
		Paths: PathsConfig{
			InputSource: "0",
			OutputDir:   p.OutputDir,
		},
		Source: SourceConfig{FPS: p.FPS},
		Detection: DetectionConfig{
			Endpoint:            "localhost:50051",
			Timeout:             Duration(5 * time.Second),
			ConfidenceThreshold: 0.5,
			TargetClasses:       []string{"person"},
		},
		Action: ActionConfig{
			Endpoint: "localhost:50052",
			Timeout:  Duration(10 * time.Second),
			Prompts: []string{
				"a person punching another person",
				"a person kicking another person",
				"a person swinging a weapon at someone",
				"a person pushing another person to the ground",
				pipeline.PromptWalking,
				pipeline.PromptStanding,
			},
			SafePrompts:       []string{pipeline.PromptWalking, pipeline.PromptStanding},
			WindowSize:        p.WindowSize,
			InputSize:         p.InputSize,
			Threshold:         p.ConfidenceThreshold,
			AlertTriggerCount: p.TriggerCount,
			OpenSetThreshold:  p.OpenSetThreshold,
			GracePeriod:       Duration(p.GracePeriod),
			PollInterval:      Duration(p.PollInterval),
			JPEGQuality:       90,
		},
		Recording: RecordingConfig{
			Format:           FormatMJPEG,
			FPS:              p.FPS,
			PreEventSeconds:  p.PreEventSeconds,
			PostEventSeconds: p.PostEventSeconds,
			JPEGQuality:      video.DefaultJPEGQuality,
		},
		VLM: VLMConfig{
			Provider:     string(r.Provider),
			ModelID:      r.Model,
			OllamaURL:    r.OllamaURL,
			CloudModelID: r.CloudModel,
			CloudURL:     r.CloudURL,
			Prompt:       r.Prompt,
			Timeout:      Duration(r.Timeout),
			Extraction: ExtractionConfig{
				NumFrames:    r.NumFrames,
				ResizeWidth:  r.ResizeWidth,
				ResizeHeight: r.ResizeHeight,
				JPEGQuality:  r.JPEGQuality,
			},
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			LiveEnabled: true,
			LiveFPS:     10,
			LiveQuality: 70,
		},
		Database: DatabaseConfig{
			Enabled:   true,
			Path:      "sentinai.db",
			Retention: Duration(7 * 24 * time.Hour),
		},
		Telegram: TelegramConfig{CooldownSeconds: 30, Commands: true},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: Duration(24 * time.Hour),
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file yields the defaults. logger may be nil.
func Load(path string, logger *log.Logger) (*Config, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Printf("[Config] %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides secrets and deployment values from the environment
func (c *Config) applyEnv() error {
	if v := os.Getenv("SENTINAI_INPUT"); v != "" {
		c.Paths.InputSource = v
	}
	if v := os.Getenv("SENTINAI_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("QWEN_API_KEY"); v != "" {
		c.VLM.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
		c.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTH_ENABLED %q: %w", v, err)
		}
		c.Auth.Enabled = enabled
	}
	if v := os.Getenv("AUTH_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_EXPIRY %q: %w", v, err)
		}
		c.Auth.JWTExpiry = Duration(d)
	}
	return nil
}

// Validate checks every section. Pipeline bounds are checked by the
// pipeline config itself.
func (c *Config) Validate() error {
	if err := c.Pipeline().Validate(); err != nil {
		return err
	}
	if c.Paths.InputSource == "" {
		return errors.New("paths.input_source is required")
	}
	if c.Detection.Endpoint == "" || c.Action.Endpoint == "" {
		return errors.New("detection.endpoint and action.endpoint are required")
	}
	if len(c.Action.Prompts) == 0 {
		return errors.New("action.prompts must not be empty")
	}
	prompts := make(map[string]bool, len(c.Action.Prompts))
	for _, p := range c.Action.Prompts {
		prompts[p] = true
	}
	for _, p := range c.Action.SafePrompts {
		if !prompts[p] && p != pipeline.UnknownLabel {
			return fmt.Errorf("safe prompt %q is not one of action.prompts", p)
		}
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be in [0,1], got %v", c.Detection.ConfidenceThreshold)
	}

	switch strings.ToLower(c.Recording.Format) {
	case FormatMJPEG, FormatMP4:
	default:
		return fmt.Errorf("unknown recording format %q", c.Recording.Format)
	}

	provider, err := reasoner.ParseProvider(c.VLM.Provider)
	if err != nil {
		return err
	}
	if provider == reasoner.ProviderCloud && c.VLM.APIKey == "" {
		return errors.New("vlm.provider cloud requires QWEN_API_KEY")
	}
	if c.VLM.Extraction.NumFrames <= 0 {
		return fmt.Errorf("vlm.extraction.num_frames must be positive, got %d", c.VLM.Extraction.NumFrames)
	}

	if c.Database.Enabled && c.Database.Path == "" {
		return errors.New("database.path is required when the database is enabled")
	}
	if err := telegram.ValidateConfig(c.TelegramBot(nil)); err != nil {
		return err
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return errors.New("auth enabled without AUTH_PASSWORD")
	}
	return nil
}

// Pipeline converts the config into the pipeline stage settings
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		CameraID:            c.CameraID,
		WindowSize:          c.Action.WindowSize,
		InputSize:           c.Action.InputSize,
		ConfidenceThreshold: c.Action.Threshold,
		TriggerCount:        c.Action.AlertTriggerCount,
		OpenSetThreshold:    c.Action.OpenSetThreshold,
		GracePeriod:         time.Duration(c.Action.GracePeriod),
		SafeLabels:          append(append([]string(nil), c.Action.SafePrompts...), pipeline.UnknownLabel),
		FPS:                 c.Recording.FPS,
		PreEventSeconds:     c.Recording.PreEventSeconds,
		PostEventSeconds:    c.Recording.PostEventSeconds,
		OutputDir:           c.Paths.OutputDir,
		PollInterval:        time.Duration(c.Action.PollInterval),
	}
}

// SourceOptions converts the config into frame source options
func (c *Config) SourceOptions(logger *log.Logger) video.SourceOptions {
	return video.SourceOptions{
		Logger:   logger,
		CameraID: c.CameraID,
		FPS:      c.Source.FPS,
		Width:    c.Source.Width,
		Height:   c.Source.Height,
		Realtime: c.Source.Realtime,
	}
}

// Writers returns the incident writer factory for the recording format
func (c *Config) Writers() pipeline.WriterFactory {
	if strings.EqualFold(c.Recording.Format, FormatMP4) {
		return video.FFmpegWriterFactory{Quality: c.Recording.JPEGQuality}
	}
	return video.MJPEGWriterFactory{Quality: c.Recording.JPEGQuality}
}

// Detector converts the config into detector client settings
func (c *Config) Detector(logger *log.Logger) inference.DetectorConfig {
	return inference.DetectorConfig{
		ClientConfig: inference.ClientConfig{
			Endpoint: c.Detection.Endpoint,
			Timeout:  time.Duration(c.Detection.Timeout),
			Service:  "sentinai.perception.v1.PerceptionService",
			Logger:   logger,
		},
		ConfThreshold: float32(c.Detection.ConfidenceThreshold),
		Classes:       c.Detection.TargetClasses,
	}
}

// Classifier converts the config into classifier client settings
func (c *Config) Classifier(logger *log.Logger) inference.ClassifierConfig {
	return inference.ClassifierConfig{
		ClientConfig: inference.ClientConfig{
			Endpoint: c.Action.Endpoint,
			Timeout:  time.Duration(c.Action.Timeout),
			Service:  "sentinai.action.v1.ActionService",
			Logger:   logger,
		},
		Prompts:     c.Action.Prompts,
		ClipLength:  c.Action.WindowSize,
		JPEGQuality: c.Action.JPEGQuality,
	}
}

// Reasoner converts the config into reasoner settings
func (c *Config) Reasoner(logger *log.Logger) reasoner.Config {
	provider, _ := reasoner.ParseProvider(c.VLM.Provider)
	return reasoner.Config{
		Provider:     provider,
		Prompt:       c.VLM.Prompt,
		OllamaURL:    c.VLM.OllamaURL,
		Model:        c.VLM.ModelID,
		CloudURL:     c.VLM.CloudURL,
		CloudModel:   c.VLM.CloudModelID,
		APIKey:       c.VLM.APIKey,
		NumFrames:    c.VLM.Extraction.NumFrames,
		ResizeWidth:  c.VLM.Extraction.ResizeWidth,
		ResizeHeight: c.VLM.Extraction.ResizeHeight,
		JPEGQuality:  c.VLM.Extraction.JPEGQuality,
		Timeout:      time.Duration(c.VLM.Timeout),
		Logger:       logger,
	}
}

// TelegramBot converts the config into bot settings
func (c *Config) TelegramBot(logger *log.Logger) telegram.Config {
	return telegram.Config{
		BotToken:        c.Telegram.BotToken,
		ChatID:          c.Telegram.ChatID,
		Enabled:         c.Telegram.Enabled,
		CooldownSeconds: c.Telegram.CooldownSeconds,
		Logger:          logger,
	}
}

// Authentication converts the config into authenticator settings
func (c *Config) Authentication() auth.Config {
	return auth.Config{
		Enabled:   c.Auth.Enabled,
		Username:  c.Auth.Username,
		Password:  c.Auth.Password,
		JWTSecret: c.Auth.JWTSecret,
		JWTExpiry: time.Duration(c.Auth.JWTExpiry),
	}
}
