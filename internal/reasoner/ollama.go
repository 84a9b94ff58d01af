package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sentinai/internal/pipeline"
)

// ollamaMessage is one chat message
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// Ollama analyzes incidents with a local Ollama model
type Ollama struct {
	cfg    Config
	client *http.Client
}

// NewOllama creates a local reasoner
func NewOllama(cfg Config) *Ollama {
	cfg = withDefaults(cfg)
	cfg.Logger.Printf("[Reasoner] Local reasoner initialized: %s at %s", cfg.Model, cfg.OllamaURL)
	return &Ollama{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

// Name implements pipeline.VisionReasoner
func (o *Ollama) Name() string { return string(ProviderLocal) }

// Analyze implements pipeline.VisionReasoner
func (o *Ollama) Analyze(ctx context.Context, videoPath string) (*pipeline.IncidentReport, error) {
	images, err := extractFrames(ctx, o.cfg, videoPath)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		o.cfg.Logger.Printf("[Reasoner] No readable frames in %s", videoPath)
		return noFramesReport(o.cfg.Model), nil
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model: o.cfg.Model,
		Messages: []ollamaMessage{{
			Role:    "user",
			Content: o.cfg.Prompt,
			Images:  images,
		}},
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(o.cfg.OllamaURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var chat ollamaChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if chat.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", chat.Error)
	}

	report, err := ParseReport(chat.Message.Content)
	if err != nil {
		return nil, err
	}
	report.Reasoner = o.Name()
	report.Model = o.cfg.Model
	o.cfg.Logger.Printf("[Reasoner] %s analyzed %d frames in %v", o.cfg.Model, len(images), time.Since(start).Round(time.Millisecond))
	return report, nil
}

var _ pipeline.VisionReasoner = (*Ollama)(nil)
