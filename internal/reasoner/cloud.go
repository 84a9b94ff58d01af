package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sentinai/internal/pipeline"
)

const chatCompletionsPath = "/compatible-mode/v1/chat/completions"

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Cloud analyzes incidents with a hosted Qwen-VL model
type Cloud struct {
	cfg    Config
	client *http.Client
}

// NewCloud creates a cloud reasoner
func NewCloud(cfg Config) *Cloud {
	cfg = withDefaults(cfg)
	cfg.Logger.Printf("[Reasoner] Cloud reasoner initialized: %s", cfg.CloudModel)
	return &Cloud{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

// Name implements pipeline.VisionReasoner
func (c *Cloud) Name() string { return string(ProviderCloud) }

// Analyze implements pipeline.VisionReasoner
func (c *Cloud) Analyze(ctx context.Context, videoPath string) (*pipeline.IncidentReport, error) {
	images, err := extractFrames(ctx, c.cfg, videoPath)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		c.cfg.Logger.Printf("[Reasoner] No readable frames in %s", videoPath)
		return noFramesReport(c.cfg.CloudModel), nil
	}

	parts := make([]contentPart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + img},
		})
	}
	parts = append(parts, contentPart{Type: "text", Text: c.cfg.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:          c.cfg.CloudModel,
		Messages:       []chatMessage{{Role: "user", Content: parts}},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.CloudURL, "/") + chatCompletionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call cloud reasoner: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("cloud reasoner returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if chat.Error != nil {
		return nil, fmt.Errorf("cloud reasoner error %s: %s", chat.Error.Code, chat.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cloud reasoner returned status %d", resp.StatusCode)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("cloud reasoner returned no choices")
	}

	report, err := ParseReport(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	report.Reasoner = c.Name()
	report.Model = c.cfg.CloudModel
	return report, nil
}

var _ pipeline.VisionReasoner = (*Cloud)(nil)
