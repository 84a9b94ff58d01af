package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultAPIBase is the public Bot API endpoint
const DefaultAPIBase = "https://api.telegram.org"

// ErrCooldown is returned when an alert type was sent too recently
var ErrCooldown = errors.New("cooldown period not yet elapsed")

// TelegramBot handles Telegram bot operations
type TelegramBot struct {
	botToken        string
	chatID          string
	apiBase         string
	httpClient      *http.Client
	mu              sync.Mutex
	enabled         bool
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
	logger          *log.Logger
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken        string
	ChatID          string
	Enabled         bool
	CooldownSeconds int
	APIBase         string // defaults to DefaultAPIBase
	Logger          *log.Logger
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config) *TelegramBot {
	cooldownPeriod := time.Duration(config.CooldownSeconds) * time.Second
	if cooldownPeriod == 0 {
		cooldownPeriod = 30 * time.Second
	}
	apiBase := config.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &TelegramBot{
		botToken:        config.BotToken,
		chatID:          config.ChatID,
		apiBase:         strings.TrimRight(apiBase, "/"),
		enabled:         config.Enabled,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldownPeriod,
		logger:          logger,
	}
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if config.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown seconds cannot be negative")
	}
	return nil
}

// IsEnabled returns whether the bot is enabled
func (tb *TelegramBot) IsEnabled() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.enabled
}

// SetEnabled enables or disables the bot
func (tb *TelegramBot) SetEnabled(enabled bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.enabled = enabled
}

func (tb *TelegramBot) ready() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if !tb.enabled {
		return fmt.Errorf("telegram bot is disabled")
	}
	if tb.botToken == "" || tb.chatID == "" {
		return fmt.Errorf("telegram bot token or chat ID not configured")
	}
	return nil
}

// claimCooldown reserves an alert slot for actionType. It returns false while
// the previous alert of that type is still within the cooldown period.
func (tb *TelegramBot) claimCooldown(actionType string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if last, ok := tb.cooldownTracker[actionType]; ok && time.Since(last) < tb.cooldownPeriod {
		return false
	}
	tb.cooldownTracker[actionType] = time.Now()
	return true
}

// SendMessage sends a text message, subject to the per-type cooldown when
// actionType is not empty
func (tb *TelegramBot) SendMessage(ctx context.Context, actionType, message string) error {
	if err := tb.ready(); err != nil {
		return err
	}
	if actionType != "" && !tb.claimCooldown(actionType) {
		return fmt.Errorf("%s: %w", actionType, ErrCooldown)
	}

	payload := map[string]interface{}{
		"chat_id":    tb.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	_, err := tb.call(ctx, "sendMessage", payload)
	return err
}

// SendPhoto sends a photo with optional caption, subject to the per-type
// cooldown when actionType is not empty
func (tb *TelegramBot) SendPhoto(ctx context.Context, actionType string, photoData []byte, caption string) error {
	if err := tb.ready(); err != nil {
		return err
	}
	if actionType != "" && !tb.claimCooldown(actionType) {
		return fmt.Errorf("%s: %w", actionType, ErrCooldown)
	}
	return tb.sendPhoto(ctx, photoData, caption)
}

// sendPhoto sends a photo using multipart form data
func (tb *TelegramBot) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", tb.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}

	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "incident_snapshot.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = handleResponse(resp)
	return err
}

// call sends a JSON request to a Bot API method
func (tb *TelegramBot) call(ctx context.Context, method string, payload map[string]interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(method), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

func (tb *TelegramBot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.apiBase, tb.botToken, method)
}

// handleResponse processes the Telegram API response
func handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}

// GetBotInfo retrieves information about the bot
func (tb *TelegramBot) GetBotInfo(ctx context.Context) (map[string]interface{}, error) {
	if tb.botToken == "" {
		return nil, fmt.Errorf("bot token not configured")
	}

	result, err := tb.call(ctx, "getMe", map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}

	var info map[string]interface{}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unexpected response format: %w", err)
	}
	return info, nil
}

// CleanupCooldownTracking removes old cooldown entries
func (tb *TelegramBot) CleanupCooldownTracking() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	for actionType, lastTime := range tb.cooldownTracker {
		if now.Sub(lastTime) > tb.cooldownPeriod*2 {
			delete(tb.cooldownTracker, actionType)
		}
	}
}

func timestamp(t time.Time) string {
	zoneName, _ := t.Zone()
	return fmt.Sprintf("%s %s", t.Format("2 Jan 2006, 15:04:05"), zoneName)
}
