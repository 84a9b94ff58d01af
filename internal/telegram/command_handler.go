package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinai/internal/database"
	"sentinai/internal/pipeline"
)

// MonitorInfo is the part of the monitor the bot reports on
type MonitorInfo interface {
	Stats() pipeline.MonitorStats
	Tracks() []pipeline.TrackView
}

// IncidentLister lists recorded incidents
type IncidentLister interface {
	ListIncidents(f database.IncidentFilter) ([]*database.IncidentRecord, error)
}

// SnapshotSource returns the latest annotated frame as JPEG
type SnapshotSource interface {
	Snapshot() []byte
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage represents an incoming Telegram message
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler answers bot commands from the authorized chat
type CommandHandler struct {
	bot          *TelegramBot
	monitor      MonitorInfo
	incidents    IncidentLister // optional
	live         SnapshotSource // optional
	lastUpdateID int64
	startTime    time.Time
	interval     time.Duration
	mu           sync.Mutex
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(bot *TelegramBot, monitor MonitorInfo, incidents IncidentLister, live SnapshotSource) *CommandHandler {
	return &CommandHandler{
		bot:       bot,
		monitor:   monitor,
		incidents: incidents,
		live:      live,
		startTime: time.Now(),
		interval:  2 * time.Second,
	}
}

// StartPolling polls for updates until ctx is cancelled
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if err := ch.bot.ready(); err != nil {
		return err
	}

	ch.bot.logger.Printf("[Telegram] Command polling started")

	ticker := time.NewTicker(ch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ch.bot.logger.Printf("[Telegram] Command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				ch.bot.logger.Printf("[Telegram] Failed to poll updates: %v", err)
			}
		}
	}
}

// pollUpdates fetches and processes updates from Telegram
func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	result, err := ch.bot.call(ctx, "getUpdates", map[string]interface{}{"offset": offset, "timeout": 1})
	if err != nil {
		return err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()

		if update.Message != nil {
			ch.handleMessage(ctx, update.Message)
		}
	}
	return nil
}

// handleMessage processes an incoming message
func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage) {
	if msg.Chat == nil {
		return
	}

	// Only respond to the authorized chat
	if strconv.FormatInt(msg.Chat.ID, 10) != ch.bot.chatID {
		ch.bot.logger.Printf("[Telegram] Ignoring message from unauthorized chat %d", msg.Chat.ID)
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	// Remove bot username suffix (e.g. /status@mybot)
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	var response string
	switch command {
	case "/start", "/help":
		response = handleHelp()
	case "/status":
		response = ch.handleStatus()
	case "/tracks":
		response = ch.handleTracks()
	case "/incidents":
		response = ch.handleIncidents(args)
	case "/snapshot":
		ch.handleSnapshot(ctx)
		return
	default:
		response = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}

	if err := ch.bot.SendMessage(ctx, "", response); err != nil {
		ch.bot.logger.Printf("[Telegram] Failed to send reply: %v", err)
	}
}

func handleHelp() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"/status - Pipeline status\n" +
		"/tracks - Tracked people and threat levels\n" +
		"/incidents [limit] - Recent incidents\n" +
		"/snapshot - Current annotated frame\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus() string {
	s := ch.monitor.Stats()

	state := "running"
	if !s.Running {
		state = "stopped"
	}
	recording := "no"
	if s.Recording {
		recording = "yes"
	}

	return fmt.Sprintf(
		"📊 <b>System Status</b>\n\n"+
			"📹 Camera: %s (%s)\n"+
			"🎞 Frames: %d\n"+
			"🧠 Clips: %d analyzed, %d dropped, %d failed\n"+
			"👥 Tracked: %d\n"+
			"⏺ Recording: %s\n"+
			"📁 Incidents: %d finalized, %d pending analysis\n"+
			"⏱️ Uptime: %s",
		html.EscapeString(s.CameraID), state,
		s.FramesIngested,
		s.JobsAnalyzed, s.JobsDropped, s.JobsFailed,
		s.TrackedIDs,
		recording,
		s.IncidentsFinished, s.ReasoningPending,
		formatDuration(time.Since(ch.startTime)),
	)
}

func (ch *CommandHandler) handleTracks() string {
	tracks := ch.monitor.Tracks()
	if len(tracks) == 0 {
		return "👥 <b>Tracks</b>\n\nNobody in view."
	}

	var sb strings.Builder
	sb.WriteString("👥 <b>Tracks</b>\n\n")
	for _, t := range tracks {
		icon := "🟢"
		switch t.Level {
		case pipeline.LevelSuspicious:
			icon = "🟠"
		case pipeline.LevelConfirmed:
			icon = "🔴"
		}
		fmt.Fprintf(&sb, "%s #%d %s\n", icon, t.TrackID, html.EscapeString(t.Label))
	}
	return sb.String()
}

func (ch *CommandHandler) handleIncidents(args []string) string {
	if ch.incidents == nil {
		return "📋 Incident catalogue is not enabled."
	}

	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	incidents, err := ch.incidents.ListIncidents(database.IncidentFilter{Limit: limit})
	if err != nil {
		return fmt.Sprintf("❌ Failed to list incidents: %s", html.EscapeString(err.Error()))
	}
	if len(incidents) == 0 {
		return "📋 <b>Recent Incidents</b>\n\nNo incidents recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Recent Incidents</b> (last %d)\n\n", len(incidents))
	for i, inc := range incidents {
		verdict := inc.Status
		if inc.ThreatDetected != nil {
			verdict = "benign"
			if *inc.ThreatDetected {
				verdict = "threat"
			}
			if inc.Classification != "" {
				verdict += ": " + inc.Classification
			}
		}
		fmt.Fprintf(&sb, "%d. %s %s\n   %s\n", i+1, shortID(inc.ID),
			inc.StartedAt.Local().Format("Jan 2, 15:04:05"), html.EscapeString(verdict))
	}
	return sb.String()
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context) {
	var frame []byte
	if ch.live != nil {
		frame = ch.live.Snapshot()
	}
	if len(frame) == 0 {
		_ = ch.bot.SendMessage(ctx, "", "⚠️ No frame available yet.")
		return
	}

	caption := fmt.Sprintf("📸 <b>Snapshot</b>\n\n🕐 Time: %s", timestamp(time.Now()))
	if err := ch.bot.SendPhoto(ctx, "", frame, caption); err != nil {
		_ = ch.bot.SendMessage(ctx, "", fmt.Sprintf("❌ Failed to send snapshot: %s", html.EscapeString(err.Error())))
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
