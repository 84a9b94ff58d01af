package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"sentinai/internal/pipeline"
)

// Notifier turns pipeline events into Telegram alerts: a photo when an
// incident starts recording and a follow-up with the reasoner verdict
type Notifier struct {
	bot     *TelegramBot
	timeout time.Duration
}

// NewNotifier creates a notifier
func NewNotifier(bot *TelegramBot) *Notifier {
	return &Notifier{bot: bot, timeout: 30 * time.Second}
}

// Run consumes events until ctx is cancelled or the channel is closed
func (n *Notifier) Run(ctx context.Context, events <-chan *pipeline.ThreatEvent) {
	cleanup := time.NewTicker(10 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := n.Handle(ctx, ev); err != nil && !errors.Is(err, ErrCooldown) {
				n.bot.logger.Printf("[Telegram] Failed to send %s alert: %v", ev.Type, err)
			}
		case <-cleanup.C:
			n.bot.CleanupCooldownTracking()
		}
	}
}

// Handle sends the alert for one event, if any
func (n *Notifier) Handle(ctx context.Context, ev *pipeline.ThreatEvent) error {
	if !n.bot.IsEnabled() || ev.Incident == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	switch ev.Type {
	case pipeline.EventIncidentStarted:
		caption := threatCaption(ev)
		actionType := "threat:" + ev.CameraID
		if len(ev.Snapshot) > 0 {
			return n.bot.SendPhoto(ctx, actionType, ev.Snapshot, caption)
		}
		return n.bot.SendMessage(ctx, actionType, caption)

	case pipeline.EventIncidentAnalyzed:
		if ev.Report == nil {
			return nil
		}
		// Follow-ups are never rate limited
		return n.bot.SendMessage(ctx, "", reportMessage(ev))

	case pipeline.EventIncidentFailed:
		return n.bot.SendMessage(ctx, "", fmt.Sprintf(
			"⚠️ <b>Incident analysis failed</b>\n\n🆔 %s\n❌ %s",
			shortID(ev.Incident.ID), html.EscapeString(ev.Error)))
	}
	return nil
}

func threatCaption(ev *pipeline.ThreatEvent) string {
	ids := make([]string, 0, len(ev.Incident.TrackIDs))
	for _, id := range ev.Incident.TrackIDs {
		ids = append(ids, fmt.Sprintf("#%d", id))
	}
	return fmt.Sprintf(
		"🚨 <b>CONFIRMED THREAT</b>\n\n"+
			"📹 Camera: %s\n"+
			"🎯 Tracks: %s\n"+
			"🆔 Incident: %s\n"+
			"🕐 Time: %s\n\n"+
			"Recording in progress, analysis to follow.",
		html.EscapeString(ev.CameraID),
		strings.Join(ids, ", "),
		shortID(ev.Incident.ID),
		timestamp(ev.Incident.StartedAt),
	)
}

func reportMessage(ev *pipeline.ThreatEvent) string {
	r := ev.Report
	verdict := "🟢 <b>No threat confirmed</b>"
	if r.ThreatDetected {
		verdict = "🔴 <b>Threat confirmed</b>"
	}

	var sb strings.Builder
	sb.WriteString(verdict)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "🆔 Incident: %s\n", shortID(ev.Incident.ID))
	if r.Classification != "" {
		fmt.Fprintf(&sb, "🏷 Type: %s\n", html.EscapeString(r.Classification))
	}
	if r.Confidence != nil {
		fmt.Fprintf(&sb, "📈 Confidence: %.0f%%\n", *r.Confidence*100)
	}
	if r.Description != "" {
		fmt.Fprintf(&sb, "📝 %s\n", html.EscapeString(r.Description))
	}
	fmt.Fprintf(&sb, "🤖 Reasoner: %s", html.EscapeString(r.Reasoner))
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
