package reasoner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"sentinai/internal/pipeline"
)

var (
	classificationKeys = []string{"classification", "threat_type", "category"}
	descriptionKeys    = []string{"description", "summary"}
)

// ParseReport decodes a model reply into a report. The reply must be a JSON
// object, optionally wrapped in a markdown code fence. Unknown keys are kept
// in Details.
func ParseReport(content string) (*pipeline.IncidentReport, error) {
	content = stripFence(content)

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}

	report := &pipeline.IncidentReport{
		ThreatDetected: truthy(raw["threat_detected"]),
	}
	delete(raw, "threat_detected")

	report.Classification = firstString(raw, classificationKeys)
	report.Description = firstString(raw, descriptionKeys)

	if v, ok := raw["confidence"]; ok {
		if c, ok := number(v); ok {
			report.Confidence = &c
		}
		delete(raw, "confidence")
	}

	if len(raw) > 0 {
		report.Details = raw
	}
	return report, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstString(raw map[string]any, keys []string) string {
	var out string
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && out == "" {
			out = s
			delete(raw, k)
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil {
			return 0, false
		}
		if strings.HasSuffix(strings.TrimSpace(t), "%") {
			f /= 100
		}
		return f, true
	}
	return 0, false
}

func noFramesReport(model string) *pipeline.IncidentReport {
	return &pipeline.IncidentReport{
		ThreatDetected: false,
		Description:    NoFramesDescription,
		Model:          model,
	}
}
