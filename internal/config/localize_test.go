package config

import (
	"testing"
	"time"
)

func TestFormatTimestampUsesConfiguredLayout(t *testing.T) {
	tree := map[string]any{
		"localization": map[string]any{
			"dateFormat": "YYYY-MM-DD",
			"timeFormat": "24h",
		},
	}
	when := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	got := FormatTimestamp(tree, when)
	if got != "2026-03-05 09:30:00" {
		t.Errorf("FormatTimestamp = %q", got)
	}
}

func TestFormatTimestampFallsBackOnUnknownFormat(t *testing.T) {
	tree := map[string]any{
		"localization": map[string]any{
			"dateFormat": "bogus",
			"timeFormat": "24h",
		},
	}
	when := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	got := FormatTimestamp(tree, when)
	if got != when.Format(time.RFC3339) {
		t.Errorf("FormatTimestamp fallback = %q", got)
	}
}
