package config

import (
	"time"

	"github.com/ncruces/go-strftime"
)

var dateStrftime = map[string]string{
	"YYYY-MM-DD": "%Y-%m-%d",
	"MM/DD/YYYY": "%m/%d/%Y",
	"DD/MM/YYYY": "%d/%m/%Y",
	"DD.MM.YYYY": "%d.%m.%Y",
}

var timeStrftime = map[string]string{
	"24h": "%H:%M:%S",
	"12h": "%I:%M:%S %p",
}

// FormatTimestamp renders t using the localization.dateFormat/timeFormat
// settings carried in tree (as produced by Settings.Load), falling back to
// RFC3339 when either setting is missing or unrecognized.
func FormatTimestamp(tree map[string]any, t time.Time) string {
	dateKey, _ := getPath(tree, "localization.dateFormat")
	timeKey, _ := getPath(tree, "localization.timeFormat")

	dateLayout, ok := dateStrftime[asString(dateKey)]
	if !ok {
		return t.Format(time.RFC3339)
	}
	timeLayout, ok := timeStrftime[asString(timeKey)]
	if !ok {
		return t.Format(time.RFC3339)
	}

	out, err := strftime.Format(dateLayout+" "+timeLayout, t)
	if err != nil {
		return t.Format(time.RFC3339)
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
