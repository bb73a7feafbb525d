// Package model holds the domain vocabulary shared by every tunerd
// subsystem: channels, their streams, and live sessions against them.
package model

import "time"

// Channel is one entry in the lineup presented to HDHomeRun clients.
type Channel struct {
	ID              string `json:"id"`               // stable identifier used in /stream/{id}
	GuideNumber     string `json:"guide_number"`     // e.g. "101.1"
	GuideName       string `json:"guide_name"`
	TVGID           string `json:"tvg_id,omitempty"` // EPG source channel id, when known
	Favorite        bool   `json:"favorite"`
	HD              bool   `json:"hd"`
}

// Stream is one candidate upstream URL for a Channel, ordered by Priority
// (lowest first = primary). Multiple rows per channel support failover.
type Stream struct {
	ID        int64  `json:"id"`
	ChannelID string `json:"channel_id"`
	URL       string `json:"url"`
	Priority  int    `json:"priority"`
	Profile   string `json:"profile,omitempty"` // explicit encoder profile override, empty = auto-detect
}

// SessionState is the lifecycle stage of a Session.
type SessionState string

const (
	SessionStarting  SessionState = "starting"
	SessionStreaming SessionState = "streaming"
	SessionStalled   SessionState = "stalled"
	SessionStopping  SessionState = "stopping"
	SessionStopped   SessionState = "stopped"
)

// Session is one live admission against a Channel, owned by a single client.
type Session struct {
	ID             string       `json:"id"`
	StreamID       string       `json:"stream_id"`
	ChannelID      string       `json:"channel_id"`
	ChannelName    string       `json:"channel_name"`
	StreamURL      string       `json:"stream_url"`
	ClientFP       string       `json:"client_fingerprint"`
	RemoteAddr     string       `json:"remote_addr"`
	UserAgent      string       `json:"user_agent"`
	State          SessionState `json:"state"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivity   time.Time    `json:"last_activity"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	BytesStreamed  int64        `json:"bytes_streamed"`
	BitrateBPS     int64        `json:"bitrate_bps"`
	AvgBitrateBPS  int64        `json:"avg_bitrate_bps"`
	PeakBitrateBPS int64        `json:"peak_bitrate_bps"`
	ErrorCount     int          `json:"error_count"`
	StopReason     string       `json:"stop_reason,omitempty"`
}

// Program is one EPG schedule entry for a guide channel (tvg-id), as held
// in the epg_programs table.
type Program struct {
	SourceID  string    `json:"source_id"`
	TVGID     string    `json:"tvg_id"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Descr     string    `json:"description,omitempty"`
}

// CapacityReport is a point-in-time snapshot of admission limits and usage,
// returned by the session manager and surfaced over the event bus.
type CapacityReport struct {
	MaxConcurrent     int            `json:"max_concurrent"`
	ActiveTotal       int            `json:"active_total"`
	PerChannelCeiling int            `json:"per_channel_ceiling"`
	ActiveByChannel   map[string]int `json:"active_by_channel"`
}

// BandwidthSample is one bitrate observation for a session, used to build
// the rolling average the formatting helpers render as a human string.
type BandwidthSample struct {
	SessionID string
	At        time.Time
	Bytes     int64
}
