// Package session is the Stream Session Manager: it runs the
// admitted → streaming → ended{reason} state machine for every live
// tuner session, enforces capacity/duplicate-client admission rules, and
// sweeps idle or stale sessions in the background.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tunerbridge/tunerd/internal/kvcache"
	"github.com/tunerbridge/tunerd/internal/model"
)

// EndReason enumerates why a session stopped.
type EndReason string

const (
	ReasonNormal           EndReason = "normal"
	ReasonClientDisconnect EndReason = "client_disconnect"
	ReasonTimeout          EndReason = "timeout"
	ReasonStale            EndReason = "stale"
	ReasonManual           EndReason = "manual_termination"
	ReasonClientReconnect  EndReason = "client_reconnect"
	ReasonPlexReconnect    EndReason = "plex_reconnect"
	ReasonFFmpegError      EndReason = "ffmpeg_error"
	ReasonProcessClosed    EndReason = "process_closed"
	ReasonForced           EndReason = "forced"
	ReasonCleanupStale     EndReason = "cleanup_stale"
	ReasonShutdown         EndReason = "shutdown"
)

// Descriptor is the input to Admit.
type Descriptor struct {
	StreamID    string
	ChannelID   string
	ChannelName string
	RemoteAddr  string
	UserAgent   string
	ClientFP    string
	StreamURL   string
	StreamKind  string
}

type bandwidthSample struct {
	at      time.Time
	bitrate int64
}

type activeSession struct {
	model.Session
	samples   []bandwidthSample
	timeoutAt time.Time
}

// HistoryRecorder persists session rows and answers history queries over
// them, satisfied by *store.Store.
type HistoryRecorder interface {
	RecordSession(ctx context.Context, sess model.Session) error
	SessionHistory(ctx context.Context, limit, offset int) ([]model.Session, error)
}

// Manager is the Stream Session Manager.
type Manager struct {
	history HistoryRecorder
	onEvent func(kind string, payload any)

	maxConcurrent     func() int
	perChannelCeiling func() int
	streamTimeout     func() time.Duration

	// Cache, when set, is written through on every session state change
	// (key "session:{id}") and on every bandwidth broadcast tick (key
	// "metrics:system"), so other processes/handlers can read current
	// session/capacity state without going through the Manager itself.
	Cache *kvcache.Cache

	mu     sync.Mutex
	active map[string]*activeSession
}

// New constructs a Manager. maxConcurrent/perChannelCeiling/streamTimeout
// are read live on every admission/timeout check so Settings Store updates
// take effect without a restart. onEvent (may be nil) broadcasts
// session:* events over the event bus.
func New(history HistoryRecorder, maxConcurrent, perChannelCeiling func() int, streamTimeout func() time.Duration, onEvent func(string, any)) *Manager {
	return &Manager{
		history:           history,
		onEvent:           onEvent,
		maxConcurrent:     maxConcurrent,
		perChannelCeiling: perChannelCeiling,
		streamTimeout:     streamTimeout,
		active:            map[string]*activeSession{},
	}
}

// AdmitResult is returned by Admit.
type AdmitResult struct {
	Session    *model.Session
	Rejected   bool
	HTTPStatus int
	Reason     string
}

// Admit runs the admission algorithm: end any existing session for the
// same (client fingerprint, stream id), then enforce global and
// per-channel ceilings before allocating a new session.
func (m *Manager) Admit(ctx context.Context, d Descriptor, reconnectReason EndReason) AdmitResult {
	m.mu.Lock()
	for id, s := range m.active {
		if s.ClientFP == d.ClientFP && s.StreamID == d.StreamID {
			m.endLocked(ctx, id, reconnectReason)
		}
	}
	if len(m.active) >= m.maxConcurrent() {
		m.mu.Unlock()
		return AdmitResult{Rejected: true, HTTPStatus: 503, Reason: "at capacity"}
	}
	ceiling := m.perChannelCeiling()
	if ceiling <= 0 {
		ceiling = 3
	}
	inChannel := 0
	for _, s := range m.active {
		if s.ChannelID == d.ChannelID {
			inChannel++
		}
	}
	if inChannel >= ceiling {
		m.mu.Unlock()
		return AdmitResult{Rejected: true, HTTPStatus: 503, Reason: "channel at capacity"}
	}

	id := fmt.Sprintf("%s_%s_%d", firstNonEmpty(d.StreamID, d.ChannelID), d.ClientFP, time.Now().UnixMilli())
	now := time.Now()
	sess := model.Session{
		ID:           id,
		StreamID:     d.StreamID,
		ChannelID:    d.ChannelID,
		ChannelName:  d.ChannelName,
		StreamURL:    d.StreamURL,
		ClientFP:     d.ClientFP,
		RemoteAddr:   d.RemoteAddr,
		UserAgent:    d.UserAgent,
		State:        model.SessionStarting,
		StartedAt:    now,
		LastActivity: now,
	}
	as := &activeSession{Session: sess, timeoutAt: now.Add(m.timeoutDuration())}
	m.active[id] = as
	m.mu.Unlock()

	if m.history != nil {
		m.history.RecordSession(ctx, sess)
	}
	m.cacheSession(ctx, sess)
	m.emit("session:started", sess)
	out := sess
	return AdmitResult{Session: &out}
}

func (m *Manager) timeoutDuration() time.Duration {
	if m.streamTimeout == nil {
		return 30 * time.Second
	}
	d := m.streamTimeout()
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// MarkStreaming transitions a session from starting to streaming.
func (m *Manager) MarkStreaming(sessionID string) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if ok {
		s.State = model.SessionStreaming
	}
	m.mu.Unlock()
	if ok {
		m.cacheSession(context.Background(), s.Session)
	}
}

// Update records a byte delta and optional current-bitrate observation,
// resets the rolling timeout, and maintains the 30-second bitrate-sample
// ring used by getBandwidthStats.
func (m *Manager) Update(sessionID string, bytesDelta int64, currentBitrate *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[sessionID]
	if !ok {
		return
	}
	s.BytesStreamed += bytesDelta
	s.LastActivity = time.Now()
	s.timeoutAt = s.LastActivity.Add(m.timeoutDuration())
	if currentBitrate != nil {
		s.BitrateBPS = *currentBitrate
		s.samples = append(s.samples, bandwidthSample{at: s.LastActivity, bitrate: *currentBitrate})
		cutoff := s.LastActivity.Add(-30 * time.Second)
		i := 0
		for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
			i++
		}
		s.samples = s.samples[i:]
	}
}

// End transitions a session to ended, records final stats, emits
// session:ended, and removes it from the in-memory active map.
func (m *Manager) End(ctx context.Context, sessionID string, reason EndReason) {
	m.mu.Lock()
	m.endLocked(ctx, sessionID, reason)
	m.mu.Unlock()
}

func (m *Manager) endLocked(ctx context.Context, sessionID string, reason EndReason) {
	s, ok := m.active[sessionID]
	if !ok {
		return
	}
	now := time.Now()
	s.State = model.SessionStopped
	s.StopReason = string(reason)
	s.EndedAt = &now
	s.AvgBitrateBPS, s.PeakBitrateBPS = bandwidthStats(s.samples)
	delete(m.active, sessionID)
	final := s.Session
	if m.history != nil {
		m.history.RecordSession(ctx, final)
	}
	m.cacheSession(ctx, final)
	m.emit("session:ended", final)
}

// RecordError increments a session's error counter from one classified
// ffmpeg stderr line, emitting session:error for critical severities so
// operators can alert on them without polling.
func (m *Manager) RecordError(sessionID, severity string) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if ok {
		s.ErrorCount++
	}
	m.mu.Unlock()
	if ok && severity == "critical" {
		m.emit("session:error", map[string]any{"session_id": sessionID, "severity": severity})
	}
}

// GetActive returns a snapshot copy of every active session.
func (m *Manager) GetActive() []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.Session)
	}
	return out
}

// GetActiveByClientAndStream returns the active session (if any) for a
// given client fingerprint against a given stream identity.
func (m *Manager) GetActiveByClientAndStream(fingerprint, streamID string) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.active {
		if s.ClientFP == fingerprint && s.StreamID == streamID {
			return s.Session, true
		}
	}
	return model.Session{}, false
}

// GetSessionHistory returns stopped sessions, most-recent-first, delegating
// to the history backend so ended sessions remain queryable after they
// leave the active map.
func (m *Manager) GetSessionHistory(ctx context.Context, limit, offset int) ([]model.Session, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.SessionHistory(ctx, limit, offset)
}

// EndByClient ends every active session belonging to fingerprint, for the
// operator's "terminate this client" action. Returns the count ended.
func (m *Manager) EndByClient(ctx context.Context, fingerprint string) int {
	m.mu.Lock()
	var ids []string
	for id, s := range m.active {
		if s.ClientFP == fingerprint {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		m.endLocked(ctx, id, ReasonForced)
	}
	m.mu.Unlock()
	return len(ids)
}

// GetCapacityMetrics builds the capacity report; CapacityStatus buckets its
// utilization into normal (<=70%), warning (<=90%), critical (>90%).
func (m *Manager) GetCapacityMetrics() model.CapacityReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := m.maxConcurrent()
	byChannel := map[string]int{}
	for _, s := range m.active {
		byChannel[s.ChannelID]++
	}
	return model.CapacityReport{
		MaxConcurrent:     max,
		ActiveTotal:       len(m.active),
		PerChannelCeiling: m.perChannelCeiling(),
		ActiveByChannel:   byChannel,
	}
}

// CapacityStatus classifies a CapacityReport's utilization.
func CapacityStatus(r model.CapacityReport) string {
	if r.MaxConcurrent <= 0 {
		return "normal"
	}
	pct := float64(r.ActiveTotal) / float64(r.MaxConcurrent) * 100
	switch {
	case pct > 90:
		return "critical"
	case pct > 70:
		return "warning"
	default:
		return "normal"
	}
}

// GetBandwidthStats returns the average and peak bitrate over each active
// session's 30-second sample ring.
func (m *Manager) GetBandwidthStats() map[string]struct{ Avg, Peak int64 } {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{ Avg, Peak int64 }{}
	for id, s := range m.active {
		avg, peak := bandwidthStats(s.samples)
		out[id] = struct{ Avg, Peak int64 }{Avg: avg, Peak: peak}
	}
	return out
}

// bandwidthStats computes the average and peak bitrate over a sample ring.
func bandwidthStats(samples []bandwidthSample) (avg, peak int64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum int64
	for _, sample := range samples {
		sum += sample.bitrate
		if sample.bitrate > peak {
			peak = sample.bitrate
		}
	}
	return sum / int64(len(samples)), peak
}

// Sweep runs the background maintenance pass: expire sessions past their
// rolling timeout (reason timeout), and sessions older than 1 hour wall
// clock (reason stale). Run calls it every second, so a rolling timeout is
// acted on within about a second, and again on its 5-minute sweep tick.
func (m *Manager) Sweep(ctx context.Context) int {
	now := time.Now()
	m.mu.Lock()
	var toEnd []struct {
		id     string
		reason EndReason
	}
	for id, s := range m.active {
		if now.After(s.timeoutAt) {
			toEnd = append(toEnd, struct {
				id     string
				reason EndReason
			}{id, ReasonTimeout})
			continue
		}
		if now.Sub(s.StartedAt) > time.Hour {
			toEnd = append(toEnd, struct {
				id     string
				reason EndReason
			}{id, ReasonStale})
		}
	}
	for _, e := range toEnd {
		m.endLocked(ctx, e.id, e.reason)
	}
	m.mu.Unlock()
	return len(toEnd)
}

// Cleanup runs an on-demand sweep for the operator's cleanup action,
// reporting how many stale/timed-out sessions it ended.
func (m *Manager) Cleanup(ctx context.Context) int {
	return m.Sweep(ctx)
}

// Run starts the 5-minute sweep loop, the 1-second timeout check (also a
// Sweep) and the 2-second bandwidth-broadcast loop; all stop when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(5 * time.Minute)
	timeoutTicker := time.NewTicker(time.Second)
	bwTicker := time.NewTicker(2 * time.Second)
	defer sweepTicker.Stop()
	defer timeoutTicker.Stop()
	defer bwTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			m.Sweep(ctx)
		case <-timeoutTicker.C:
			m.Sweep(ctx)
		case <-bwTicker.C:
			bw := m.GetBandwidthStats()
			m.emit("session:bandwidth", bw)
			if m.Cache != nil {
				if enc, err := json.Marshal(struct {
					Capacity  model.CapacityReport                       `json:"capacity"`
					Bandwidth map[string]struct{ Avg, Peak int64 } `json:"bandwidth"`
				}{m.GetCapacityMetrics(), bw}); err == nil {
					m.Cache.Set(ctx, "metrics:system", string(enc), 0)
				}
			}
		}
	}
}

func (m *Manager) emit(kind string, payload any) {
	if m.onEvent != nil {
		m.onEvent(kind, payload)
	}
}

// cacheSession write-throughs sess's current state to "session:{id}", so it
// stays readable even though the in-memory map is the Manager's own.
func (m *Manager) cacheSession(ctx context.Context, sess model.Session) {
	if m.Cache == nil {
		return
	}
	enc, err := json.Marshal(sess)
	if err != nil {
		return
	}
	m.Cache.Set(ctx, "session:"+sess.ID, string(enc), 5*time.Minute)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// FormatBytes renders a byte count as a human string, e.g. "1.2 MB".
func FormatBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

// FormatBitrate renders bits/sec as "2.1 Mbps" / "350 kbps".
func FormatBitrate(bps int64) string {
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.1f Mbps", float64(bps)/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%d kbps", bps/1_000)
	default:
		return fmt.Sprintf("%d bps", bps)
	}
}

// FormatDuration renders d as "HhMmSs".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	mnt := d / time.Minute
	d -= mnt * time.Minute
	sec := d / time.Second
	return fmt.Sprintf("%dh%dm%ds", h, mnt, sec)
}
