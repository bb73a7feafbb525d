// Package proxy is the Stream Proxy: the per-request handler that admits
// a session, classifies the upstream, and either relays an HLS playlist
// directly, transcodes via the Encoder Driver, or hands off to the
// Progressive Handler, accounting bandwidth back to the Session Manager
// throughout.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tunerbridge/tunerd/internal/encoder"
	"github.com/tunerbridge/tunerd/internal/format"
	"github.com/tunerbridge/tunerd/internal/httpclient"
	"github.com/tunerbridge/tunerd/internal/kvcache"
	"github.com/tunerbridge/tunerd/internal/model"
	"github.com/tunerbridge/tunerd/internal/progressive"
	"github.com/tunerbridge/tunerd/internal/session"
)

// Fingerprint builds the stable client identity used for duplicate-session
// detection: base64 of "(forwardedFor||address)|userAgent", truncated to
// 16 characters.
func Fingerprint(forwardedFor, remoteAddr, userAgent string) string {
	addr := forwardedFor
	if addr == "" {
		addr = remoteAddr
	}
	raw := addr + "|" + userAgent
	enc := base64.RawURLEncoding.EncodeToString([]byte(raw))
	if len(enc) > 16 {
		enc = enc[:16]
	}
	return enc
}

// Proxy wires the Session Manager, Format Detector, and Encoder Driver
// into request handling.
type Proxy struct {
	Sessions   *session.Manager
	Detector   *format.Detector
	FFmpegPath string
	BaseURL    func() string
	UserAgent  string
	HTTPClient *http.Client

	// Cache, when set, short-circuits repeat format detection for the same
	// stream under key "stream:{id}" for the detection's cached lifetime.
	Cache *kvcache.Cache
}

const streamDetectCacheTTL = 5 * time.Minute

// ServeChannel handles one GET /stream/{channelId} request against the
// channel's ordered candidate streams (first = primary).
func (p *Proxy) ServeChannel(w http.ResponseWriter, r *http.Request, ch model.Channel, streams []model.Stream) {
	if len(streams) == 0 {
		http.Error(w, "no stream configured for channel", http.StatusNotFound)
		return
	}
	fp := Fingerprint(r.Header.Get("X-Forwarded-For"), r.RemoteAddr, r.UserAgent())

	reason := session.ReasonClientReconnect
	if strings.Contains(strings.ToLower(r.UserAgent()), "plex") {
		reason = session.ReasonPlexReconnect
	}
	primary := streams[0]
	admit := p.Sessions.Admit(r.Context(), session.Descriptor{
		StreamID:    strconv.FormatInt(primary.ID, 10),
		ChannelID:   ch.ID,
		ChannelName: ch.GuideName,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		ClientFP:    fp,
		StreamURL:   primary.URL,
	}, reason)
	if admit.Rejected {
		http.Error(w, admit.Reason, admit.HTTPStatus)
		return
	}
	sessID := admit.Session.ID

	det, err := p.detect(r.Context(), admit.Session.StreamID, primary.URL)
	if err != nil {
		p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
		http.Error(w, "unrecognized stream format", http.StatusBadRequest)
		return
	}

	switch {
	case det.Kind == format.KindHLS:
		p.serveHLSDirect(w, r, sessID, primary.URL, ch.ID, det)
	case isSlowOpeningKind(det.Kind):
		p.serveTranscodeProgressive(w, r, sessID, primary, det)
	default:
		p.serveTranscode(w, r, sessID, primary, det)
	}
}

// detect resolves streamURL's format, consulting the "stream:{id}" cache
// entry first so a reconnecting client doesn't re-probe an origin that was
// just classified.
func (p *Proxy) detect(ctx context.Context, streamID, streamURL string) (format.Detection, error) {
	cacheKey := "stream:" + streamID
	if p.Cache != nil && streamID != "" {
		if raw, ok := p.Cache.Get(ctx, cacheKey); ok {
			var det format.Detection
			if err := json.Unmarshal([]byte(raw), &det); err == nil {
				return det, nil
			}
		}
	}
	det, err := p.Detector.Detect(ctx, streamURL)
	if err != nil {
		return format.Detection{}, err
	}
	if p.Cache != nil && streamID != "" {
		if enc, err := json.Marshal(det); err == nil {
			p.Cache.Set(ctx, cacheKey, string(enc), streamDetectCacheTTL)
		}
	}
	return det, nil
}

// isSlowOpeningKind reports whether an origin kind commonly takes long
// enough to connect that a keep-alive handoff is worth the extra layer
// (RTSP/RTMP/SRT handshakes, UDP multicast joins).
func isSlowOpeningKind(k format.Kind) bool {
	switch k {
	case format.KindRTSP, format.KindRTMP, format.KindUDP, format.KindSRT, format.KindMMS:
		return true
	default:
		return false
	}
}

// watchStderr scans an encoder Process's stderr line by line, classifying
// each line's severity and recording it against the session's error
// counter until the pipe closes (process exit or Kill).
func (p *Proxy) watchStderr(proc *encoder.Process, sessID string) {
	if proc.Stderr == nil {
		return
	}
	scanner := bufio.NewScanner(proc.Stderr)
	for scanner.Scan() {
		p.Sessions.RecordError(sessID, encoder.ClassifySeverity(scanner.Text()))
	}
}

// countingStdout wraps an encoder Process's stdout so the Progressive
// Handler's plain io.Copy still accounts bytes and bitrate back to the
// Session Manager, and kills the subprocess on Close.
type countingStdout struct {
	proc   *encoder.Process
	sess   *session.Manager
	sessID string
	last   time.Time
}

func (c *countingStdout) Read(p []byte) (int, error) {
	n, err := c.proc.Stdout.Read(p)
	if n > 0 {
		now := time.Now()
		var bitrate *int64
		if !c.last.IsZero() {
			if dt := now.Sub(c.last); dt >= 100*time.Millisecond {
				bps := int64(float64(8*n) / dt.Seconds())
				bitrate = &bps
			}
		}
		c.last = now
		c.sess.Update(c.sessID, int64(n), bitrate)
	}
	return n, err
}

func (c *countingStdout) Close() error {
	c.proc.Kill()
	return nil
}

func (p *Proxy) serveTranscodeProgressive(w http.ResponseWriter, r *http.Request, sessID string, st model.Stream, det format.Detection) {
	profile := encoder.ProfileDefault
	if st.Profile != "" {
		profile = encoder.Profile(st.Profile)
	}
	handler := progressive.New()
	handler.Serve(r.Context(), w, func(ctx context.Context) (io.ReadCloser, error) {
		proc, err := encoder.Start(ctx, encoder.Options{
			InputURL:   st.URL,
			Kind:       det.Kind,
			Profile:    profile,
			FFmpegPath: p.FFmpegPath,
		})
		if err != nil {
			return nil, err
		}
		p.Sessions.MarkStreaming(sessID)
		go p.watchStderr(proc, sessID)
		return &countingStdout{proc: proc, sess: p.Sessions, sessID: sessID}, nil
	})
	switch handler.Phase() {
	case progressive.PhaseCompleted:
		p.Sessions.End(r.Context(), sessID, session.ReasonProcessClosed)
	default:
		p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
	}
}

func (p *Proxy) serveHLSDirect(w http.ResponseWriter, r *http.Request, sessID, streamURL, channelID string, det format.Detection) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, streamURL, nil)
	if err != nil {
		p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
		http.Error(w, "bad upstream url", http.StatusBadGateway)
		return
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	client := p.HTTPClient
	if client == nil {
		client = httpclient.ForStreaming()
	}
	release := httpclient.GlobalHostSem.Acquire(streamURL)
	defer release()
	resp, err := httpclient.DoWithRetry(r.Context(), client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
		return
	}
	text := string(body)
	if format.IsMasterPlaylist(text) {
		rewritten := format.RewriteMasterPlaylist(text, p.BaseURL(), channelID)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(rewritten))
		p.Sessions.Update(sessID, int64(len(rewritten)), nil)
		p.Sessions.End(r.Context(), sessID, session.ReasonNormal)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write(body)
	p.Sessions.Update(sessID, int64(len(body)), nil)
	p.Sessions.End(r.Context(), sessID, session.ReasonNormal)
}

// OriginDir returns streamURL's directory, for joining against a relative
// HLS sub-resource path produced by format.RewriteMasterPlaylist.
func OriginDir(streamURL string) string {
	if idx := strings.LastIndex(streamURL, "/"); idx >= 0 {
		return streamURL[:idx]
	}
	return streamURL
}

// ServeSegment relays an HLS sub-resource (a variant playlist or a media
// segment) that a previously rewritten master playlist pointed Plex back
// at: it joins originDir with relativePath, fetches from the origin, and
// either relays a media segment's bytes as-is or rewrites a nested master
// playlist the same way serveHLSDirect does.
func (p *Proxy) ServeSegment(w http.ResponseWriter, r *http.Request, originDir, relativePath, channelID string) {
	target := strings.TrimSuffix(originDir, "/") + "/" + strings.TrimPrefix(relativePath, "/")
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad segment url", http.StatusBadGateway)
		return
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	client := p.HTTPClient
	if client == nil {
		client = httpclient.ForStreaming()
	}
	release := httpclient.GlobalHostSem.Acquire(target)
	defer release()
	resp, err := httpclient.DoWithRetry(r.Context(), client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if strings.Contains(relativePath, ".m3u8") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			http.Error(w, "upstream read failed", http.StatusBadGateway)
			return
		}
		text := string(body)
		if format.IsMasterPlaylist(text) {
			text = format.RewriteMasterPlaylist(text, p.BaseURL(), channelID)
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(text))
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	io.Copy(w, resp.Body)
}

func (p *Proxy) serveTranscode(w http.ResponseWriter, r *http.Request, sessID string, st model.Stream, det format.Detection) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Accept-Ranges", "none")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Transfer-Encoding", "chunked")

	profile := encoder.ProfileDefault
	if st.Profile != "" {
		profile = encoder.Profile(st.Profile)
	}
	proc, err := encoder.Start(r.Context(), encoder.Options{
		InputURL:   st.URL,
		Kind:       det.Kind,
		Profile:    profile,
		FFmpegPath: p.FFmpegPath,
	})
	if err != nil {
		p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
		http.Error(w, "failed to start encoder", http.StatusBadGateway)
		return
	}
	defer proc.Kill()
	p.Sessions.MarkStreaming(sessID)
	go p.watchStderr(proc, sessID)

	flusher, _ := w.(http.Flusher)
	out := newAdaptiveWriter(&flushingWriter{w: w, flusher: flusher})
	buf := make([]byte, 64*1024)
	var lastFlush time.Time
	for {
		n, err := proc.Stdout.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				p.endForWriteError(r.Context(), sessID, writeErr)
				return
			}
			now := time.Now()
			var bitrate *int64
			if !lastFlush.IsZero() {
				dt := now.Sub(lastFlush)
				if dt >= 100*time.Millisecond {
					bps := int64(float64(8*n) / dt.Seconds())
					bitrate = &bps
				}
			}
			lastFlush = now
			p.Sessions.Update(sessID, int64(n), bitrate)
		}
		if err != nil {
			if flushErr := out.Flush(); flushErr != nil {
				p.endForWriteError(r.Context(), sessID, flushErr)
				return
			}
			if err == io.EOF {
				p.Sessions.End(r.Context(), sessID, session.ReasonProcessClosed)
			} else {
				p.Sessions.End(r.Context(), sessID, session.ReasonFFmpegError)
			}
			return
		}
	}
}

// flushingWriter flushes the underlying ResponseWriter after every write so
// adaptiveWriter's larger batches still reach the client promptly.
type flushingWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (f *flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil && f.flusher != nil {
		f.flusher.Flush()
	}
	return n, err
}

func (p *Proxy) endForWriteError(ctx context.Context, sessID string, err error) {
	if isClientDisconnect(err) {
		p.Sessions.End(ctx, sessID, session.ReasonClientDisconnect)
		return
	}
	p.Sessions.End(ctx, sessID, session.ReasonFFmpegError)
}

// isClientDisconnect classifies a write error as the client having gone
// away rather than an encoder/network failure, so disconnects are never
// misreported as ffmpeg errors.
func isClientDisconnect(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}

// adaptiveWriter grows/shrinks its target flush size based on observed
// flush latency, absorbing brief client backpressure without unbounded
// buffering: grows when a flush takes over 100ms, shrinks after three
// consecutive sub-20ms flushes.
type adaptiveWriter struct {
	w          io.Writer
	target     int
	buf        []byte
	fastStreak int
}

const (
	adaptiveMinSize = 64 * 1024
	adaptiveMaxSize = 2 << 20
)

func newAdaptiveWriter(w io.Writer) *adaptiveWriter {
	return &adaptiveWriter{w: w, target: 1 << 20}
}

func (a *adaptiveWriter) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	if len(a.buf) < a.target {
		return len(p), nil
	}
	return len(p), a.flush()
}

func (a *adaptiveWriter) flush() error {
	start := time.Now()
	n, err := a.w.Write(a.buf)
	elapsed := time.Since(start)
	a.buf = a.buf[:0]
	if err != nil {
		return err
	}
	_ = n
	switch {
	case elapsed > 100*time.Millisecond:
		a.fastStreak = 0
		if a.target < adaptiveMaxSize {
			a.target *= 2
		}
	case elapsed < 20*time.Millisecond:
		a.fastStreak++
		if a.fastStreak >= 3 && a.target > adaptiveMinSize {
			a.target /= 2
			a.fastStreak = 0
		}
	default:
		a.fastStreak = 0
	}
	return nil
}

func (a *adaptiveWriter) Flush() error {
	if len(a.buf) == 0 {
		return nil
	}
	return a.flush()
}
