// Package format is the Format Detector & URL Resolver: it classifies an
// upstream URL's container/protocol, follows redirects to a canonical
// absolute URL, and rewrites HLS master playlists so sub-requests route
// back through our own host.
package format

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tunerbridge/tunerd/internal/httpclient"
	"github.com/tunerbridge/tunerd/internal/safeurl"
)

// Kind is the detected container/protocol family.
type Kind string

const (
	KindHLS     Kind = "hls"
	KindDASH    Kind = "dash"
	KindTS      Kind = "ts"
	KindRTSP    Kind = "rtsp"
	KindRTMP    Kind = "rtmp"
	KindUDP     Kind = "udp"
	KindMMS     Kind = "mms"
	KindSRT     Kind = "srt"
	KindHTTP    Kind = "http"
	KindUnknown Kind = "unknown"
)

// Detection is the result of detect().
type Detection struct {
	Kind     Kind
	Protocol string // the URL scheme, lowercased
}

const maxRedirects = 5

// Detector resolves and classifies stream URLs over an injected http.Client
// so tests can swap in a stub transport.
type Detector struct {
	Client *http.Client
}

// New returns a Detector using client, or the shared timeout-tuned default
// client if nil.
func New(client *http.Client) *Detector {
	if client == nil {
		client = httpclient.Default()
	}
	return &Detector{Client: client}
}

// Detect classifies rawURL per the suffix/path heuristics, then (for
// http/https) a HEAD probe's Content-Type, then a short GET-and-sniff.
func (d *Detector) Detect(ctx context.Context, rawURL string) (Detection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Detection{Kind: KindUnknown}, fmt.Errorf("format: parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)

	switch scheme {
	case "rtsp":
		return Detection{Kind: KindRTSP, Protocol: scheme}, nil
	case "rtmp", "rtmps":
		return Detection{Kind: KindRTMP, Protocol: scheme}, nil
	case "udp":
		return Detection{Kind: KindUDP, Protocol: scheme}, nil
	case "mms":
		return Detection{Kind: KindMMS, Protocol: scheme}, nil
	case "srt":
		return Detection{Kind: KindSRT, Protocol: scheme}, nil
	}

	if k, ok := detectBySuffix(u.Path); ok {
		return Detection{Kind: k, Protocol: scheme}, nil
	}

	if scheme != "http" && scheme != "https" {
		return Detection{Kind: KindUnknown, Protocol: scheme}, nil
	}
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return Detection{Kind: KindUnknown, Protocol: scheme}, fmt.Errorf("format: unsafe url scheme")
	}

	if k, ok := d.detectByHead(ctx, rawURL); ok {
		return Detection{Kind: k, Protocol: scheme}, nil
	}
	if k, ok := d.detectBySniff(ctx, rawURL); ok {
		return Detection{Kind: k, Protocol: scheme}, nil
	}
	return Detection{Kind: KindUnknown, Protocol: scheme}, nil
}

func detectBySuffix(path string) (Kind, bool) {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, ".m3u8") || strings.Contains(lower, "/hls/"):
		return KindHLS, true
	case strings.Contains(lower, ".mpd") || strings.Contains(lower, "/dash/"):
		return KindDASH, true
	case (strings.HasSuffix(lower, ".ts") || strings.HasSuffix(lower, ".mpegts") || strings.HasSuffix(lower, ".mts")) && !strings.Contains(lower, ".m3u8"):
		return KindTS, true
	}
	return "", false
}

func (d *Detector) detectByHead(ctx context.Context, rawURL string) (Kind, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", false
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	return kindFromContentType(resp.Header.Get("Content-Type"))
}

func kindFromContentType(ct string) (Kind, bool) {
	ct = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	switch ct {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl":
		return KindHLS, true
	case "application/dash+xml":
		return KindDASH, true
	}
	if strings.HasPrefix(ct, "video/") || ct == "application/octet-stream" {
		return KindHTTP, true
	}
	return "", false
}

func (d *Detector) detectBySniff(ctx context.Context, rawURL string) (Kind, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Range", "bytes=0-1023")
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	buf := make([]byte, 1024)
	n, _ := io.ReadFull(resp.Body, buf)
	sample := string(buf[:n])
	switch {
	case strings.Contains(sample, "#EXTM3U") || strings.Contains(sample, "#EXT-X-"):
		return KindHLS, true
	case strings.Contains(sample, "<MPD") || strings.Contains(sample, "urn:mpeg:dash"):
		return KindDASH, true
	}
	return "", false
}

// ResolveFinal follows up to 5 redirects and returns the canonical absolute
// URL ultimately reached.
func (d *Detector) ResolveFinal(ctx context.Context, rawURL string) (string, error) {
	client := &http.Client{
		Transport: d.Client.Transport,
		Timeout:   d.Client.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("format: build HEAD request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("format: resolve final url: %w", err)
	}
	defer resp.Body.Close()
	return resp.Request.URL.String(), nil
}

// IsMasterPlaylist reports whether body (an m3u8 playlist) is a master
// playlist (references variant playlists) rather than a media playlist
// (references segments only).
func IsMasterPlaylist(body string) bool {
	return strings.Contains(body, "#EXT-X-STREAM-INF")
}

// RewriteMasterPlaylist rewrites every relative .m3u8/.ts reference in a
// master playlist to route through baseURL+"/stream/"+channelID+"/", so
// Plex's subsequent variant/segment requests come back to us instead of
// the origin. Media playlists (IsMasterPlaylist false) are returned
// unchanged.
func RewriteMasterPlaylist(body, baseURL, channelID string) string {
	if !IsMasterPlaylist(body) {
		return body
	}
	prefix := strings.TrimSuffix(baseURL, "/") + "/stream/" + channelID + "/"
	var out strings.Builder
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}
		if isAbsoluteURL(trimmed) || !(strings.Contains(trimmed, ".m3u8") || strings.Contains(trimmed, ".ts")) {
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}
		out.WriteString(prefix)
		out.WriteString(trimmed)
		out.WriteString("\n")
	}
	return out.String()
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}
