// Package encoder is the Encoder Driver: it owns a single ffmpeg child
// process that reads an input URL and writes MPEG-TS to its stdout, with
// argument profiles selecting codec copy or transcode.
package encoder

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tunerbridge/tunerd/internal/format"
)

// Profile names the argument-vector variant to apply.
type Profile string

const (
	ProfileDefault    Profile = "default"
	ProfilePlexSafe   Profile = "plexSafe"
	ProfileLowBitrate Profile = "lowBitrate"
	ProfileVideoOnly  Profile = "videoOnly"
	ProfileSimplified Profile = "simplified" // origin hosts that choke on reconnection/extra flags
)

// SimplifiedOriginSubstrings lists substrings of input URLs that require
// the simplified profile — origins whose auth tokens churn when ffmpeg's
// reconnect logic retries with the original query string.
var SimplifiedOriginSubstrings = []string{}

// Options configures one ffmpeg invocation.
type Options struct {
	InputURL string
	Kind     format.Kind
	Profile  Profile
	Headers  map[string]string
	FFmpegPath string
}

// Process is a running ffmpeg invocation: its stdout/stderr, a Wait handle,
// and a Kill handle implementing the graceful-then-hard kill protocol.
type Process struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	killOnce sync.Once
}

// Start resolves opts.InputURL's hostname to a numeric IP (ffmpeg and Go
// may disagree on DNS in container environments) and spawns ffmpeg with
// the argument vector selected by opts.Kind/opts.Profile.
func Start(ctx context.Context, opts Options) (*Process, error) {
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	input := canonicalizeInputURL(ctx, opts.InputURL)
	args := buildArgs(opts, input)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start ffmpeg: %w", err)
	}
	return &Process{cmd: cmd, Stdout: stdout, Stderr: stderr}, nil
}

// fatalMarkers are substrings of ffmpeg stderr lines that indicate the
// stream is unrecoverable rather than merely noisy.
var fatalMarkers = []string{
	"fatal",
	"could not open",
	"invalid data found",
	"connection refused",
	"no such file or directory",
	"server returned 4",
	"server returned 5",
	"immediate exit requested",
}

// ClassifySeverity reports "critical" when line contains a fatal marker,
// "warning" otherwise.
func ClassifySeverity(line string) string {
	lower := strings.ToLower(line)
	for _, marker := range fatalMarkers {
		if strings.Contains(lower, marker) {
			return "critical"
		}
	}
	return "warning"
}

// Wait blocks until ffmpeg exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Kill sends SIGTERM, then SIGKILL if the process is still alive after 5
// seconds. Idempotent.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		p.cmd.Process.Signal(exitSignal())
		done := make(chan struct{})
		go func() {
			p.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			p.cmd.Process.Kill()
		}
	})
}

func canonicalizeInputURL(ctx context.Context, raw string) string {
	// Only rewrite http(s) URLs; rtsp/rtmp/udp etc. are left to ffmpeg's own resolver.
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := parseHostPort(raw)
	if err != nil {
		return raw
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.host)
	if err != nil || len(addrs) == 0 {
		return raw
	}
	return strings.Replace(raw, u.host, addrs[0], 1)
}

type hostPort struct{ host string }

func parseHostPort(raw string) (hostPort, error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	slash := strings.IndexByte(rest, '/')
	if slash >= 0 {
		rest = rest[:slash]
	}
	host := rest
	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		host = rest[:colon]
	}
	if host == "" {
		return hostPort{}, fmt.Errorf("encoder: no host in url")
	}
	return hostPort{host: host}, nil
}

func isSimplifiedOrigin(url string) bool {
	for _, s := range SimplifiedOriginSubstrings {
		if s != "" && strings.Contains(url, s) {
			return true
		}
	}
	return false
}

func buildArgs(opts Options, input string) []string {
	var args []string
	args = append(args, "-loglevel", "warning", "-hide_banner")

	simplified := isSimplifiedOrigin(opts.InputURL)

	switch opts.Kind {
	case format.KindHLS:
		args = append(args,
			"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
			"-allowed_extensions", "ALL",
		)
		if !simplified {
			args = append(args, "-multiple_requests", "1", "-seekable", "0")
		}
	case format.KindRTSP:
		args = append(args, "-rtsp_transport", "tcp")
	case format.KindRTMP:
		args = append(args, "-rtmp_live", "live")
	}

	for k, v := range opts.Headers {
		args = append(args, "-headers", fmt.Sprintf("%s: %s\r\n", k, v))
	}

	if !simplified {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "2")
	}

	args = append(args, "-i", input)

	switch opts.Profile {
	case ProfilePlexSafe:
		args = append(args,
			"-map", "0:v:0", "-map", "0:a?",
			"-c:v", "libx264", "-preset", "veryfast", "-profile:v", "baseline",
			"-c:a", "aac", "-ar", "48000",
		)
	case ProfileLowBitrate:
		args = append(args,
			"-map", "0:v:0", "-map", "0:a?",
			"-c:v", "libx264", "-preset", "veryfast", "-vf", "scale=-2:480",
			"-b:v", "1200k", "-maxrate", "1500k", "-bufsize", "3000k",
			"-c:a", "aac", "-b:a", "96k",
		)
	case ProfileVideoOnly:
		args = append(args, "-map", "0:v:0", "-an", "-c:v", "copy")
	default: // ProfileDefault, ProfileSimplified
		args = append(args,
			"-map", "0:v:0", "-map", "0:a?",
			"-c", "copy",
			"-bsf:v", "h264_mp4toannexb",
		)
	}

	args = append(args,
		"-max_delay", "500000",
		"-flush_packets", "1",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-mpegts_flags", "resend_headers+pat_pmt_at_frames",
		"-max_muxing_queue_size", "4096",
		"-f", "mpegts",
		"pipe:1",
	)
	return args
}
