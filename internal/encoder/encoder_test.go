package encoder

import (
	"strings"
	"testing"

	"github.com/tunerbridge/tunerd/internal/format"
)

func TestBuildArgsDefaultProfile(t *testing.T) {
	args := buildArgs(Options{InputURL: "http://origin/chan.ts", Kind: format.KindTS, Profile: ProfileDefault}, "http://origin/chan.ts")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c copy") {
		t.Errorf("default profile should copy codecs: %s", joined)
	}
	if !strings.Contains(joined, "-f mpegts") {
		t.Errorf("expected mpegts muxer: %s", joined)
	}
	if idx := strings.Index(joined, "-reconnect"); idx < 0 {
		t.Errorf("default profile should set reconnect flags: %s", joined)
	}
}

func TestBuildArgsHLSWhitelistBeforeInput(t *testing.T) {
	args := buildArgs(Options{InputURL: "http://origin/live.m3u8", Kind: format.KindHLS, Profile: ProfileDefault}, "http://origin/live.m3u8")
	whitelistIdx, inputIdx := -1, -1
	for i, a := range args {
		if a == "-protocol_whitelist" {
			whitelistIdx = i
		}
		if a == "-i" {
			inputIdx = i
		}
	}
	if whitelistIdx < 0 || inputIdx < 0 || whitelistIdx > inputIdx {
		t.Errorf("protocol_whitelist must precede -i: %v", args)
	}
}

func TestBuildArgsRTSPUsesTCP(t *testing.T) {
	args := buildArgs(Options{InputURL: "rtsp://origin/live", Kind: format.KindRTSP, Profile: ProfileDefault}, "rtsp://origin/live")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-rtsp_transport tcp") {
		t.Errorf("expected rtsp_transport tcp: %s", joined)
	}
}

func TestBuildArgsSimplifiedProfileOmitsReconnect(t *testing.T) {
	SimplifiedOriginSubstrings = []string{"flaky-cdn.example"}
	defer func() { SimplifiedOriginSubstrings = []string{} }()
	args := buildArgs(Options{InputURL: "http://flaky-cdn.example/chan.ts", Kind: format.KindTS, Profile: ProfileDefault}, "http://flaky-cdn.example/chan.ts")
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-reconnect") {
		t.Errorf("simplified origin should omit reconnect flags: %s", joined)
	}
}

func TestBuildArgsPlexSafeTranscodes(t *testing.T) {
	args := buildArgs(Options{InputURL: "http://origin/chan.ts", Kind: format.KindTS, Profile: ProfilePlexSafe}, "http://origin/chan.ts")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "libx264") || !strings.Contains(joined, "aac") {
		t.Errorf("plexSafe profile should transcode to h264/aac: %s", joined)
	}
}

func TestClassifySeverityFatalMarker(t *testing.T) {
	if got := ClassifySeverity("Error: could not open input stream"); got != "critical" {
		t.Errorf("ClassifySeverity = %q, want critical", got)
	}
	if got := ClassifySeverity("[hls @ 0x...] Opening 'seg123.ts' for reading"); got != "warning" {
		t.Errorf("ClassifySeverity = %q, want warning", got)
	}
}

func TestParseHostPort(t *testing.T) {
	hp, err := parseHostPort("http://10.0.0.5:8080/get.php?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if hp.host != "10.0.0.5" {
		t.Errorf("host = %q", hp.host)
	}
}
