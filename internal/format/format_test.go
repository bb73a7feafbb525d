package format

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestDetectBySuffix(t *testing.T) {
	d := New(nil)
	cases := map[string]Kind{
		"http://host/live/stream.m3u8":   KindHLS,
		"http://host/hls/index.m3u8":     KindHLS,
		"http://host/manifest.mpd":       KindDASH,
		"http://host/dash/chan":          KindDASH,
		"http://host/stream.ts":          KindTS,
		"rtsp://host/live":               KindRTSP,
		"rtmp://host/live":               KindRTMP,
		"udp://239.1.1.1:1234":           KindUDP,
		"srt://host:9000":                KindSRT,
	}
	for url, want := range cases {
		got, err := d.Detect(context.Background(), url)
		if err != nil {
			t.Fatalf("Detect(%s): %v", url, err)
		}
		if got.Kind != want {
			t.Errorf("Detect(%s) = %s, want %s", url, got.Kind, want)
		}
	}
}

func TestDetectByContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	}))
	defer srv.Close()
	d := New(srv.Client())
	got, err := d.Detect(context.Background(), srv.URL+"/live/channel1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindHLS {
		t.Errorf("Detect by content-type = %s, want hls", got.Kind)
	}
}

func TestDetectBySniff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
	}))
	defer srv.Close()
	d := New(srv.Client())
	got, err := d.Detect(context.Background(), srv.URL+"/opaque")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindHLS {
		t.Errorf("Detect by sniff = %s, want hls", got.Kind)
	}
}

func TestIsMasterPlaylist(t *testing.T) {
	is := is.New(t)
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=3000000\nvariant1.m3u8\n"
	media := "#EXTM3U\n#EXTINF:10,\nseg1.ts\n#EXTINF:10,\nseg2.ts\n"
	is.True(IsMasterPlaylist(master))  // EXT-X-STREAM-INF marks a master playlist
	is.True(!IsMasterPlaylist(media)) // plain EXTINF segments must not misclassify as master
}

func TestRewriteMasterPlaylist(t *testing.T) {
	is := is.New(t)
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=3000000\nvariant_720p.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nhttp://origin/variant_480p.m3u8\n"
	want := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=3000000\nhttp://tuner.local:5004/stream/chan1/variant_720p.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nhttp://origin/variant_480p.m3u8\n"
	got := RewriteMasterPlaylist(master, "http://tuner.local:5004", "chan1")
	is.Equal(got, want) // relative variant URIs resolve through /stream/{channel}/, absolute URIs pass through unchanged
}
