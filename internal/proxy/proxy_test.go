package proxy

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tunerbridge/tunerd/internal/format"
	"github.com/tunerbridge/tunerd/internal/model"
	"github.com/tunerbridge/tunerd/internal/session"
)

type fakeHistory struct{}

func (fakeHistory) RecordSession(ctx context.Context, sess model.Session) error { return nil }

func (fakeHistory) SessionHistory(ctx context.Context, limit, offset int) ([]model.Session, error) {
	return nil, nil
}

func newTestProxy() *Proxy {
	mgr := session.New(fakeHistory{}, func() int { return 5 }, func() int { return 3 },
		func() time.Duration { return 30 * time.Second }, func(string, any) {})
	return &Proxy{
		Sessions: mgr,
		Detector: format.New(nil),
		BaseURL:  func() string { return "http://127.0.0.1:5004" },
	}
}

func TestFingerprintStableAndTruncated(t *testing.T) {
	a := Fingerprint("1.2.3.4", "5.6.7.8:9", "PlexMediaServer/1.0")
	b := Fingerprint("1.2.3.4", "9.9.9.9:1", "PlexMediaServer/1.0")
	if a != b {
		t.Error("fingerprint should prefer forwarded-for over remote addr")
	}
	if len(a) > 16 {
		t.Errorf("fingerprint length = %d, want <= 16", len(a))
	}
}

func TestFingerprintFallsBackToRemoteAddr(t *testing.T) {
	a := Fingerprint("", "5.6.7.8:9", "curl/8.0")
	b := Fingerprint("", "1.1.1.1:1", "curl/8.0")
	if a == b {
		t.Error("expected distinct fingerprints for distinct remote addrs")
	}
}

func TestServeChannelNoStreamsReturns404(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/ch1", nil)
	p.ServeChannel(rec, req, model.Channel{ID: "ch1"}, nil)
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeChannelUndetectableURLReturns400(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/ch1", nil)
	p.ServeChannel(rec, req, model.Channel{ID: "ch1", GuideName: "Test"}, []model.Stream{
		{ChannelID: "ch1", URL: "://not-a-url"},
	})
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(p.Sessions.GetActive()) != 0 {
		t.Error("session should have been ended after detection failure")
	}
}

func TestIsSlowOpeningKind(t *testing.T) {
	slow := []format.Kind{format.KindRTSP, format.KindRTMP, format.KindUDP, format.KindSRT, format.KindMMS}
	for _, k := range slow {
		if !isSlowOpeningKind(k) {
			t.Errorf("%s should be slow-opening", k)
		}
	}
	fast := []format.Kind{format.KindHLS, format.KindDASH, format.KindTS, format.KindHTTP}
	for _, k := range fast {
		if isSlowOpeningKind(k) {
			t.Errorf("%s should not be slow-opening", k)
		}
	}
}

func TestIsClientDisconnect(t *testing.T) {
	if !isClientDisconnect(context.Canceled) {
		t.Error("context.Canceled should classify as client disconnect")
	}
}

func TestAdaptiveWriterGrowsOnSlowFlush(t *testing.T) {
	w := newAdaptiveWriter(slowWriter{delay: 150 * time.Millisecond})
	if w.target != 1<<20 {
		t.Fatalf("initial target = %d", w.target)
	}
	if _, err := w.Write(make([]byte, 1<<20)); err != nil {
		t.Fatal(err)
	}
	if w.target != 2<<20 {
		t.Errorf("target after slow flush = %d, want %d", w.target, 2<<20)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type slowWriter struct{ delay time.Duration }

func (s slowWriter) Write(p []byte) (int, error) {
	time.Sleep(s.delay)
	return len(p), nil
}
