package session

import (
	"context"
	"testing"
	"time"

	"github.com/tunerbridge/tunerd/internal/model"
)

type fakeHistory struct {
	recorded []model.Session
}

func (f *fakeHistory) RecordSession(ctx context.Context, sess model.Session) error {
	f.recorded = append(f.recorded, sess)
	return nil
}

func (f *fakeHistory) SessionHistory(ctx context.Context, limit, offset int) ([]model.Session, error) {
	return nil, nil
}

func newTestManager(max, ceiling int) (*Manager, *fakeHistory, []string) {
	h := &fakeHistory{}
	var events []string
	m := New(h, func() int { return max }, func() int { return ceiling }, func() time.Duration { return 30 * time.Second },
		func(kind string, payload any) { events = append(events, kind) })
	return m, h, events
}

func TestAdmitAllocatesSession(t *testing.T) {
	m, _, _ := newTestManager(5, 3)
	res := m.Admit(context.Background(), Descriptor{ChannelID: "ch1", ClientFP: "fp1", StreamID: "ch1"}, ReasonClientReconnect)
	if res.Rejected {
		t.Fatalf("unexpected rejection: %+v", res)
	}
	if res.Session == nil || res.Session.ChannelID != "ch1" {
		t.Fatalf("session not populated: %+v", res)
	}
}

func TestAdmitRejectsAtGlobalCapacity(t *testing.T) {
	m, _, _ := newTestManager(1, 3)
	ctx := context.Background()
	m.Admit(ctx, Descriptor{ChannelID: "ch1", ClientFP: "fp1"}, ReasonClientReconnect)
	res := m.Admit(ctx, Descriptor{ChannelID: "ch2", ClientFP: "fp2"}, ReasonClientReconnect)
	if !res.Rejected || res.HTTPStatus != 503 {
		t.Fatalf("expected 503 rejection at capacity: %+v", res)
	}
}

func TestAdmitRejectsAtPerChannelCeiling(t *testing.T) {
	m, _, _ := newTestManager(10, 1)
	ctx := context.Background()
	m.Admit(ctx, Descriptor{ChannelID: "ch1", ClientFP: "fp1"}, ReasonClientReconnect)
	res := m.Admit(ctx, Descriptor{ChannelID: "ch1", ClientFP: "fp2"}, ReasonClientReconnect)
	if !res.Rejected {
		t.Fatalf("expected per-channel ceiling rejection: %+v", res)
	}
}

func TestAdmitReplacesSameClientSameStream(t *testing.T) {
	m, h, _ := newTestManager(10, 3)
	ctx := context.Background()
	first := m.Admit(ctx, Descriptor{ChannelID: "ch1", ClientFP: "fp1", StreamID: "s1"}, ReasonClientReconnect)
	m.Admit(ctx, Descriptor{ChannelID: "ch1", ClientFP: "fp1", StreamID: "s1"}, ReasonClientReconnect)
	if len(m.GetActive()) != 1 {
		t.Fatalf("expected exactly one active session after reconnect, got %d", len(m.GetActive()))
	}
	foundEnded := false
	for _, s := range h.recorded {
		if s.ID == first.Session.ID && s.StopReason == string(ReasonClientReconnect) {
			foundEnded = true
		}
	}
	if !foundEnded {
		t.Fatal("expected prior session recorded as ended with client_reconnect")
	}
}

func TestUpdateAndEnd(t *testing.T) {
	m, h, _ := newTestManager(10, 3)
	ctx := context.Background()
	res := m.Admit(ctx, Descriptor{ChannelID: "ch1", ClientFP: "fp1"}, ReasonClientReconnect)
	id := res.Session.ID
	bitrate := int64(2_000_000)
	m.Update(id, 1024, &bitrate)
	stats := m.GetBandwidthStats()
	if stats[id].Avg != bitrate {
		t.Errorf("avg bitrate = %d, want %d", stats[id].Avg, bitrate)
	}
	m.End(ctx, id, ReasonNormal)
	if len(m.GetActive()) != 0 {
		t.Fatal("session should be removed from active map after End")
	}
	last := h.recorded[len(h.recorded)-1]
	if last.StopReason != string(ReasonNormal) {
		t.Errorf("StopReason = %q", last.StopReason)
	}
}

func TestCapacityStatusBuckets(t *testing.T) {
	cases := []struct {
		active, max int
		want        string
	}{
		{5, 10, "normal"},
		{8, 10, "warning"},
		{10, 10, "critical"},
	}
	for _, c := range cases {
		r := model.CapacityReport{ActiveTotal: c.active, MaxConcurrent: c.max}
		if got := CapacityStatus(r); got != c.want {
			t.Errorf("CapacityStatus(%d/%d) = %q, want %q", c.active, c.max, got, c.want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatBitrate(2_100_000); got != "2.1 Mbps" {
		t.Errorf("FormatBitrate = %q", got)
	}
	if got := FormatBitrate(350_000); got != "350 kbps" {
		t.Errorf("FormatBitrate = %q", got)
	}
	if got := FormatDuration(2*time.Hour + 3*time.Minute + 4*time.Second); got != "2h3m4s" {
		t.Errorf("FormatDuration = %q", got)
	}
}
