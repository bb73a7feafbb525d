package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/tunerbridge/tunerd/internal/model"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="cnn.us" tvg-chno="5" tvg-name="CNN",CNN HD
http://origin.example/cnn.m3u8
#EXTINF:-1 tvg-id="" ,Local Access
http://origin.example/local.ts
`

func TestParseExtractsEntries(t *testing.T) {
	entries, err := Parse(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].TVGID != "cnn.us" || entries[0].GuideNumber != "5" || entries[0].GuideName != "CNN HD" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[0].URL != "http://origin.example/cnn.m3u8" {
		t.Errorf("entries[0].URL = %q", entries[0].URL)
	}
}

func TestParseAssignsAutoChannelID(t *testing.T) {
	entries, err := Parse(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entries[1].ChannelID == "" {
		t.Error("expected a derived channel id for entry with no tvg-id")
	}
}

func TestParseRejectsMissingHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("#EXTINF:-1,Foo\nhttp://x\n"))
	if err == nil {
		t.Fatal("expected error for missing #EXTM3U header")
	}
}

func TestRowsProducesMatchingChannelAndStream(t *testing.T) {
	entries, _ := Parse(strings.NewReader(samplePlaylist))
	channels, streams := Rows(entries)
	if len(channels) != 2 || len(streams) != 2 {
		t.Fatalf("channels=%d streams=%d, want 2/2", len(channels), len(streams))
	}
	if streams[0].ChannelID != channels[0].ID {
		t.Errorf("stream/channel id mismatch: %q vs %q", streams[0].ChannelID, channels[0].ID)
	}
}

type fakeStore struct {
	channels []model.Channel
	streams  map[string][]model.Stream
}

func (f *fakeStore) UpsertChannel(ctx context.Context, ch model.Channel) error {
	f.channels = append(f.channels, ch)
	return nil
}

func (f *fakeStore) ReplaceStreams(ctx context.Context, channelID string, streams []model.Stream) error {
	if f.streams == nil {
		f.streams = map[string][]model.Stream{}
	}
	f.streams[channelID] = streams
	return nil
}

func TestImportPersistsAllRows(t *testing.T) {
	fs := &fakeStore{}
	n, err := Import(context.Background(), fs, strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 || len(fs.channels) != 2 {
		t.Fatalf("n=%d channels=%d, want 2/2", n, len(fs.channels))
	}
}
