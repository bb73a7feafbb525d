// Package importer is a minimal M3U lineup feeder: it parses an M3U
// playlist into Channel/Stream rows for the Metadata Store. It is not a
// general playlist importer — no groups, catch-up, or VOD handling.
package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/tunerbridge/tunerd/internal/model"
)

// Entry is one parsed #EXTINF + URL pair.
type Entry struct {
	ChannelID   string
	GuideName   string
	GuideNumber string
	TVGID       string
	URL         string
}

var (
	attrRe  = regexp.MustCompile(`([a-zA-Z0-9_-]+)="([^"]*)"`)
	titleRe = regexp.MustCompile(`,(.*)$`)
)

// Parse reads an M3U playlist and returns one Entry per channel. Lines
// are processed strictly in order; an #EXTINF with no following URL
// line is dropped.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var entries []Entry
	var pending *Entry
	seenHeader := false
	autoNumber := 1

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTM3U"):
			seenHeader = true
		case strings.HasPrefix(line, "#EXTINF:"):
			pending = parseExtinf(line)
		case strings.HasPrefix(line, "#"):
			// ignore other directives (#EXTGRP, #EXTVLCOPT, etc.)
		default:
			if pending == nil {
				continue
			}
			pending.URL = line
			if pending.GuideNumber == "" {
				pending.GuideNumber = strconv.Itoa(autoNumber)
			}
			if pending.ChannelID == "" {
				pending.ChannelID = channelIDFor(pending.TVGID, pending.GuideName, autoNumber)
			}
			entries = append(entries, *pending)
			pending = nil
			autoNumber++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("importer: scan playlist: %w", err)
	}
	if !seenHeader {
		return nil, fmt.Errorf("importer: missing #EXTM3U header")
	}
	return entries, nil
}

func parseExtinf(line string) *Entry {
	e := &Entry{}
	for _, m := range attrRe.FindAllStringSubmatch(line, -1) {
		switch strings.ToLower(m[1]) {
		case "tvg-id":
			e.TVGID = m[2]
		case "tvg-chno", "tvg-channel-number":
			e.GuideNumber = m[2]
		case "tvg-name":
			if e.GuideName == "" {
				e.GuideName = m[2]
			}
		}
	}
	if m := titleRe.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		if name != "" {
			e.GuideName = name
		}
	}
	return e
}

func channelIDFor(tvgID, guideName string, n int) string {
	switch {
	case tvgID != "":
		return "ch-" + slug(tvgID)
	case guideName != "":
		return "ch-" + slug(guideName)
	default:
		return fmt.Sprintf("ch-%d", n)
	}
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Rows converts parsed entries into the Channel/Stream rows the
// Metadata Store expects, one primary stream per channel.
func Rows(entries []Entry) ([]model.Channel, []model.Stream) {
	channels := make([]model.Channel, 0, len(entries))
	streams := make([]model.Stream, 0, len(entries))
	for _, e := range entries {
		channels = append(channels, model.Channel{
			ID:          e.ChannelID,
			GuideNumber: e.GuideNumber,
			GuideName:   e.GuideName,
			TVGID:       e.TVGID,
		})
		streams = append(streams, model.Stream{
			ChannelID: e.ChannelID,
			URL:       e.URL,
			Priority:  0,
		})
	}
	return channels, streams
}

// Store is the subset of the Metadata Store the importer writes to.
type Store interface {
	UpsertChannel(ctx context.Context, ch model.Channel) error
	ReplaceStreams(ctx context.Context, channelID string, streams []model.Stream) error
}

// Import parses r and persists every channel/stream row into store.
func Import(ctx context.Context, store Store, r io.Reader) (int, error) {
	entries, err := Parse(r)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := store.UpsertChannel(ctx, model.Channel{
			ID: e.ChannelID, GuideNumber: e.GuideNumber, GuideName: e.GuideName, TVGID: e.TVGID,
		}); err != nil {
			return 0, fmt.Errorf("importer: upsert channel %s: %w", e.ChannelID, err)
		}
		if err := store.ReplaceStreams(ctx, e.ChannelID, []model.Stream{{ChannelID: e.ChannelID, URL: e.URL}}); err != nil {
			return 0, fmt.Errorf("importer: replace streams %s: %w", e.ChannelID, err)
		}
	}
	return len(entries), nil
}
