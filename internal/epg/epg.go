// Package epg resolves a Channel to an XMLTV guide-data channel id at
// request time, trying progressively fuzzier tiers until one produces a
// deterministic match.
package epg

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/tunerbridge/tunerd/internal/kvcache"
	"github.com/tunerbridge/tunerd/internal/model"
)

// ProgramStore is the persistence contract Schedule needs; *store.Store
// satisfies it.
type ProgramStore interface {
	ProgramsForChannel(ctx context.Context, tvgID string, windowStart, windowEnd time.Time) ([]model.Program, error)
}

// Method names the tier that produced a resolution, reported for
// diagnostics and cached alongside the result.
type Method string

const (
	MethodConfigured Method = "configured_id"
	MethodAlias      Method = "alias_mapping"
	MethodNumber     Method = "channel_number"
	MethodFuzzyName  Method = "fuzzy_name"
	MethodNone       Method = "unresolved"
)

// Resolution is the outcome of resolving one channel against a guide.
type Resolution struct {
	ChannelID string
	XMLTVID   string
	Matched   bool
	Method    Method
}

// XMLTVChannel is one channel entry parsed out of an XMLTV guide source.
type XMLTVChannel struct {
	ID           string
	DisplayNames []string
}

// Resolver holds the alias overrides and guide-channel index used across
// lookups; build one per loaded guide source and reuse it per request.
type Resolver struct {
	byID       map[string]string // lowercased xmltv id -> xmltv id
	byNormName map[string]string // normalized display name -> xmltv id ("" = ambiguous)
	byNumber   map[string]string // channel number -> xmltv id, filled by IndexChannelNumbers
	aliases    map[string]string // normalized provider name -> xmltv id
}

// NewResolver indexes guide channels and alias overrides for lookup.
func NewResolver(guide []XMLTVChannel, aliases map[string]string) *Resolver {
	r := &Resolver{
		byID:       map[string]string{},
		byNormName: map[string]string{},
		byNumber:   map[string]string{},
		aliases:    map[string]string{},
	}
	for _, ch := range guide {
		idKey := strings.ToLower(strings.TrimSpace(ch.ID))
		if idKey != "" {
			r.byID[idKey] = ch.ID
		}
		names := append([]string{ch.ID}, ch.DisplayNames...)
		for _, n := range names {
			nk := NormalizeName(n)
			if nk == "" {
				continue
			}
			if existing, ok := r.byNormName[nk]; ok && existing != ch.ID {
				r.byNormName[nk] = "" // ambiguous across multiple guide channels
				continue
			}
			r.byNormName[nk] = ch.ID
		}
	}
	for name, xmltvID := range aliases {
		nk := NormalizeName(name)
		if nk == "" || strings.TrimSpace(xmltvID) == "" {
			continue
		}
		r.aliases[nk] = strings.TrimSpace(xmltvID)
	}
	return r
}

// IndexChannelNumbers derives a channel-number → xmltv-id mapping from
// channels that already carry a configured TVGID, so later lookups by
// guide number alone (e.g. a renumbered lineup entry) still resolve.
func (r *Resolver) IndexChannelNumbers(channels []model.Channel) {
	for _, ch := range channels {
		if ch.TVGID == "" || ch.GuideNumber == "" {
			continue
		}
		r.byNumber[ch.GuideNumber] = ch.TVGID
	}
}

// Resolve runs the four-tier lookup: a configured tvg-id, an alias
// override, a derived channel-number mapping, then a fuzzy name match.
func (r *Resolver) Resolve(ch model.Channel) Resolution {
	res := Resolution{ChannelID: ch.ID, Method: MethodNone}

	if tid := strings.ToLower(strings.TrimSpace(ch.TVGID)); tid != "" {
		if xmltvID, ok := r.byID[tid]; ok {
			res.Matched, res.XMLTVID, res.Method = true, xmltvID, MethodConfigured
			return res
		}
	}

	normName := NormalizeName(ch.GuideName)
	if normName != "" {
		if xmltvID := r.aliases[normName]; xmltvID != "" {
			res.Matched, res.XMLTVID, res.Method = true, xmltvID, MethodAlias
			return res
		}
	}

	if ch.GuideNumber != "" {
		if xmltvID, ok := r.byNumber[ch.GuideNumber]; ok {
			res.Matched, res.XMLTVID, res.Method = true, xmltvID, MethodNumber
			return res
		}
	}

	if normName != "" {
		if xmltvID, ok := r.byNormName[normName]; ok && xmltvID != "" {
			res.Matched, res.XMLTVID, res.Method = true, xmltvID, MethodFuzzyName
			return res
		}
	}

	return res
}

// Schedule answers "what's on" queries by resolving a Channel to its
// xmltv-id (via Resolver) and then fetching that guide channel's programs
// for a time window from a ProgramStore.
type Schedule struct {
	Resolver *Resolver
	Store    ProgramStore

	// Cache, when set, short-circuits repeat lookups for the same channel
	// and window under key "epg:{channel}".
	Cache *kvcache.Cache
}

// NewSchedule pairs a Resolver with a program backend.
func NewSchedule(resolver *Resolver, store ProgramStore) *Schedule {
	return &Schedule{Resolver: resolver, Store: store}
}

const epgCacheTTL = time.Minute

// ProgramsFor returns ch's programs overlapping [windowStart, windowEnd),
// ordered by start time. Returns an empty slice, no error, if ch has no
// resolvable guide channel.
func (s *Schedule) ProgramsFor(ctx context.Context, ch model.Channel, windowStart, windowEnd time.Time) ([]model.Program, error) {
	res := s.Resolver.Resolve(ch)
	if !res.Matched {
		return nil, nil
	}
	cacheKey := "epg:" + ch.ID
	type cachedWindow struct {
		Start, End time.Time
		Programs   []model.Program
	}
	if s.Cache != nil {
		if raw, ok := s.Cache.Get(ctx, cacheKey); ok {
			var cached cachedWindow
			if err := json.Unmarshal([]byte(raw), &cached); err == nil && cached.Start.Equal(windowStart) && cached.End.Equal(windowEnd) {
				return cached.Programs, nil
			}
		}
	}
	programs, err := s.Store.ProgramsForChannel(ctx, res.XMLTVID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if enc, err := json.Marshal(cachedWindow{Start: windowStart, End: windowEnd, Programs: programs}); err == nil {
			s.Cache.Set(ctx, cacheKey, string(enc), epgCacheTTL)
		}
	}
	return programs, nil
}

// NormalizeName performs conservative normalization for deterministic
// channel-name matching: strips punctuation/spacing, drops common
// quality/region noise tokens, and lowercases.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	toks := strings.Fields(b.String())
	if len(toks) == 0 {
		return ""
	}
	noise := map[string]struct{}{
		"hd": {}, "uhd": {}, "fhd": {}, "sd": {}, "4k": {},
		"us": {}, "usa": {}, "uk": {}, "ca": {}, "canada": {}, "cdn": {},
		"hq": {}, "vip": {}, "backup": {}, "raw": {},
	}
	out := toks[:0]
	for _, t := range toks {
		if _, drop := noise[t]; drop {
			continue
		}
		out = append(out, t)
	}
	joined := strings.Join(out, "")
	return strings.ReplaceAll(joined, "channel", "")
}
