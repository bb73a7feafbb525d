package epg

import (
	"testing"

	"github.com/tunerbridge/tunerd/internal/model"
)

func TestResolveConfiguredTVGID(t *testing.T) {
	r := NewResolver([]XMLTVChannel{{ID: "cnn.us", DisplayNames: []string{"CNN"}}}, nil)
	res := r.Resolve(model.Channel{ID: "c1", TVGID: "CNN.us", GuideName: "CNN HD"})
	if !res.Matched || res.Method != MethodConfigured || res.XMLTVID != "cnn.us" {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveAliasOverride(t *testing.T) {
	r := NewResolver(nil, map[string]string{"discovery channel": "discovery.us"})
	res := r.Resolve(model.Channel{ID: "c2", GuideName: "Discovery Channel HD"})
	if !res.Matched || res.Method != MethodAlias || res.XMLTVID != "discovery.us" {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveChannelNumber(t *testing.T) {
	r := NewResolver(nil, nil)
	r.IndexChannelNumbers([]model.Channel{{GuideNumber: "7.1", TVGID: "abc.us"}})
	res := r.Resolve(model.Channel{ID: "c3", GuideNumber: "7.1", GuideName: "Unrelated Name"})
	if !res.Matched || res.Method != MethodNumber || res.XMLTVID != "abc.us" {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveFuzzyName(t *testing.T) {
	r := NewResolver([]XMLTVChannel{{ID: "fox.us", DisplayNames: []string{"FOX"}}}, nil)
	res := r.Resolve(model.Channel{ID: "c4", GuideName: "Fox HD"})
	if !res.Matched || res.Method != MethodFuzzyName {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveAmbiguousFuzzyNameDoesNotMatch(t *testing.T) {
	r := NewResolver([]XMLTVChannel{
		{ID: "news1.us", DisplayNames: []string{"News"}},
		{ID: "news2.us", DisplayNames: []string{"News"}},
	}, nil)
	res := r.Resolve(model.Channel{ID: "c5", GuideName: "News"})
	if res.Matched {
		t.Fatalf("ambiguous fuzzy name should not match: %+v", res)
	}
}

func TestResolveUnresolvedFallsThrough(t *testing.T) {
	r := NewResolver(nil, nil)
	res := r.Resolve(model.Channel{ID: "c6", GuideName: "Nothing Matches This"})
	if res.Matched || res.Method != MethodNone {
		t.Fatalf("res = %+v", res)
	}
}

func TestNormalizeNameStripsNoiseTokens(t *testing.T) {
	if got := NormalizeName("ESPN HD (USA)"); got != "espn" {
		t.Errorf("NormalizeName = %q", got)
	}
}
