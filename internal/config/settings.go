package config

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// settingsStore is the minimal persistence contract Settings needs; *store.Store
// satisfies it. Defined here (rather than imported) so this package does not
// depend on internal/store, keeping the dependency direction config -> store
// out of the loop (store has no config dependency either).
type settingsStore interface {
	GetSettingRows(ctx context.Context) (map[string]string, error)
	UpsertSettingRows(ctx context.Context, rows map[string]string) error
	PutSettingRows(ctx context.Context, rows map[string]string) error
}

// Settings is the runtime Settings Store (spec-named "Settings Store"):
// a nested tree built from defaults, overlaid with persisted flat rows,
// cached for a minute, invalidated and broadcast on every update.
type Settings struct {
	backend settingsStore
	onApply func(tree map[string]any) // runtime side-effect hook, e.g. notify SSDP/session manager
	onEvent func(kind string, payload any)

	mu        sync.RWMutex
	cached    map[string]any
	cachedAt  time.Time
}

const settingsCacheTTL = time.Minute

// NewSettings constructs a Settings Store over backend. onApply runs after
// every successful update with the freshly rebuilt tree; onEvent (may be
// nil) is used to broadcast a change notification over the event bus.
func NewSettings(backend settingsStore, onApply func(map[string]any), onEvent func(string, any)) *Settings {
	return &Settings{backend: backend, onApply: onApply, onEvent: onEvent}
}

func defaultsSkeleton() map[string]any {
	return map[string]any{
		"ssdp": map[string]any{
			"announceIntervalSeconds": 30,
			"multicastAddress":        "239.255.255.250:1900",
		},
		"streaming": map[string]any{
			"maxConcurrentStreams": 5,
			"perChannelCeiling":    3,
			"streamTimeout":        30000,
			"reconnectAttempts":    3,
			"bufferSize":           -1,
			"preferredProtocol":    "hls",
		},
		"transcoding": map[string]any{
			"enabled":         true,
			"hardwareAccel":   false,
			"preset":          "veryfast",
			"videoCodec":      "h264",
			"audioCodec":      "aac",
			"qualityProfiles": []any{"default", "plexSafe", "lowBitrate"},
			"defaultProfile":  "default",
			"simplifiedOrigins": []any{},
		},
		"caching": map[string]any{
			"enabled":  true,
			"duration": 3600,
			"maxSize":  536870912,
			"cleanup":  true,
		},
		"device": map[string]any{
			"name":       "tunerd",
			"id":         "TUNERD0001",
			"tunerCount": 2,
			"firmware":   "tunerd/1.0",
			"baseUrl":    "",
		},
		"network": map[string]any{
			"bindAddress":    "0.0.0.0",
			"advertisedHost": "",
			"streamingPort":  5004,
			"discoveryPort":  1900,
			"ipv6":           false,
		},
		"compatibility": map[string]any{
			"hdHomeRunMode":      true,
			"plexPassRequired":   false,
			"gracePeriodSeconds": 5,
			"channelLogoFallback": true,
		},
		"localization": map[string]any{
			"timezone":       "UTC",
			"locale":         "en-US",
			"dateFormat":     "YYYY-MM-DD",
			"timeFormat":     "24h",
			"firstDayOfWeek": 0,
		},
	}
}

// Load builds the current tree: defaults overlaid with persisted rows,
// using the 1-minute cache when fresh.
func (s *Settings) Load(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < settingsCacheTTL {
		tree := s.cached
		s.mu.RUnlock()
		return tree, nil
	}
	s.mu.RUnlock()
	return s.reload(ctx)
}

func (s *Settings) reload(ctx context.Context) (map[string]any, error) {
	rows, err := s.backend.GetSettingRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: load rows: %w", err)
	}
	tree := defaultsSkeleton()
	overlayRows(tree, rows)

	s.mu.Lock()
	s.cached = tree
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return tree, nil
}

// overlayRows applies flat dotted-key rows onto tree. When both "k" and
// "plexlive.k" exist for the same logical path, the prefixed key wins —
// collected in a second pass so ordering of the map range never matters.
func overlayRows(tree map[string]any, rows map[string]string) {
	plain := map[string]string{}
	prefixed := map[string]string{}
	for k, v := range rows {
		if strings.HasPrefix(k, "plexlive.") {
			prefixed[strings.TrimPrefix(k, "plexlive.")] = v
		} else {
			plain[k] = v
		}
	}
	for k, v := range plain {
		setPath(tree, k, decodeValue(v))
	}
	for k, v := range prefixed {
		setPath(tree, k, decodeValue(v))
	}
}

func setPath(tree map[string]any, dotted string, value any) {
	parts := strings.Split(dotted, ".")
	cur := tree
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func getPath(tree map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	cur := any(tree)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Get returns the value at dotted path, or def if absent.
func (s *Settings) Get(ctx context.Context, path string, def any) any {
	tree, err := s.Load(ctx)
	if err != nil {
		return def
	}
	if v, ok := getPath(tree, path); ok {
		return v
	}
	return def
}

var (
	localeRe = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
	dateFormats = map[string]bool{"YYYY-MM-DD": true, "MM/DD/YYYY": true, "DD/MM/YYYY": true, "DD.MM.YYYY": true}
	timeFormats = map[string]bool{"12h": true, "24h": true}
)

// validate enforces the bounds from the settings contract against the
// nested about-to-be-applied tree, reading each bounded key by dotted path.
func validate(tree map[string]any) error {
	if v, ok := getPath(tree, "streaming.maxConcurrentStreams"); ok {
		if !inRange(v, 1, 100) {
			return fmt.Errorf("settings: streaming.maxConcurrentStreams out of range [1,100]")
		}
	}
	if v, ok := getPath(tree, "streaming.streamTimeout"); ok {
		if !inRange(v, 5000, 300000) {
			return fmt.Errorf("settings: streaming.streamTimeout out of range [5000,300000]")
		}
	}
	if v, ok := getPath(tree, "device.tunerCount"); ok {
		if !inRange(v, 1, 32) {
			return fmt.Errorf("settings: device.tunerCount out of range [1,32]")
		}
	}
	if v, ok := getPath(tree, "network.streamingPort"); ok {
		if !inRange(v, 1024, 65535) {
			return fmt.Errorf("settings: network.streamingPort out of range [1024,65535]")
		}
	}
	if v, ok := getPath(tree, "network.discoveryPort"); ok {
		if !inRange(v, 1024, 65535) {
			return fmt.Errorf("settings: network.discoveryPort out of range [1024,65535]")
		}
	}
	if v, ok := getPath(tree, "localization.locale"); ok {
		s, _ := v.(string)
		if !localeRe.MatchString(s) {
			return fmt.Errorf("settings: localization.locale %q does not match xx or xx-XX", s)
		}
	}
	if v, ok := getPath(tree, "localization.dateFormat"); ok {
		s, _ := v.(string)
		if !dateFormats[s] {
			return fmt.Errorf("settings: localization.dateFormat %q not recognized", s)
		}
	}
	if v, ok := getPath(tree, "localization.timeFormat"); ok {
		s, _ := v.(string)
		if !timeFormats[s] {
			return fmt.Errorf("settings: localization.timeFormat %q not recognized", s)
		}
	}
	if v, ok := getPath(tree, "localization.firstDayOfWeek"); ok {
		if !inRange(v, 0, 6) {
			return fmt.Errorf("settings: localization.firstDayOfWeek out of range [0,6]")
		}
	}
	return nil
}

func inRange(v any, lo, hi float64) bool {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	default:
		return false
	}
	return f >= lo && f <= hi
}

// Update applies a partial, dotted-key-flattened set of changes inside a
// single transaction: validate the resulting tree, persist, invalidate the
// cache, reload, run the side-effect hook, and broadcast a change event.
func (s *Settings) Update(ctx context.Context, partial map[string]any) (map[string]any, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	candidate := deepCopy(current)
	flat := map[string]any{}
	flatten("", partial, flat)
	for path, v := range flat {
		setPath(candidate, path, v)
	}
	if err := validate(candidate); err != nil {
		return nil, err
	}

	rows := map[string]string{}
	for path, v := range flat {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("settings: encode %s: %w", path, err)
		}
		rows[path] = enc
	}
	if err := s.backend.UpsertSettingRows(ctx, rows); err != nil {
		return nil, fmt.Errorf("settings: persist: %w", err)
	}

	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()

	tree, err := s.reload(ctx)
	if err != nil {
		return nil, err
	}
	if s.onApply != nil {
		s.onApply(tree)
	}
	if s.onEvent != nil {
		s.onEvent("settings.changed", tree)
	}
	return tree, nil
}

// Reset clears persisted overrides for category (or everything, if
// category is empty) and reapplies side effects.
func (s *Settings) Reset(ctx context.Context, category string) (map[string]any, error) {
	rows, err := s.backend.GetSettingRows(ctx)
	if err != nil {
		return nil, err
	}
	kept := map[string]string{}
	if category != "" {
		for k, v := range rows {
			trimmed := strings.TrimPrefix(k, "plexlive.")
			if !strings.HasPrefix(trimmed, category+".") {
				kept[k] = v
			}
		}
	}
	if err := s.backend.PutSettingRows(ctx, kept); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	tree, err := s.reload(ctx)
	if err != nil {
		return nil, err
	}
	if s.onApply != nil {
		s.onApply(tree)
	}
	if s.onEvent != nil {
		s.onEvent("settings.changed", tree)
	}
	return tree, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := in[k]
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(path, nested, out)
			continue
		}
		out[path] = v
	}
}

func deepCopy(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = deepCopy(m)
			continue
		}
		out[k] = v
	}
	return out
}
