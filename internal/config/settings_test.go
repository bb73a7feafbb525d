package config

import (
	"context"
	"sync"
	"testing"
)

// memBackend is an in-memory settingsStore for tests, so the Settings Store
// can be exercised without the sqlite-backed Metadata Store.
type memBackend struct {
	mu   sync.Mutex
	rows map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{rows: map[string]string{}}
}

func (m *memBackend) GetSettingRows(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out, nil
}

func (m *memBackend) PutSettingRows(ctx context.Context, rows map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = rows
	return nil
}

func (m *memBackend) UpsertSettingRows(ctx context.Context, rows map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range rows {
		m.rows[k] = v
	}
	return nil
}

func TestSettingsLoadDefaults(t *testing.T) {
	s := NewSettings(newMemBackend(), nil, nil)
	tree, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := getPath(tree, "streaming.maxConcurrentStreams"); v != 5 {
		t.Errorf("default maxConcurrentStreams = %v, want 5", v)
	}
	if v, _ := getPath(tree, "localization.dateFormat"); v != "YYYY-MM-DD" {
		t.Errorf("default dateFormat = %v", v)
	}
}

func TestSettingsUpdateAndGet(t *testing.T) {
	s := NewSettings(newMemBackend(), nil, nil)
	ctx := context.Background()
	_, err := s.Update(ctx, map[string]any{
		"streaming": map[string]any{"maxConcurrentStreams": 15},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := s.Get(ctx, "streaming.maxConcurrentStreams", nil)
	if f, ok := got.(float64); !ok || f != 15 {
		t.Errorf("Get after Update = %v (%T), want 15", got, got)
	}
}

func TestSettingsUpdateValidation(t *testing.T) {
	s := NewSettings(newMemBackend(), nil, nil)
	ctx := context.Background()
	_, err := s.Update(ctx, map[string]any{
		"streaming": map[string]any{"maxConcurrentStreams": 1000},
	})
	if err == nil {
		t.Fatal("expected validation error for out-of-range maxConcurrentStreams")
	}
}

func TestSettingsPrefixWins(t *testing.T) {
	backend := newMemBackend()
	backend.rows["streaming.maxConcurrentStreams"] = "7"
	backend.rows["plexlive.streaming.maxConcurrentStreams"] = "9"
	s := NewSettings(backend, nil, nil)
	tree, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := getPath(tree, "streaming.maxConcurrentStreams"); v != 9.0 {
		t.Errorf("prefixed key should win: got %v, want 9", v)
	}
}

func TestSettingsSideEffectAndBroadcast(t *testing.T) {
	var applied map[string]any
	var eventKind string
	s := NewSettings(newMemBackend(), func(tree map[string]any) {
		applied = tree
	}, func(kind string, payload any) {
		eventKind = kind
	})
	_, err := s.Update(context.Background(), map[string]any{
		"device": map[string]any{"tunerCount": 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if applied == nil {
		t.Fatal("onApply was not called")
	}
	if eventKind != "settings.changed" {
		t.Errorf("onEvent kind = %q", eventKind)
	}
}

func TestSettingsUpdateTwicePreservesUntouchedKeys(t *testing.T) {
	backend := newMemBackend()
	s := NewSettings(backend, nil, nil)
	ctx := context.Background()
	if _, err := s.Update(ctx, map[string]any{"streaming": map[string]any{"maxConcurrentStreams": 15}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, map[string]any{"device": map[string]any{"tunerCount": 4}}); err != nil {
		t.Fatal(err)
	}
	tree, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := getPath(tree, "streaming.maxConcurrentStreams"); v != 15.0 {
		t.Errorf("streaming.maxConcurrentStreams = %v, want 15 (should survive the later device.tunerCount update)", v)
	}
	if v, _ := getPath(tree, "device.tunerCount"); v != 4.0 {
		t.Errorf("device.tunerCount = %v, want 4", v)
	}
	if _, ok := backend.rows["streaming.maxConcurrentStreams"]; !ok {
		t.Error("backend lost streaming.maxConcurrentStreams row after second Update")
	}
}

func TestSettingsReset(t *testing.T) {
	backend := newMemBackend()
	s := NewSettings(backend, nil, nil)
	ctx := context.Background()
	if _, err := s.Update(ctx, map[string]any{"streaming": map[string]any{"maxConcurrentStreams": 20}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reset(ctx, "streaming"); err != nil {
		t.Fatal(err)
	}
	got := s.Get(ctx, "streaming.maxConcurrentStreams", nil)
	if got != 5 {
		t.Errorf("after Reset, maxConcurrentStreams = %v, want default 5", got)
	}
}
