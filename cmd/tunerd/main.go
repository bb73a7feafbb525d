// Command tunerd emulates an HDHomeRun network tuner in front of IPTV
// streams: it serves the discovery/lineup surface Plex expects, proxies
// and transcodes channel streams, and exposes the settings/health/events
// surface an operator dashboard talks to.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tunerbridge/tunerd/internal/config"
	"github.com/tunerbridge/tunerd/internal/encoder"
	"github.com/tunerbridge/tunerd/internal/eventbus"
	"github.com/tunerbridge/tunerd/internal/format"
	"github.com/tunerbridge/tunerd/internal/health"
	"github.com/tunerbridge/tunerd/internal/kvcache"
	"github.com/tunerbridge/tunerd/internal/model"
	"github.com/tunerbridge/tunerd/internal/proxy"
	"github.com/tunerbridge/tunerd/internal/session"
	"github.com/tunerbridge/tunerd/internal/ssdp"
	"github.com/tunerbridge/tunerd/internal/store"
	"github.com/tunerbridge/tunerd/internal/tuner"

	"golang.org/x/net/websocket"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("main: no .env file loaded: %v", err)
	}
	cfg := config.Load()

	metaStore, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open metadata store: %v", err)
	}
	defer metaStore.Close()

	bus := eventbus.New()

	// discovery is assigned below, once its own Device callback (which
	// reads live settings) can close over a fully constructed Settings.
	// The onApply hook only dereferences it after NewSettings returns, by
	// which point main has assigned it, so this forward reference is safe.
	var discovery *ssdp.Responder

	settings := config.NewSettings(metaStore, func(tree map[string]any) {
		log.Printf("main: settings applied at %s device.name=%v streaming.maxConcurrentStreams=%v",
			config.FormatTimestamp(tree, time.Now()), treeGet(tree, "device", "name"), treeGet(tree, "streaming", "maxConcurrentStreams"))
		encoder.SimplifiedOriginSubstrings = stringSliceSetting(tree, "transcoding", "simplifiedOrigins")
		if discovery != nil {
			if host := stringSetting(tree, "network", "advertisedHost"); host != "" {
				discovery.UpdateAdvertisedHost(host)
			}
			discovery.RefreshDevice()
		}
	}, func(kind string, payload any) {
		bus.Publish(eventbus.RoomSettings, kind, payload)
	})
	initialTree, err := settings.Load(context.Background())
	if err != nil {
		log.Fatalf("main: load settings: %v", err)
	}
	encoder.SimplifiedOriginSubstrings = stringSliceSetting(initialTree, "transcoding", "simplifiedOrigins")

	cache := kvcache.New()
	if cfg.RedisAddr != "" {
		cache.ConnectExternal(context.Background(), cfg.RedisAddr)
	}

	sessions := session.New(metaStore,
		func() int { return intSetting(settings, "streaming", "maxConcurrentStreams", 5) },
		func() int { return intSetting(settings, "streaming", "perChannelCeiling", 3) },
		func() time.Duration {
			return time.Duration(intSetting(settings, "streaming", "streamTimeout", 30000)) * time.Millisecond
		},
		func(kind string, payload any) { bus.Publish(eventbus.RoomStreams, kind, payload) },
	)
	sessions.Cache = cache

	detector := format.New(nil)

	px := &proxy.Proxy{
		Sessions:   sessions,
		Detector:   detector,
		FFmpegPath: cfg.FFmpegPath,
		BaseURL:    func() string { return cfg.BaseURL },
		Cache:      cache,
	}

	lineup := &cachedChannelLister{store: metaStore, cache: cache, ttl: 10 * time.Second}
	surface := tuner.New(func() tuner.Device {
		return tuner.Device{
			FriendlyName: cfg.FriendlyName,
			Manufacturer: "tunerbridge",
			ModelNumber:  "HDTC-2US",
			DeviceID:     cfg.DeviceID,
			BaseURL:      cfg.BaseURL,
			TunerCount:   intSetting(settings, "device", "tunerCount", 2),
		}
	}, lineup)

	healthReg := health.NewRegistry()
	healthReg.Register("store", func(ctx context.Context) error {
		_, err := metaStore.ListChannels(ctx)
		return err
	})
	healthReg.Register("cache", func(ctx context.Context) error {
		if configured, connected := cache.Healthy(); configured && !connected {
			return context.DeadlineExceeded
		}
		return nil
	})

	discovery = ssdp.New(func() ssdp.DeviceInfo {
		host := hostFromBaseURL(cfg.BaseURL)
		if h := liveStringSetting(settings, "network", "advertisedHost"); h != "" {
			host = h
		}
		return ssdp.DeviceInfo{
			DeviceID:       cfg.DeviceID,
			AdvertisedHost: host,
			Port:           intSetting(settings, "network", "streamingPort", 5004),
		}
	})
	if err := discovery.Start(); err != nil {
		log.Printf("main: ssdp discovery disabled: %v", err)
	}
	defer discovery.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/discover.json", surface.ServeDiscover)
	mux.HandleFunc("/device.xml", surface.ServeDeviceXML)
	mux.HandleFunc("/lineup.json", surface.ServeLineup)
	mux.HandleFunc("/lineup_status.json", surface.ServeLineupStatus)
	mux.HandleFunc("/stream/", streamHandler(px, metaStore))

	mux.HandleFunc("/health", healthReg.ServeHealth)
	mux.HandleFunc("/health/live", healthReg.ServeLive)
	mux.HandleFunc("/health/ready", healthReg.ServeReady)
	mux.Handle("/metrics", healthReg.MetricsHandler())

	mux.Handle("/ws/metrics", websocket.Handler(bus.Handler(eventbus.RoomMetrics)))
	mux.Handle("/ws/settings", websocket.Handler(bus.Handler(eventbus.RoomSettings)))
	mux.Handle("/ws/streams", websocket.Handler(bus.Handler(eventbus.RoomStreams)))

	mux.HandleFunc("/api/settings", settingsAPI(settings))
	mux.HandleFunc("/api/settings/reset", settingsResetAPI(settings))
	mux.HandleFunc("/api/streaming/", streamingAPI(sessions))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.Run(ctx)

	go func() {
		log.Printf("main: listening addr=%s base_url=%s", cfg.ListenAddr, cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("main: listen: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Print("main: shutting down")

	for _, s := range sessions.GetActive() {
		sessions.End(ctx, s.ID, session.ReasonShutdown)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: graceful shutdown error: %v", err)
	}
}

// cachedChannelLister fronts the metadata store's channel list with the
// "lineup:channels" cache entry, so repeated Plex lineup polls don't each
// hit sqlite.
type cachedChannelLister struct {
	store *store.Store
	cache *kvcache.Cache
	ttl   time.Duration
}

const lineupCacheKey = "lineup:channels"

func (c *cachedChannelLister) ListChannels(ctx context.Context) ([]model.Channel, error) {
	if c.cache != nil {
		if raw, ok := c.cache.Get(ctx, lineupCacheKey); ok {
			var chans []model.Channel
			if err := json.Unmarshal([]byte(raw), &chans); err == nil {
				return chans, nil
			}
		}
	}
	chans, err := c.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if enc, err := json.Marshal(chans); err == nil {
			c.cache.Set(ctx, lineupCacheKey, string(enc), c.ttl)
		}
	}
	return chans, nil
}

func streamHandler(px *proxy.Proxy, metaStore *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := r.URL.Path[len("/stream/"):]
		if rest == "" {
			http.NotFound(w, r)
			return
		}
		channelID := rest
		subPath := ""
		if idx := strings.Index(rest, "/"); idx >= 0 {
			channelID = rest[:idx]
			subPath = rest[idx+1:]
		}
		ctx := r.Context()
		channels, err := metaStore.ListChannels(ctx)
		if err != nil {
			http.Error(w, "lineup unavailable", http.StatusInternalServerError)
			return
		}
		for _, ch := range channels {
			if ch.ID != channelID {
				continue
			}
			streams, err := metaStore.StreamsForChannel(ctx, channelID)
			if err != nil {
				http.Error(w, "streams unavailable", http.StatusInternalServerError)
				return
			}
			if subPath != "" {
				if len(streams) == 0 {
					http.NotFound(w, r)
					return
				}
				px.ServeSegment(w, r, proxy.OriginDir(streams[0].URL), subPath, channelID)
				return
			}
			px.ServeChannel(w, r, ch, streams)
			return
		}
		http.NotFound(w, r)
	}
}

func settingsAPI(s *config.Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch r.Method {
		case http.MethodGet:
			tree, err := s.Load(ctx)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, tree)
		case http.MethodPut:
			var partial map[string]any
			if err := decodeJSON(r, &partial); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			tree, err := s.Update(ctx, partial)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, tree)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// settingsResetAPI handles POST /api/settings/reset, optionally scoped to
// {"category": "..."} in the body; an empty/absent category resets every
// persisted override.
func settingsResetAPI(s *config.Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Category string `json:"category"`
		}
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		tree, err := s.Reset(r.Context(), body.Category)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, tree)
	}
}

// streamingAPI serves the operator surface over active sessions:
// GET active|capacity|bandwidth|stats|history, DELETE sessions/{id} and
// sessions/client/{fingerprint}, POST cleanup.
func streamingAPI(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rest := strings.TrimPrefix(r.URL.Path, "/api/streaming/")
		switch {
		case rest == "active" && r.Method == http.MethodGet:
			writeJSON(w, sessions.GetActive())
		case rest == "capacity" && r.Method == http.MethodGet:
			writeJSON(w, sessions.GetCapacityMetrics())
		case rest == "bandwidth" && r.Method == http.MethodGet:
			writeJSON(w, sessions.GetBandwidthStats())
		case rest == "stats" && r.Method == http.MethodGet:
			report := sessions.GetCapacityMetrics()
			writeJSON(w, map[string]any{
				"capacity":  report,
				"status":    session.CapacityStatus(report),
				"bandwidth": sessions.GetBandwidthStats(),
			})
		case rest == "history" && r.Method == http.MethodGet:
			limit := queryInt(r, "limit", 50)
			offset := queryInt(r, "offset", 0)
			hist, err := sessions.GetSessionHistory(ctx, limit, offset)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, hist)
		case rest == "cleanup" && r.Method == http.MethodPost:
			writeJSON(w, map[string]int{"ended": sessions.Cleanup(ctx)})
		case strings.HasPrefix(rest, "sessions/client/") && r.Method == http.MethodDelete:
			fp := strings.TrimPrefix(rest, "sessions/client/")
			writeJSON(w, map[string]int{"ended": sessions.EndByClient(ctx, fp)})
		case strings.HasPrefix(rest, "sessions/") && r.Method == http.MethodDelete:
			id := strings.TrimPrefix(rest, "sessions/")
			sessions.End(ctx, id, session.ReasonManual)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func treeGet(tree map[string]any, path ...string) any {
	var cur any = tree
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func intSetting(s *config.Settings, category, key string, def int) int {
	v := s.Get(context.Background(), category+"."+key, def)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

// liveStringSetting reads a live string setting straight off the Settings
// Store (used by the ssdp.Responder's Device callback, called on a
// background timer rather than inline with an onApply-supplied tree).
func liveStringSetting(s *config.Settings, category, key string) string {
	v := s.Get(context.Background(), category+"."+key, "")
	str, _ := v.(string)
	return str
}

// stringSetting reads a string leaf straight out of an already-built tree
// (as onApply receives it), avoiding a redundant Settings.Load.
func stringSetting(tree map[string]any, category, key string) string {
	v := treeGet(tree, category, key)
	str, _ := v.(string)
	return str
}

// stringSliceSetting reads a []any-of-strings leaf out of an already-built
// tree, used for transcoding.simplifiedOrigins.
func stringSliceSetting(tree map[string]any, category, key string) []string {
	v := treeGet(tree, category, key)
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func hostFromBaseURL(base string) string {
	const httpPrefix = "http://"
	const httpsPrefix = "https://"
	s := base
	if len(s) > len(httpsPrefix) && s[:len(httpsPrefix)] == httpsPrefix {
		s = s[len(httpsPrefix):]
	} else if len(s) > len(httpPrefix) && s[:len(httpPrefix)] == httpPrefix {
		s = s[len(httpPrefix):]
	}
	for i, c := range s {
		if c == ':' || c == '/' {
			return s[:i]
		}
	}
	return s
}
