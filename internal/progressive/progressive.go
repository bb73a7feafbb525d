// Package progressive is the Progressive (Keep-Alive) Handler: some
// origins take 10-15 seconds to open a connection while media clients
// give up around 20 seconds, so this answers the client immediately and
// fills the gap with null MPEG-TS packets until the real stream is ready.
package progressive

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// Phase is the handler's progress, reported on a stats endpoint.
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseResolving     Phase = "resolving"
	PhaseStreamResolved Phase = "stream_resolved"
	PhaseStartingFFmpeg Phase = "starting_ffmpeg"
	PhaseStreaming     Phase = "streaming"
	PhaseCompleted     Phase = "completed"
	PhaseError         Phase = "error"
)

// nullTSPacket is a 188-byte MPEG-TS packet with sync byte 0x47, PID
// 0x1FFF (null packet), and no meaningful payload — the filler the
// client's demuxer discards while waiting for real data.
var nullTSPacket = buildNullTSPacket()

func buildNullTSPacket() [188]byte {
	var p [188]byte
	p[0] = 0x47
	p[1] = 0x1F
	p[2] = 0xFF
	p[3] = 0x10 // no adaptation field, payload present, continuity counter 0
	for i := 4; i < len(p); i++ {
		p[i] = 0xFF
	}
	return p
}

// Flusher is satisfied by http.ResponseWriter when it supports streaming flush.
type Flusher interface {
	Flush()
}

// Handler runs the keep-alive loop while Resolve does its work, then pipes
// Resolve's stream into the same response.
type Handler struct {
	mu    sync.Mutex
	phase Phase
}

// New returns a Handler starting in PhaseInitializing.
func New() *Handler {
	return &Handler{phase: PhaseInitializing}
}

// Phase returns the current phase (for a stats endpoint).
func (h *Handler) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *Handler) setPhase(p Phase) {
	h.mu.Lock()
	h.phase = p
	h.mu.Unlock()
}

// Resolver resolves the final stream's byte source. Returning a non-nil
// io.ReadCloser and nil error transitions into streaming; returning an
// error after the attempt budget ends the response with no further content.
type Resolver func(ctx context.Context) (io.ReadCloser, error)

// Serve writes the immediate 200 response, starts the ~2s null-packet
// keep-alive loop, and concurrently runs resolve. ctx is cancelled when the
// client disconnects, which stops both the keep-alive loop and resolve.
func (h *Handler) Serve(ctx context.Context, w http.ResponseWriter, resolve Resolver) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(Flusher)

	h.setPhase(PhaseResolving)

	stopKeepAlive := make(chan struct{})
	keepAliveDone := make(chan struct{})
	go h.runKeepAlive(ctx, w, flusher, stopKeepAlive, keepAliveDone)

	streamCh := make(chan io.ReadCloser, 1)
	errCh := make(chan error, 1)
	go func() {
		rc, err := resolve(ctx)
		if err != nil {
			errCh <- err
			return
		}
		streamCh <- rc
	}()

	select {
	case <-ctx.Done():
		close(stopKeepAlive)
		<-keepAliveDone
		h.setPhase(PhaseError)
		return
	case err := <-errCh:
		close(stopKeepAlive)
		<-keepAliveDone
		h.setPhase(PhaseError)
		_ = err
		return
	case rc := <-streamCh:
		close(stopKeepAlive)
		<-keepAliveDone
		h.setPhase(PhaseStreamResolved)
		defer rc.Close()
		h.setPhase(PhaseStreaming)
		io.Copy(w, rc)
		h.setPhase(PhaseCompleted)
	}
}

func (h *Handler) runKeepAlive(ctx context.Context, w io.Writer, flusher Flusher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	pkt := nullTSPacket
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write(pkt[:]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
