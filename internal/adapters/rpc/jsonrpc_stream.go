package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"event-chat/go-backend/pkg/models"
)

const (
	streamKeepaliveInterval = 20 * time.Second
	streamBuffer            = 64
)

type rpcNotification struct {
	JSONRPC    string         `json:"jsonrpc"`
	Method     string         `json:"method"`
	Params     models.Message `json:"params"`
	APIVersion int            `json:"api_version"`
}

// handleRPCStream pushes every new message of ?conversation= as a server
// sent event until the client goes away.
func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "service is not initialized", http.StatusServiceUnavailable)
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation"))
	if conversationID == "" {
		http.Error(w, "conversation is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}
	release, ok := s.streams.acquire(rpcRateLimitKey(r, s.extractRPCToken(r)))
	if !ok {
		http.Error(w, "too many streams", http.StatusTooManyRequests)
		return
	}
	defer release()

	ctx := r.Context()
	events := make(chan models.Message, streamBuffer)
	closing := make(chan struct{})
	sub, err := s.service.StreamSubscribe(ctx, conversationID, func(msg models.Message) {
		select {
		case events <- msg:
		case <-ctx.Done():
		case <-closing:
		}
	})
	if err != nil {
		status := http.StatusBadGateway
		if mapped := mapServiceError(err, nil); mapped.Code == rpcCodeNotFound || mapped.Code == rpcCodeInvalidParams {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	// Cancel waits for a callback in progress; unblock it first.
	defer func() {
		close(closing)
		sub.Cancel()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": ready\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepaliveInterval)
	defer keepalive.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-events:
			seq++
			payload, err := json.Marshal(rpcNotification{
				JSONRPC:    "2.0",
				Method:     "message.new",
				Params:     msg,
				APIVersion: streamEventVersion,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", seq, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
