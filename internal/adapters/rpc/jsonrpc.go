package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data carries the partial result of a call whose side effect happened
	// but whose message could not be delivered.
	Data any `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB
const (
	maxMessageListLimit  = 1000
	maxMessageListOffset = 1_000_000
)

const rpcRequestIDHeader = "X-EVC-Request-ID"

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
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
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32099, Message: "service is not initialized"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	requestID := rpcCorrelationID(r, req.ID)
	w.Header().Set(rpcRequestIDHeader, requestID)

	token := s.extractRPCToken(r)
	if !s.rpcLimiter.Allow(rpcRateLimitKey(r, token), time.Now()) {
		s.observeRPC(req.Method, rpcCodeRateLimited)
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcCodeRateLimited, Message: "rate limit exceeded"}})
		return
	}
	if rpcErr := checkAPIVersion(req.APIVersion); rpcErr != nil {
		s.observeRPC(req.Method, rpcErr.Code)
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	replay := ""
	if isIdempotentMethod(req.Method) {
		replay = replayKey(token, req.Method, r.Header.Get(rpcIdempotencyHeader))
	}
	if replay != "" {
		cached, outcome := s.replays.claim(replay, requestFingerprint(req))
		switch outcome {
		case replayConflict:
			s.observeRPC(req.Method, rpcCodeIdempotencyConflict)
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcCodeIdempotencyConflict, Message: "idempotency key reused with different request"}})
			return
		case replayPending:
			s.observeRPC(req.Method, rpcCodeRequestPending)
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcCodeRequestPending, Message: "a request with this idempotency key is still running"}})
			return
		case replayHit:
			cached.ID = req.ID
			writeRPC(w, cached)
			return
		}
	}

	started := time.Now()
	s.logger.Info("rpc request",
		"component", "rpc",
		"operation", req.Method,
		"correlation_id", requestID,
	)
	result, rpcErr := s.dispatchRPC(r, req.Method, req.Params)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
		s.logger.Warn("rpc failed",
			"component", "rpc",
			"operation", req.Method,
			"correlation_id", requestID,
			"rpc_code", rpcErr.Code,
			"latency_ms", time.Since(started).Milliseconds(),
		)
	}
	s.observeRPC(req.Method, code)

	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	if replay != "" {
		// A transport failure still stored the message; replay it rather
		// than post again.
		if rpcErr == nil || rpcErr.Code == rpcCodeTransport {
			s.replays.complete(replay, resp)
		} else {
			s.replays.release(replay)
		}
	}
	writeRPC(w, resp)
}

func (s *Server) observeRPC(method string, code int) {
	if s.metrics == nil {
		return
	}
	if !isKnownMethod(method) {
		method = "unknown"
	}
	s.metrics.ObserveRPC(method, code)
}

// rpcCorrelationID prefers the caller's request id header and falls back to
// the JSON-RPC id.
func rpcCorrelationID(r *http.Request, id json.RawMessage) string {
	if v := strings.TrimSpace(r.Header.Get(rpcRequestIDHeader)); v != "" && len(v) <= 128 {
		return v
	}
	raw := strings.Trim(strings.TrimSpace(string(id)), `"`)
	if raw == "" || raw == "null" {
		return fmt.Sprintf("rpc_%d", time.Now().UnixNano())
	}
	return "rpc." + raw
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
