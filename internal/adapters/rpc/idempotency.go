package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	rpcIdempotencyHeader = "X-EVC-Idempotency-Key"
	replayTTL            = 10 * time.Minute
	replayMaxEntries     = 1024
)

type replayOutcome int

const (
	replayMiss replayOutcome = iota
	replayHit
	replayConflict
	replayPending
)

type replayEntry struct {
	fingerprint string
	response    rpcResponse
	done        bool
	storedAt    time.Time
}

// replayCache lets a client retry miniapp.execute and message.send without
// a second message landing in the conversation. A key is claimed before the
// call runs; a concurrent retry with the same key sees it as pending.
type replayCache struct {
	mu      sync.Mutex
	entries map[string]*replayEntry
	order   []string
	now     func() time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{entries: make(map[string]*replayEntry), now: time.Now}
}

// replayKey scopes a client key to the caller's token and the method, so
// the same key on message.send and miniapp.execute never collide.
func replayKey(token, method, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return token + "|" + method + "|" + raw
}

func requestFingerprint(req rpcRequest) string {
	h := sha256.New()
	h.Write(req.Params)
	if req.APIVersion != nil {
		h.Write([]byte("|v" + strconv.Itoa(*req.APIVersion)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// claim looks key up and, on a miss, reserves it for the caller.
func (c *replayCache) claim(key, fingerprint string) (rpcResponse, replayOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if e, ok := c.entries[key]; ok {
		switch {
		case e.fingerprint != fingerprint:
			return rpcResponse{}, replayConflict
		case !e.done:
			return rpcResponse{}, replayPending
		default:
			return e.response, replayHit
		}
	}
	c.entries[key] = &replayEntry{fingerprint: fingerprint, storedAt: c.now()}
	c.order = append(c.order, key)
	for len(c.entries) > replayMaxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if oldest != key {
			delete(c.entries, oldest)
		}
	}
	return rpcResponse{}, replayMiss
}

// complete stores the response for later retries.
func (c *replayCache) complete(key string, resp rpcResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.response = resp
		e.done = true
		e.storedAt = c.now()
	}
}

// release drops a claim whose call failed before taking effect, so the
// client may retry it.
func (c *replayCache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == key })
}

func (c *replayCache) pruneLocked() {
	now := c.now()
	kept := c.order[:0]
	for _, key := range c.order {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if now.Sub(e.storedAt) > replayTTL {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}
