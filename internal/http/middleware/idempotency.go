// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for unsafe HTTP methods (e.g., POST).
// It validates an Idempotency-Key request header, optionally performs a
// lookup to detect previously completed requests, and annotates the request
// context so downstream handlers can:
//   - read the normalized key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
//
// The operations behind this API are already idempotent or last-write-wins at
// the engine level; the header exists so a client retrying a POST over a flaky
// network can avoid double-appending chat messages, the one operation class
// where a blind retry creates a duplicate.
//
// Persistence is decoupled via a narrow IdempotencyLookup function type. A
// store-backed implementation keeping markers under system/idempotency/ is
// provided by StoreIdempotency.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/store"
)

// HeaderIdempotencyKey is the canonical request header that clients use to
// convey an idempotency key for unsafe operations (e.g., POST).
//
// The value is expected to be stable for a given semantic operation so that
// retries (network, client, or server initiated) can be safely deduplicated.
const HeaderIdempotencyKey = "Idempotency-Key"

// Context keys used internally to stash idempotency state.
// These keys are intentionally unexported and referenced via accessor helpers.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored replay exists
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
//
// Handlers should prefer this function over reading the header directly.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the middleware detected that this request would
// replay a previously completed operation (based on the caller identity and
// key).
//
// When true, upstream components (e.g., handlers, rate limiters) may choose to
// short-circuit computation instead of re-executing the operation.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation behavior for
// IdempotencyValidator. TTL enforcement is intentionally out of scope here and
// should be implemented inside the provided lookup function.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, a conservative RFC7230-like
	// token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// IdempotencyLookup answers whether a completed, still-valid operation exists
// for (userID, key) at the given time.
//
// Return exists=true when the prior operation should not be re-executed;
// return an error only for lookup failures (which should not block normal
// processing).
type IdempotencyLookup func(ctx context.Context, userID, key string, now time.Time) (exists bool, err error)

// IdempotencyMark records that the operation identified by (userID, key)
// completed at the given time, so later retries are detected as replays.
type IdempotencyMark func(ctx context.Context, userID, key string, now time.Time) error

// IdempotencyValidator validates the Idempotency-Key header (if present), stashes
// it in the request context, and optionally checks for a prior completed request
// via the supplied lookup. When a replay is detected, it marks the context so
// downstream components can:
//   - detect replay via IsReplay
//   - bypass rate limiting (internal flag checked by the RL middleware)
//
// Behavior:
//   - If header is absent: the middleware is a no-op.
//   - If header fails validation: responds 400 with a compact error body.
//   - If lookup indicates a replay: sets replay + rate-bypass flags.
//   - Always invokes the next handler unless validation fails.
//
// This middleware does not itself return a cached payload; handlers remain in
// control of how to serve replays.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	// Sensible defaults.
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		// RFC-7230-ish token + common safe chars.
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			// Nothing to validate or stash; proceed.
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		// Stash the normalized key for downstream use.
		c.Set(ctxKeyIdemKey, key)

		// If we can detect a previously completed operation, mark replay + rate bypass.
		if lookup != nil {
			uid := UserID(c)
			now := time.Now().UTC()

			if exists, _ := lookup(c.Request.Context(), uid, key, now); exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true) // let RL middleware skip limiting
			}
		}

		c.Next()
	}
}

// idemRoot is the store path root for idempotency markers, as in
// system/idempotency/{user}/{key}.
const idemRoot = "system/idempotency"

// idemMarker is the persisted shape of one completed-operation record.
type idemMarker struct {
	CompletedAt int64 `json:"time"` // unix milliseconds
}

// StoreIdempotency keeps completed-operation markers in the shared realtime
// store. Expiry is checked at lookup time; stale markers are treated as
// absent and opportunistically deleted rather than swept by a background job.
type StoreIdempotency struct {
	Store store.Store
	TTL   time.Duration
}

// NewStoreIdempotency constructs a StoreIdempotency with the given TTL.
func NewStoreIdempotency(st store.Store, ttl time.Duration) *StoreIdempotency {
	return &StoreIdempotency{Store: st, TTL: ttl}
}

// Lookup implements IdempotencyLookup over the store. Anonymous callers
// (empty userID) never match: without an identity there is nothing to scope
// the marker to, so every such request executes normally.
func (si *StoreIdempotency) Lookup(ctx context.Context, userID, key string, now time.Time) (bool, error) {
	if userID == "" || store.CheckSegment(userID) != nil || store.CheckSegment(key) != nil {
		return false, nil
	}
	path := store.Join(idemRoot, userID, key)
	raw, err := si.Store.Read(ctx, path)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var m idemMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return false, nil
	}
	if now.UnixMilli()-m.CompletedAt > si.TTL.Milliseconds() {
		_ = si.Store.Delete(ctx, path)
		return false, nil
	}
	return true, nil
}

// Mark implements IdempotencyMark over the store.
func (si *StoreIdempotency) Mark(ctx context.Context, userID, key string, now time.Time) error {
	if userID == "" || store.CheckSegment(userID) != nil || store.CheckSegment(key) != nil {
		return nil
	}
	raw, err := json.Marshal(idemMarker{CompletedAt: now.UnixMilli()})
	if err != nil {
		return err
	}
	return si.Store.Write(ctx, store.Join(idemRoot, userID, key), raw)
}
