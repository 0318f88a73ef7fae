package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/store"
	"github.com/Sidopolis/milap/internal/store/memory"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewDepot(memory.New())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIdempotencyValidator_NoHeaderIsNoop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, nil))
	r.POST("/x", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Errorf("no key should be stashed")
		}
		if IsReplay(c) {
			t.Errorf("no replay should be flagged")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestIdempotencyValidator_RejectsBadKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{MaxLen: 10}, nil))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, bad := range []string{"way-too-long-for-the-cap", "sp ace", "näh"} {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(HeaderIdempotencyKey, bad)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("key %q: status = %d, want 400", bad, w.Code)
		}
	}
}

func TestIdempotencyValidator_FlagsReplayAndRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)

	lookup := func(ctx context.Context, userID, key string, now time.Time) (bool, error) {
		return userID == "u1" && key == "abc", nil
	}

	r := gin.New()
	r.Use(Identity(), IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.POST("/x", func(c *gin.Context) {
		if !IsReplay(c) {
			t.Errorf("replay flag not set")
		}
		if !IsRateBypass(c) {
			t.Errorf("rate bypass flag not set")
		}
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set(HeaderIdempotencyKey, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestStoreIdempotency_MarkThenLookup(t *testing.T) {
	st := newTestStore(t)
	si := NewStoreIdempotency(st, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if ok, err := si.Lookup(ctx, "u1", "k1", now); err != nil || ok {
		t.Fatalf("fresh lookup = (%v, %v), want (false, nil)", ok, err)
	}
	if err := si.Mark(ctx, "u1", "k1", now); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if ok, err := si.Lookup(ctx, "u1", "k1", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("marked lookup = (%v, %v), want (true, nil)", ok, err)
	}
	// Scoped per user.
	if ok, _ := si.Lookup(ctx, "u2", "k1", now); ok {
		t.Fatalf("marker leaked across identities")
	}
}

func TestStoreIdempotency_ExpiredMarkerIsAbsent(t *testing.T) {
	st := newTestStore(t)
	si := NewStoreIdempotency(st, time.Minute)
	ctx := context.Background()
	now := time.Now()

	if err := si.Mark(ctx, "u1", "k1", now); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if ok, _ := si.Lookup(ctx, "u1", "k1", now.Add(2*time.Minute)); ok {
		t.Fatalf("expired marker should not match")
	}
	// The stale marker was deleted on the way out.
	if _, err := st.Read(ctx, store.Join(idemRoot, "u1", "k1")); err != store.ErrNotFound {
		t.Fatalf("stale marker still present: %v", err)
	}
}

func TestStoreIdempotency_AnonymousNeverMatches(t *testing.T) {
	st := newTestStore(t)
	si := NewStoreIdempotency(st, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if err := si.Mark(ctx, "", "k1", now); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if ok, _ := si.Lookup(ctx, "", "k1", now); ok {
		t.Fatalf("anonymous caller must never replay")
	}
}
