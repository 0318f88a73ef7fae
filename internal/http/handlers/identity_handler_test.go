package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMintIdentity(t *testing.T) {
	r := newRouter()
	r.POST("/identity", newFakes().MintIdentity)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/identity", nil))
		if w.Code != http.StatusCreated {
			t.Fatalf("mint -> %d", w.Code)
		}
		var out IdentityResponse
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("json: %v", err)
		}
		if out.ID == "" {
			t.Fatalf("empty token")
		}
		if seen[out.ID] {
			t.Fatalf("duplicate token %q", out.ID)
		}
		seen[out.ID] = true
	}
}
