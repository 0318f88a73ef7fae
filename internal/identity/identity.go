// Package identity mints and persists the per-client identity token.
//
// Identity in milap is deliberately unauthenticated: a token is a random
// self-assigned string whose collision probability over a 36-character
// alphabet is accepted as negligible. The provider persists the token in a
// single local file so that the same client keeps the same identity for the
// lifetime of that storage.
//
// When the storage is unavailable (unreadable and unwritable), the provider
// degrades to a fresh ephemeral identity for the session instead of failing
// startup. Callers can inspect the ephemeral flag to log or surface the
// degraded mode.
package identity

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// alphabet is the 36-character token alphabet.
const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomLen is the number of random characters in a token, ahead of the
// base36 timestamp suffix that makes concurrently minted tokens distinct
// even under a weak entropy source.
const randomLen = 16

// NewToken returns a fresh identity token: random base36 characters
// followed by the current Unix-millisecond timestamp in base36.
func NewToken() string {
	buf := make([]byte, randomLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is documented never to fail on supported platforms;
		// fall back to a purely time-derived token rather than panic.
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	b := make([]byte, randomLen)
	for i, c := range buf {
		b[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(b) + strconv.FormatInt(time.Now().UnixMilli(), 36)
}

// Provider resolves the stable per-client identity backed by a local file.
type Provider struct {
	// Path is the file holding the persisted token.
	Path string
}

// GetOrCreate returns the persisted identity, minting and persisting a new
// one on first use. When the backing file can be neither read nor written,
// it returns a fresh ephemeral identity and ephemeral=true; this is a
// degraded mode, not an error, and the session proceeds normally except
// that the identity will not survive a restart.
func (p *Provider) GetOrCreate() (id string, ephemeral bool) {
	if b, err := os.ReadFile(p.Path); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, false
		}
	}

	tok := NewToken()
	if dir := filepath.Dir(p.Path); dir != "." {
		_ = os.MkdirAll(dir, 0o700)
	}
	if err := os.WriteFile(p.Path, []byte(tok+"\n"), 0o600); err != nil {
		return tok, true
	}
	return tok, false
}
