package ingest

import (
	"errors"
	"os"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("ingest: empty token")

// NormalizeToken trims the token and ensures it is prefixed with "oauth:".
// If the input is empty after trimming, an empty string is returned.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// TokenFile reads a chat token from disk and caches the last normalized
// value so rotations can be detected.
type TokenFile struct {
	Path string

	mu     sync.Mutex
	cached string
}

// Load reads and normalizes the token. The boolean reports whether the value
// differs from the previous load.
func (f *TokenFile) Load() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.TrimSpace(f.Path) == "" {
		return "", false, errors.New("ingest: token file not configured")
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", false, err
	}

	token := NormalizeToken(string(data))
	if token == "" {
		f.cached = ""
		return "", false, ErrEmptyToken
	}
	if token == f.cached {
		return f.cached, false, nil
	}
	f.cached = token
	return token, true, nil
}

// Cached returns the last successfully loaded token.
func (f *TokenFile) Cached() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached
}

// SetCached pre-populates the cache, for a static token that should still be
// replaced when the file rotates.
func (f *TokenFile) SetCached(token string) {
	f.mu.Lock()
	f.cached = NormalizeToken(token)
	f.mu.Unlock()
}
