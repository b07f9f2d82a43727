package hubapi

import (
	"sync"
	"time"
)

// token caches one bearer token behind a generation counter. Reads are
// cheap; refresh is single-writer: a caller whose observed generation is
// already stale gets the token someone else just fetched instead of
// hitting the token endpoint again.
type token struct {
	mu     sync.RWMutex
	value  string
	expiry time.Time
	gen    uint64
}

// current returns the cached token and its generation when the cache holds
// an unexpired value.
func (t *token) current() (string, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.value == "" {
		return "", t.gen, false
	}
	if !t.expiry.IsZero() && time.Now().After(t.expiry) {
		return "", t.gen, false
	}
	return t.value, t.gen, true
}

// generation returns the current token generation.
func (t *token) generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gen
}

// refresh replaces the token via exchange unless another caller already
// advanced past observedGen, in which case the fresher token is returned
// as is. Exactly one exchange runs per generation step.
func (t *token) refresh(observedGen uint64, exchange func() (string, time.Time, error)) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen > observedGen && t.value != "" {
		return t.value, nil
	}
	value, expiry, err := exchange()
	if err != nil {
		return "", err
	}
	t.value = value
	t.expiry = expiry
	t.gen++
	return value, nil
}
