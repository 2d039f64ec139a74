package validate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kardianos/gokdc/krb5/messages"
)

// ReplayCache remembers authenticators until they expire.
type ReplayCache interface {
	// CheckAndAdd reports whether key was already present. If not, it is
	// added and kept until expires.
	CheckAndAdd(key string, expires time.Time) bool
}

// ReplayKey identifies an authenticator presented to server.
func ReplayKey(a *messages.Authenticator, server messages.Principal) string {
	return fmt.Sprintf("%s|%d.%06d|%s", a.Client(), a.CTime.Unix(), a.Cusec, strings.ToLower(server.String()))
}

// MemoryReplay is an in-process ReplayCache. Expired entries are swept on
// insert.
type MemoryReplay struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
	sweep   time.Time
}

// NewMemoryReplay returns an empty cache.
func NewMemoryReplay() *MemoryReplay {
	return &MemoryReplay{entries: make(map[string]time.Time)}
}

func (r *MemoryReplay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *MemoryReplay) CheckAndAdd(key string, expires time.Time) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]time.Time)
	}
	if exp, ok := r.entries[key]; ok && !exp.Before(now) {
		return true
	}
	if now.Sub(r.sweep) > time.Minute {
		for k, exp := range r.entries {
			if exp.Before(now) {
				delete(r.entries, k)
			}
		}
		r.sweep = now
	}
	r.entries[key] = expires
	return false
}

// Len returns the number of remembered authenticators.
func (r *MemoryReplay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
