package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// Factory returns a transform instance.
type Factory func() Transform

// Registry maps encryption and checksum types to transforms. It is built
// once at startup and then only read.
type Registry struct {
	mu     sync.RWMutex
	etypes map[int32]Factory
	cksums map[int32]int32
	order  []int32
}

// NewRegistry returns a registry with the AES and RC4 profiles, strongest
// first.
func NewRegistry() *Registry {
	r := &Registry{
		etypes: make(map[int32]Factory),
		cksums: make(map[int32]int32),
	}
	r.Register(newAES256SHA384)
	r.Register(newAES128SHA256)
	r.Register(newAES256SHA1)
	r.Register(newAES128SHA1)
	r.Register(newRC4HMAC)
	return r
}

var defaultRegistry = sync.OnceValue(NewRegistry)

// DefaultRegistry returns a shared registry with the built-in profiles.
// Callers must not Register on it.
func DefaultRegistry() *Registry {
	return defaultRegistry()
}

// Register adds a profile. A later registration for the same etype
// replaces the earlier one but keeps its preference position.
func (r *Registry) Register(f Factory) {
	t := f()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.etypes[t.EType()]; !ok {
		r.order = append(r.order, t.EType())
	}
	r.etypes[t.EType()] = f
	r.cksums[t.ChecksumType()] = t.EType()
}

// Get returns the transform for etype or ErrUnsupportedEType.
func (r *Registry) Get(etype int32) (Transform, error) {
	r.mu.RLock()
	f, ok := r.etypes[etype]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedEType, etype)
	}
	return f(), nil
}

// ChecksumFor returns the transform whose keyed checksum is cksumType.
func (r *Registry) ChecksumFor(cksumType int32) (Transform, error) {
	r.mu.RLock()
	etype, ok := r.cksums[cksumType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: checksum type %d", ErrUnsupportedEType, cksumType)
	}
	return r.Get(etype)
}

// Supports reports whether etype is registered.
func (r *Registry) Supports(etype int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.etypes[etype]
	return ok
}

// ETypes returns the registered etypes in preference order.
func (r *Registry) ETypes() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int32(nil), r.order...)
}

// Preferred returns the first of want that is also in have and registered,
// keeping the order of want.
func (r *Registry) Preferred(want, have []int32) (int32, bool) {
	for _, w := range want {
		if !r.Supports(w) {
			continue
		}
		for _, h := range have {
			if h == w {
				return w, true
			}
		}
	}
	return 0, false
}

// SortByPreference orders etypes by registry preference, dropping any that
// are not registered.
func (r *Registry) SortByPreference(etypes []int32) []int32 {
	r.mu.RLock()
	rank := make(map[int32]int, len(r.order))
	for i, e := range r.order {
		rank[e] = i
	}
	r.mu.RUnlock()
	out := make([]int32, 0, len(etypes))
	for _, e := range etypes {
		if _, ok := rank[e]; ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// StringToKey derives a key and returns it with raw bytes present.
func (r *Registry) StringToKey(etype int32, password, salt string, params []byte) (Key, error) {
	t, err := r.Get(etype)
	if err != nil {
		return Key{}, err
	}
	b, err := t.String2Key(password, salt, params)
	if err != nil {
		return Key{}, err
	}
	return Key{EType: etype, value: b}, nil
}

// RandomKey returns a new random key for etype.
func (r *Registry) RandomKey(etype int32) (Key, error) {
	t, err := r.Get(etype)
	if err != nil {
		return Key{}, err
	}
	b, err := t.RandomKey()
	if err != nil {
		return Key{}, err
	}
	return Key{EType: etype, value: b}, nil
}

// Encrypt encrypts plaintext with key under usage.
func (r *Registry) Encrypt(key Key, usage uint32, plaintext []byte) ([]byte, error) {
	t, kb, err := r.resolve(key)
	if err != nil {
		return nil, err
	}
	return t.Encrypt(plaintext, kb, usage)
}

// Decrypt decrypts ciphertext with key under usage. Integrity failures
// return an error wrapping ErrChecksumMismatch.
func (r *Registry) Decrypt(key Key, usage uint32, ciphertext []byte) ([]byte, error) {
	t, kb, err := r.resolve(key)
	if err != nil {
		return nil, err
	}
	return t.Decrypt(ciphertext, kb, usage)
}

// Checksum computes the keyed checksum of key's etype over data and
// returns its checksum type.
func (r *Registry) Checksum(key Key, usage uint32, data []byte) (int32, []byte, error) {
	t, kb, err := r.resolve(key)
	if err != nil {
		return 0, nil, err
	}
	sum, err := t.MakeChecksum(data, kb, usage, Kc, t.ChecksumSize())
	if err != nil {
		return 0, nil, err
	}
	return t.ChecksumType(), sum, nil
}

// VerifyChecksum recomputes the checksum of type cksumType and compares it
// with sum in constant time.
func (r *Registry) VerifyChecksum(key Key, cksumType int32, usage uint32, data, sum []byte) error {
	t, err := r.ChecksumFor(cksumType)
	if err != nil {
		return err
	}
	kb, err := key.Bytes()
	if err != nil {
		return err
	}
	want, err := t.MakeChecksum(data, kb, usage, Kc, t.ChecksumSize())
	if err != nil {
		return err
	}
	if !AreEqualSlow(sum, want) {
		return ErrChecksumMismatch
	}
	return nil
}

func (r *Registry) resolve(key Key) (Transform, []byte, error) {
	t, err := r.Get(key.EType)
	if err != nil {
		return nil, nil, err
	}
	kb, err := key.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return t, kb, nil
}
