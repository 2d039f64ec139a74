package pkinit

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"math/big"
)

// Group is a MODP Diffie-Hellman group with a safe prime modulus.
type Group struct {
	Name string
	P    *big.Int
	G    *big.Int
	Q    *big.Int // (P-1)/2
}

func modp(name, hex string) *Group {
	p, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("pkinit: bad prime for " + name)
	}
	q := new(big.Int).Rsh(new(big.Int).Sub(p, big.NewInt(1)), 1)
	return &Group{Name: name, P: p, G: big.NewInt(2), Q: q}
}

// MODP groups 2 (RFC 2409) and 14 (RFC 3526).
var (
	Group2 = modp("modp2", ""+
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381"+
		"FFFFFFFFFFFFFFFF")
	Group14 = modp("modp14", ""+
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D"+
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F"+
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9"+
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510"+
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF")
)

// KnownGroups are the groups a KDC accepts, strongest first.
var KnownGroups = []*Group{Group14, Group2}

// LookupGroup finds the known group with modulus p and generator g.
func LookupGroup(p, g *big.Int) (*Group, bool) {
	for _, grp := range KnownGroups {
		if grp.P.Cmp(p) == 0 && grp.G.Cmp(g) == 0 {
			return grp, true
		}
	}
	return nil, false
}

// Size is the modulus length in bytes.
func (g *Group) Size() int { return (g.P.BitLen() + 7) / 8 }

var errBadPublic = errors.New("pkinit: diffie-hellman public value out of range")

// DHKey is an ephemeral key pair.
type DHKey struct {
	Group   *Group
	Public  *big.Int
	private *big.Int
}

// GenerateDH returns a new key pair in group.
func GenerateDH(group *Group) (*DHKey, error) {
	// x in [2, q-1]
	max := new(big.Int).Sub(group.Q, big.NewInt(2))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generate dh key: %w", err)
	}
	x.Add(x, big.NewInt(2))
	return &DHKey{Group: group, Public: new(big.Int).Exp(group.G, x, group.P), private: x}, nil
}

// checkPublic rejects values outside (1, p-1) and outside the prime order
// subgroup.
func (g *Group) checkPublic(y *big.Int) error {
	pm1 := new(big.Int).Sub(g.P, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pm1) >= 0 {
		return errBadPublic
	}
	if new(big.Int).Exp(y, g.Q, g.P).Cmp(big.NewInt(1)) != 0 {
		return errBadPublic
	}
	return nil
}

// SharedSecret computes the agreed value, left padded to the modulus size.
func (k *DHKey) SharedSecret(peer *big.Int) ([]byte, error) {
	if err := k.Group.checkPublic(peer); err != nil {
		return nil, err
	}
	z := new(big.Int).Exp(peer, k.private, k.Group.P)
	return z.FillBytes(make([]byte, k.Group.Size())), nil
}

// OctetString2Key is the RFC 4556 key derivation: SHA-1 over a one byte
// counter and x, concatenated and truncated to size bytes. x is the shared
// secret followed by the client and server DH nonces.
func OctetString2Key(size int, secret, clientNonce, serverNonce []byte) []byte {
	out := make([]byte, 0, size+sha1.Size)
	for i := 0; len(out) < size; i++ {
		h := sha1.New()
		h.Write([]byte{byte(i)})
		h.Write(secret)
		h.Write(clientNonce)
		h.Write(serverNonce)
		out = h.Sum(out)
	}
	return out[:size]
}
