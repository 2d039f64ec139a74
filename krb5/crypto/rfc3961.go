package crypto

import (
	"crypto/aes"
)

// dk is the RFC 3961 DK function for a block cipher with the key as its
// own cipher key: DR(key, constant) truncated to keyLen.
func dk(baseKey, constant []byte, keyLen int) ([]byte, error) {
	block, err := aes.NewCipher(baseKey)
	if err != nil {
		return nil, err
	}

	in := nfold(constant, aes.BlockSize*8)
	var out []byte
	for len(out) < keyLen {
		next := make([]byte, aes.BlockSize)
		block.Encrypt(next, in)
		out = append(out, next...)
		in = next
	}
	return out[:keyLen], nil
}

// nfold is the RFC 3961 n-fold operation: replicate the input with 13 bit
// rotations up to the lcm of both sizes, then ones-complement add the
// n bit chunks.
func nfold(input []byte, nbits int) []byte {
	k := len(input) * 8
	l := lcm(nbits, k)

	var buf []byte
	for i := 0; i < l/k; i++ {
		buf = append(buf, rotateRight(input, 13*i)...)
	}

	out := make([]byte, nbits/8)
	for i := 0; i < l/nbits; i++ {
		out = onesComplementAdd(out, buf[i*len(out):(i+1)*len(out)])
	}
	return out
}

func rotateRight(b []byte, step int) []byte {
	out := make([]byte, len(b))
	bits := len(b) * 8
	for i := 0; i < bits; i++ {
		if (b[i/8]>>(7-i%8))&1 == 0 {
			continue
		}
		d := (i + step) % bits
		out[d/8] |= 1 << (7 - d%8)
	}
	return out
}

func onesComplementAdd(a, b []byte) []byte {
	out := make([]byte, len(a))
	carry := 0
	for i := len(a) - 1; i >= 0; i-- {
		s := int(a[i]) + int(b[i]) + carry
		out[i] = byte(s)
		carry = s >> 8
	}
	// End-around carry.
	for carry != 0 {
		for i := len(out) - 1; i >= 0 && carry != 0; i-- {
			s := int(out[i]) + carry
			out[i] = byte(s)
			carry = s >> 8
		}
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a * b / gcd(a, b)
}
