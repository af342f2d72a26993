package auth

import (
	"crypto/sha512"

	"filippo.io/edwards25519"
)

// ED25519 implements MariaDB's client_ed25519 plugin: the password is
// hashed with SHA-512 to derive an Ed25519 seed, and the server's scramble
// is signed with the resulting key.
type ED25519 struct{}

func (ED25519) Name() string { return "client_ed25519" }

func (ED25519) Respond(password string, scramble []byte) ([]byte, error) {
	seed := sha512.Sum512([]byte(password))
	return signEd25519(seed[:32], scramble)
}

func signEd25519(seed, message []byte) ([]byte, error) {
	h := sha512.Sum512(seed)

	var clamped [32]byte
	copy(clamped[:], h[:32])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64
	prefix := h[32:64]

	s, err := edwards25519.NewScalar().SetCanonicalBytes(clamped[:])
	if err != nil {
		return nil, err
	}
	a := edwards25519.NewIdentityPoint().ScalarBaseMult(s)
	aEnc := a.Bytes()

	rh := sha512.New()
	rh.Write(prefix)
	rh.Write(message)
	r, err := edwards25519.NewScalar().SetUniformBytes(rh.Sum(nil))
	if err != nil {
		return nil, err
	}
	rPoint := edwards25519.NewIdentityPoint().ScalarBaseMult(r)
	rEnc := rPoint.Bytes()

	kh := sha512.New()
	kh.Write(rEnc)
	kh.Write(aEnc)
	kh.Write(message)
	k, err := edwards25519.NewScalar().SetUniformBytes(kh.Sum(nil))
	if err != nil {
		return nil, err
	}

	sOut := edwards25519.NewScalar().MultiplyAdd(k, s, r)

	sig := make([]byte, 0, 64)
	sig = append(sig, rEnc...)
	sig = append(sig, sOut.Bytes()...)
	return sig, nil
}
