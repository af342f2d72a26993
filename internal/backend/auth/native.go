package auth

import "crypto/sha1"

// NativePassword implements mysql_native_password: SHA1(password) XOR
// SHA1(scramble + SHA1(SHA1(password))).
type NativePassword struct{}

func (NativePassword) Name() string { return "mysql_native_password" }

func (NativePassword) Respond(password string, scramble []byte) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	stage1 := sha1.Sum([]byte(password))
	stage2 := sha1.Sum(stage1[:])

	h := sha1.New()
	h.Write(scramble)
	h.Write(stage2[:])
	stage3 := h.Sum(nil)

	out := make([]byte, len(stage1))
	for i := range out {
		out[i] = stage1[i] ^ stage3[i]
	}
	return out, nil
}
