package agw

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/sign"
)

// Ed25519 signing for circuit payloads, byte-compatible with libsodium's
// crypto_sign family: a signed message is the 64-byte signature followed
// by the message.
const (
	SignPublicKeyLen = 32
	SignSecretKeyLen = 64
	SignOverhead     = sign.Overhead
)

var errBadSignature = errors.New("signature verification failed")

// SigningKeypair generates a fresh signing keypair.
func SigningKeypair() (pub *[SignPublicKeyLen]byte, sec *[SignSecretKeyLen]byte, err error) {
	return sign.GenerateKey(rand.Reader)
}

// Sign returns sig‖msg, the combined signed form.
func Sign(msg []byte, sec *[SignSecretKeyLen]byte) []byte {
	return sign.Sign(nil, msg, sec)
}

// OpenSigned verifies a combined signed message and returns the message.
func OpenSigned(signed []byte, pub *[SignPublicKeyLen]byte) ([]byte, error) {
	if len(signed) < SignOverhead {
		return nil, fmt.Errorf("%w: signed message shorter than a signature, %d < %d",
			errBadSignature, len(signed), SignOverhead)
	}

	var msg, ok = sign.Open(nil, signed, pub)
	if !ok {
		return nil, errBadSignature
	}

	return msg, nil
}

// SignDetached returns only the 64-byte signature for msg.
func SignDetached(msg []byte, sec *[SignSecretKeyLen]byte) []byte {
	return Sign(msg, sec)[:SignOverhead]
}

// VerifyDetached reports whether sig is a valid detached signature on msg.
func VerifyDetached(sig, msg []byte, pub *[SignPublicKeyLen]byte) bool {
	if len(sig) != SignOverhead {
		return false
	}

	var signed = make([]byte, 0, len(sig)+len(msg))
	signed = append(signed, sig...)
	signed = append(signed, msg...)
	var _, ok = sign.Open(nil, signed, pub)

	return ok
}

// SignTransformer signs what it wraps and verifies what it unwraps. Use a
// pair of them (with the keys swapped) on both ends of a circuit, usually
// via Wrap.
type SignTransformer struct {
	pub *[SignPublicKeyLen]byte
	sec *[SignSecretKeyLen]byte
}

// NewSignTransformer builds a transformer from in-memory keys.
func NewSignTransformer(pub *[SignPublicKeyLen]byte, sec *[SignSecretKeyLen]byte) *SignTransformer {
	return &SignTransformer{pub: pub, sec: sec}
}

// LoadSignTransformer reads raw binary key files: 32 bytes public, 64
// bytes secret.
func LoadSignTransformer(pubFile, secFile string) (*SignTransformer, error) {
	var pubBytes, pubErr = os.ReadFile(pubFile)
	if pubErr != nil {
		return nil, pubErr
	}
	if len(pubBytes) != SignPublicKeyLen {
		return nil, fmt.Errorf("public key file %s has wrong size %d, want %d", pubFile, len(pubBytes), SignPublicKeyLen)
	}

	var secBytes, secErr = os.ReadFile(secFile)
	if secErr != nil {
		return nil, secErr
	}
	if len(secBytes) != SignSecretKeyLen {
		return nil, fmt.Errorf("secret key file %s has wrong size %d, want %d", secFile, len(secBytes), SignSecretKeyLen)
	}

	var t = SignTransformer{
		pub: new([SignPublicKeyLen]byte),
		sec: new([SignSecretKeyLen]byte),
	}
	copy(t.pub[:], pubBytes)
	copy(t.sec[:], secBytes)

	return &t, nil
}

// Wrap signs msg.
func (t *SignTransformer) Wrap(msg []byte) ([]byte, error) {
	return Sign(msg, t.sec), nil
}

// Unwrap verifies a signed message and strips the signature.
func (t *SignTransformer) Unwrap(msg []byte) ([]byte, error) {
	return OpenSigned(msg, t.pub)
}
