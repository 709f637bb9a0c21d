package keystore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoDeviceSigning = "proxion/device/signing/v1"
	fingerprintPrefixLen  = 8
)

// Identity is the device's signing keypair. The private key never leaves
// this package: callers sign through the handle and export only the public
// half.
type Identity struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	createdAt time.Time
}

func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.priv, message)
}

func (id *Identity) Public() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.pub...)
}

func (id *Identity) CreatedAt() time.Time {
	return id.createdAt
}

// Fingerprint is the short holder identifier sent to the control plane:
// the first bytes of the raw public key, hex encoded.
func (id *Identity) Fingerprint() string {
	return hex.EncodeToString(id.pub[:fingerprintPrefixLen])
}

// DeviceID is the durable record identifier written to the device index.
func (id *Identity) DeviceID() string {
	sum := sha256.Sum256(id.pub)
	return "dev1" + base58.Encode(sum[:8])
}

func identityFromSeed(seed []byte, createdAt time.Time) (*Identity, error) {
	signingSeed, err := hkdfExpand(seed, hkdfInfoDeviceSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	return &Identity{
		priv:      priv,
		pub:       priv.Public().(ed25519.PublicKey),
		createdAt: createdAt,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
