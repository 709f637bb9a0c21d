// Package pop builds proof-of-possession signatures over freshly issued
// capability tickets. The signed message is the ordered concatenation
// ticket_id|audience|nonce|timestamp; the control plane verifies it against
// the device public key submitted alongside.
package pop

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"proxion-keyring/go-daemon/internal/keystore"
)

var ErrSigningFailed = errors.New("proof-of-possession signing failed")

const nonceSize = 16

// Proof carries everything the control plane needs to check possession of
// the device private key for one redemption attempt.
type Proof struct {
	TicketID          string
	Audience          string
	Nonce             string
	Timestamp         int64
	Signature         string
	HolderFingerprint string
}

// Signer produces proofs. The zero value uses crypto/rand and wall-clock
// time; tests override Rand and Now.
type Signer struct {
	Rand io.Reader
	Now  func() time.Time
}

func (s Signer) Sign(ticketID, audience string, identity *keystore.Identity) (Proof, error) {
	if strings.TrimSpace(ticketID) == "" {
		return Proof{}, fmt.Errorf("%w: ticket id is required", ErrSigningFailed)
	}
	if strings.TrimSpace(audience) == "" {
		return Proof{}, fmt.Errorf("%w: audience is required", ErrSigningFailed)
	}
	if identity == nil {
		return Proof{}, fmt.Errorf("%w: identity is required", ErrSigningFailed)
	}
	nonce, err := s.newNonce()
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ts := now.Unix()
	signature := identity.Sign(CanonicalMessage(ticketID, audience, nonce, ts))
	return Proof{
		TicketID:          ticketID,
		Audience:          audience,
		Nonce:             nonce,
		Timestamp:         ts,
		Signature:         hex.EncodeToString(signature),
		HolderFingerprint: identity.Fingerprint(),
	}, nil
}

// CanonicalMessage is the exact byte sequence covered by the signature.
// Field order is part of the contract: reordering invalidates the proof.
func CanonicalMessage(ticketID, audience, nonce string, timestamp int64) []byte {
	return []byte(ticketID + "|" + audience + "|" + nonce + "|" + strconv.FormatInt(timestamp, 10))
}

func (s Signer) newNonce() (string, error) {
	reader := s.Rand
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, nonceSize)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
