package models

import (
	"encoding/json"
	"time"
)

// Receipt is the durable artifact recording a successful ticket redemption.
// Raw carries the control plane's payload verbatim; it is what gets written
// to the vault, never a re-serialization of parsed fields.
type Receipt struct {
	ID  string
	Raw json.RawMessage
}

// RedemptionStatus is the caller-visible terminal status of one redemption
// attempt. A verified and an unverified success are distinct outcomes, not
// an outcome and an error.
type RedemptionStatus string

const (
	StatusRedeemedVerified   RedemptionStatus = "redeemed and verified"
	StatusRedeemedUnverified RedemptionStatus = "redeemed, write succeeded, verification inconclusive"
)

type RedemptionResult struct {
	Status     RedemptionStatus `json:"status"`
	TicketID   string           `json:"ticket_id"`
	ReceiptID  string           `json:"receipt_id"`
	ReceiptURL string           `json:"receipt_url"`
	Verified   bool             `json:"verified"`
}

// DeviceInfo is the public half of the device identity, served over the
// local agent API.
type DeviceInfo struct {
	DeviceID    string    `json:"device_id"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// VaultLayout names the provisioned namespace.
type VaultLayout struct {
	Root       string   `json:"root"`
	Containers []string `json:"containers"`
}

// AuditEvent is appended to the vault's audit container after each
// redemption attempt, best-effort.
type AuditEvent struct {
	EventType string    `json:"event_type"`
	TicketID  string    `json:"ticket_id,omitempty"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
