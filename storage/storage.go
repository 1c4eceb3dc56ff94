// Package storage defines the persistent-store interfaces the card
// authentication protocol and the webhook trust guard depend on, together
// with the record types they exchange. Implementations live in the memory,
// bbolt and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an insert violates a uniqueness
	// constraint. For transactions this is the authoritative duplicate
	// signal: the prior existence lookup is only an optimization.
	ErrDuplicateKey = errors.New("duplicate key")
)

// CardStatus is the lifecycle state of an issued card.
type CardStatus int

const (
	CardRevoked CardStatus = 0
	CardActive  CardStatus = 1
)

// CardIdentity is the server-held record of an issued smart card. A card id
// yields at most one active record at a time.
type CardIdentity struct {
	CardID             string
	StaffID            string
	PublicKey          []byte // RSA, DER (PKIX) encoded
	EncryptedStaticKey []byte // AES-256-CBC under the master key
	StaticKeyIV        []byte
	Status             CardStatus
	CreatedAt          time.Time
	LastAuthAt         time.Time // zero until the first completed handshake
}

// CardStore is the external card-identity store.
type CardStore interface {
	// FindActive returns the active record for cardID, or ErrNotFound.
	FindActive(ctx context.Context, cardID string) (*CardIdentity, error)
	// Insert stores a newly provisioned card. ErrDuplicateKey if an
	// active record already exists for the card id.
	Insert(ctx context.Context, card *CardIdentity) error
	// Revoke marks the card revoked. ErrNotFound if no active record.
	Revoke(ctx context.Context, cardID string) error
	// UpdateLastAuth records the completion time of a handshake.
	UpdateLastAuth(ctx context.Context, cardID string, at time.Time) error
}

// CardSession is the durable record of an established secure channel,
// written once at handshake completion.
type CardSession struct {
	CardID          string
	SessionID       string // 64 hex chars
	ChallengeServer []byte
	ChallengeCard   []byte
	ExpiresAt       time.Time
}

// CardSessionStore persists completed handshake sessions.
type CardSessionStore interface {
	Insert(ctx context.Context, session *CardSession) error
}

// Transaction is a processed payment-confirmation callback.
type Transaction struct {
	ID             int64
	BankID         string
	Amount         int64 // smallest currency unit
	Ref            string
	Content        string
	StaffID        string
	TimestampMs    int64
	IdempotencyKey string
	PaymentMethod  string
	CreatedAt      time.Time
}

// TransactionStore persists payment callbacks exactly once per
// idempotency key.
type TransactionStore interface {
	// FindByIdempotencyKey returns the transaction processed under key,
	// or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// Insert stores the transaction and assigns tx.ID. The idempotency
	// key uniqueness must be enforced by the store itself;
	// ErrDuplicateKey on violation.
	Insert(ctx context.Context, tx *Transaction) error
}

// PrescriptionStore exposes the single write this core performs against the
// prescription records it does not otherwise own.
type PrescriptionStore interface {
	// MarkPaid attributes a processed transaction to a pending
	// prescription. ErrNotFound if the prescription does not exist.
	MarkPaid(ctx context.Context, prescriptionID, transactionID int64) error
}

// AuditEntry is an append-only audit trail record.
type AuditEntry struct {
	ID          string // uuid
	Action      string
	StaffID     string
	Description string
	CreatedAt   time.Time
}

// AuditLogStore appends audit trail records.
type AuditLogStore interface {
	Insert(ctx context.Context, entry *AuditEntry) error
}
