// Package memory provides thread-safe in-memory implementations of the
// storage interfaces. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medcardhq/cardauthd/storage"
)

// CardStore is an in-memory storage.CardStore.
type CardStore struct {
	mu    sync.RWMutex
	cards map[string]*storage.CardIdentity
}

var _ storage.CardStore = (*CardStore)(nil)

// NewCardStore creates an empty in-memory card store.
func NewCardStore() *CardStore {
	return &CardStore{cards: make(map[string]*storage.CardIdentity)}
}

func cloneCard(c *storage.CardIdentity) *storage.CardIdentity {
	d := *c
	d.PublicKey = append([]byte(nil), c.PublicKey...)
	d.EncryptedStaticKey = append([]byte(nil), c.EncryptedStaticKey...)
	d.StaticKeyIV = append([]byte(nil), c.StaticKeyIV...)
	return &d
}

func (s *CardStore) FindActive(_ context.Context, cardID string) (*storage.CardIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[cardID]
	if !ok || c.Status != storage.CardActive {
		return nil, fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	return cloneCard(c), nil
}

func (s *CardStore) Insert(_ context.Context, card *storage.CardIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cards[card.CardID]; ok && existing.Status == storage.CardActive {
		return fmt.Errorf("card %s: %w", card.CardID, storage.ErrDuplicateKey)
	}
	s.cards[card.CardID] = cloneCard(card)
	return nil
}

func (s *CardStore) Revoke(_ context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok || c.Status != storage.CardActive {
		return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	c.Status = storage.CardRevoked
	return nil
}

func (s *CardStore) UpdateLastAuth(_ context.Context, cardID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	c.LastAuthAt = at
	return nil
}

// CardSessionStore is an in-memory storage.CardSessionStore.
type CardSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*storage.CardSession
}

var _ storage.CardSessionStore = (*CardSessionStore)(nil)

// NewCardSessionStore creates an empty in-memory card-session store.
func NewCardSessionStore() *CardSessionStore {
	return &CardSessionStore{sessions: make(map[string]*storage.CardSession)}
}

func (s *CardSessionStore) Insert(_ context.Context, session *storage.CardSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	cp.ChallengeServer = append([]byte(nil), session.ChallengeServer...)
	cp.ChallengeCard = append([]byte(nil), session.ChallengeCard...)
	s.sessions[session.SessionID] = &cp
	return nil
}

// Get returns the persisted session by id; used by tests.
func (s *CardSessionStore) Get(sessionID string) (*storage.CardSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// TransactionStore is an in-memory storage.TransactionStore with
// auto-incrementing ids and a unique idempotency-key constraint.
type TransactionStore struct {
	mu     sync.RWMutex
	byKey  map[string]*storage.Transaction
	nextID int64
}

var _ storage.TransactionStore = (*TransactionStore)(nil)

// NewTransactionStore creates an empty in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{byKey: make(map[string]*storage.Transaction)}
}

func (s *TransactionStore) FindByIdempotencyKey(_ context.Context, key string) (*storage.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("transaction %q: %w", key, storage.ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

func (s *TransactionStore) Insert(_ context.Context, tx *storage.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[tx.IdempotencyKey]; ok {
		return fmt.Errorf("transaction %q: %w", tx.IdempotencyKey, storage.ErrDuplicateKey)
	}
	s.nextID++
	tx.ID = s.nextID
	cp := *tx
	s.byKey[tx.IdempotencyKey] = &cp
	return nil
}

// Count returns the number of stored transactions; used by tests.
func (s *TransactionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// PrescriptionStore is an in-memory storage.PrescriptionStore.
type PrescriptionStore struct {
	mu            sync.RWMutex
	prescriptions map[int64]*Prescription
}

// Prescription is the minimal slice of a prescription record this core
// touches.
type Prescription struct {
	ID            int64
	Paid          bool
	TransactionID int64
	PaidAt        time.Time
}

var _ storage.PrescriptionStore = (*PrescriptionStore)(nil)

// NewPrescriptionStore creates an empty in-memory prescription store.
func NewPrescriptionStore() *PrescriptionStore {
	return &PrescriptionStore{prescriptions: make(map[int64]*Prescription)}
}

// Add seeds a pending prescription; used by tests and demos.
func (s *PrescriptionStore) Add(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prescriptions[id] = &Prescription{ID: id}
}

func (s *PrescriptionStore) MarkPaid(_ context.Context, prescriptionID, transactionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prescriptions[prescriptionID]
	if !ok {
		return fmt.Errorf("prescription %d: %w", prescriptionID, storage.ErrNotFound)
	}
	p.Paid = true
	p.TransactionID = transactionID
	p.PaidAt = time.Now()
	return nil
}

// Get returns the prescription by id; used by tests.
func (s *PrescriptionStore) Get(id int64) (*Prescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescriptions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// AuditLogStore is an in-memory storage.AuditLogStore.
type AuditLogStore struct {
	mu      sync.RWMutex
	entries []*storage.AuditEntry
}

var _ storage.AuditLogStore = (*AuditLogStore)(nil)

// NewAuditLogStore creates an empty in-memory audit log.
func NewAuditLogStore() *AuditLogStore {
	return &AuditLogStore{}
}

func (s *AuditLogStore) Insert(_ context.Context, entry *storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

// Entries returns a snapshot of the audit log; used by tests.
func (s *AuditLogStore) Entries() []*storage.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
