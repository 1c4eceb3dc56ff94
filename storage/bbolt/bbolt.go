// Package bbolt provides BBolt-backed implementations of the storage
// interfaces for single-node deployments. Records are stored as JSON values
// in one bucket per concern; transaction idempotency is enforced by the
// idempotency-key bucket inside a single update transaction, which makes the
// uniqueness constraint authoritative under concurrent deliveries.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/medcardhq/cardauthd/storage"
)

var (
	bucketCards        = []byte("cards")
	bucketCardSessions = []byte("card_sessions")
	bucketTransactions = []byte("transactions")
	bucketTxByIdemKey  = []byte("transactions_idem")
	bucketAuditLog     = []byte("audit_log")
	bucketRx           = []byte("prescriptions")
)

// Store implements the card, card-session, transaction, prescription and
// audit stores on a single BBolt database.
type Store struct {
	db *bbolt.DB
}

var (
	_ storage.CardStore         = (*Store)(nil)
	_ storage.PrescriptionStore = (*Store)(nil)
)

// Open opens (or creates) a BBolt database at path and ensures all buckets
// exist.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketCards, bucketCardSessions, bucketTransactions,
			bucketTxByIdemKey, bucketAuditLog, bucketRx,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// cardRecord is the stored JSON shape of a CardIdentity.
type cardRecord struct {
	CardID             string    `json:"card_id"`
	StaffID            string    `json:"staff_id"`
	PublicKey          []byte    `json:"public_key"`
	EncryptedStaticKey []byte    `json:"static_key_encrypted"`
	StaticKeyIV        []byte    `json:"static_key_iv"`
	Status             int       `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	LastAuthAt         time.Time `json:"last_auth_at,omitzero"`
}

func toCardRecord(c *storage.CardIdentity) cardRecord {
	return cardRecord{
		CardID:             c.CardID,
		StaffID:            c.StaffID,
		PublicKey:          c.PublicKey,
		EncryptedStaticKey: c.EncryptedStaticKey,
		StaticKeyIV:        c.StaticKeyIV,
		Status:             int(c.Status),
		CreatedAt:          c.CreatedAt,
		LastAuthAt:         c.LastAuthAt,
	}
}

func (r cardRecord) toCardIdentity() *storage.CardIdentity {
	return &storage.CardIdentity{
		CardID:             r.CardID,
		StaffID:            r.StaffID,
		PublicKey:          r.PublicKey,
		EncryptedStaticKey: r.EncryptedStaticKey,
		StaticKeyIV:        r.StaticKeyIV,
		Status:             storage.CardStatus(r.Status),
		CreatedAt:          r.CreatedAt,
		LastAuthAt:         r.LastAuthAt,
	}
}

func (s *Store) FindActive(_ context.Context, cardID string) (*storage.CardIdentity, error) {
	var card *storage.CardIdentity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCards).Get([]byte(cardID))
		if data == nil {
			return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
		}
		var rec cardRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding card record: %w", err)
		}
		if storage.CardStatus(rec.Status) != storage.CardActive {
			return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
		}
		card = rec.toCardIdentity()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (s *Store) Insert(_ context.Context, card *storage.CardIdentity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCards)
		if data := b.Get([]byte(card.CardID)); data != nil {
			var rec cardRecord
			if err := json.Unmarshal(data, &rec); err == nil &&
				storage.CardStatus(rec.Status) == storage.CardActive {
				return fmt.Errorf("card %s: %w", card.CardID, storage.ErrDuplicateKey)
			}
		}
		data, err := json.Marshal(toCardRecord(card))
		if err != nil {
			return fmt.Errorf("encoding card record: %w", err)
		}
		return b.Put([]byte(card.CardID), data)
	})
}

func (s *Store) Revoke(_ context.Context, cardID string) error {
	return s.updateCard(cardID, func(rec *cardRecord) { rec.Status = int(storage.CardRevoked) })
}

func (s *Store) UpdateLastAuth(_ context.Context, cardID string, at time.Time) error {
	return s.updateCard(cardID, func(rec *cardRecord) { rec.LastAuthAt = at })
}

func (s *Store) updateCard(cardID string, mutate func(*cardRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCards)
		data := b.Get([]byte(cardID))
		if data == nil {
			return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
		}
		var rec cardRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding card record: %w", err)
		}
		mutate(&rec)
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding card record: %w", err)
		}
		return b.Put([]byte(cardID), updated)
	})
}

// CardSessions returns the store's CardSessionStore view.
func (s *Store) CardSessions() storage.CardSessionStore {
	return cardSessionStore{s}
}

type cardSessionStore struct{ s *Store }

func (c cardSessionStore) Insert(_ context.Context, session *storage.CardSession) error {
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encoding card session: %w", err)
		}
		return tx.Bucket(bucketCardSessions).Put([]byte(session.SessionID), data)
	})
}

// Transactions returns the store's TransactionStore view.
func (s *Store) Transactions() storage.TransactionStore {
	return transactionStore{s}
}

type transactionStore struct{ s *Store }

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func (t transactionStore) FindByIdempotencyKey(_ context.Context, key string) (*storage.Transaction, error) {
	var found *storage.Transaction
	err := t.s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketTxByIdemKey).Get([]byte(key))
		if id == nil {
			return fmt.Errorf("transaction %q: %w", key, storage.ErrNotFound)
		}
		data := tx.Bucket(bucketTransactions).Get(id)
		if data == nil {
			return fmt.Errorf("transaction %q: %w", key, storage.ErrNotFound)
		}
		var rec storage.Transaction
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding transaction: %w", err)
		}
		found = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Insert assigns a sequence id and writes both the record and its
// idempotency-key index entry in one transaction. The key check and both
// puts are atomic, so concurrent duplicate deliveries cannot both succeed.
func (t transactionStore) Insert(_ context.Context, txn *storage.Transaction) error {
	return t.s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketTxByIdemKey)
		if idx.Get([]byte(txn.IdempotencyKey)) != nil {
			return fmt.Errorf("transaction %q: %w", txn.IdempotencyKey, storage.ErrDuplicateKey)
		}
		records := tx.Bucket(bucketTransactions)
		seq, err := records.NextSequence()
		if err != nil {
			return err
		}
		txn.ID = int64(seq)
		data, err := json.Marshal(txn)
		if err != nil {
			return fmt.Errorf("encoding transaction: %w", err)
		}
		if err := records.Put(itob(txn.ID), data); err != nil {
			return err
		}
		return idx.Put([]byte(txn.IdempotencyKey), itob(txn.ID))
	})
}

// rxRecord is the stored slice of a prescription this core touches.
type rxRecord struct {
	ID            int64     `json:"id"`
	Paid          bool      `json:"paid"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	PaidAt        time.Time `json:"paid_at,omitzero"`
}

// AddPrescription seeds a pending prescription record.
func (s *Store) AddPrescription(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rxRecord{ID: id})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRx).Put(itob(id), data)
	})
}

func (s *Store) MarkPaid(_ context.Context, prescriptionID, transactionID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRx)
		data := b.Get(itob(prescriptionID))
		if data == nil {
			return fmt.Errorf("prescription %d: %w", prescriptionID, storage.ErrNotFound)
		}
		var rec rxRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding prescription: %w", err)
		}
		rec.Paid = true
		rec.TransactionID = transactionID
		rec.PaidAt = time.Now()
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(itob(prescriptionID), updated)
	})
}

// AuditLog returns the store's AuditLogStore view.
func (s *Store) AuditLog() storage.AuditLogStore {
	return auditLogStore{s}
}

type auditLogStore struct{ s *Store }

func (a auditLogStore) Insert(_ context.Context, entry *storage.AuditEntry) error {
	return a.s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding audit entry: %w", err)
		}
		return tx.Bucket(bucketAuditLog).Put([]byte(entry.ID), data)
	})
}
