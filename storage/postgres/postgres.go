// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// The transactions table carries the unique constraint on idempotency_key
// that makes duplicate webhook detection authoritative: when two deliveries
// race past the existence lookup, the second insert fails with SQLSTATE
// 23505 and is surfaced as storage.ErrDuplicateKey.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcardhq/cardauthd/storage"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// Store implements the card, card-session, transaction, prescription and
// audit stores on a shared connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.CardStore         = (*Store)(nil)
	_ storage.PrescriptionStore = (*Store)(nil)
)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *Store) FindActive(ctx context.Context, cardID string) (*storage.CardIdentity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT card_id, staff_id, public_key, static_key_encrypted, static_key_iv,
		       status, created_at, last_auth_at
		FROM card_keys
		WHERE card_id = $1 AND status = $2`,
		cardID, int(storage.CardActive))

	var (
		card       storage.CardIdentity
		status     int
		lastAuthAt *time.Time
	)
	err := row.Scan(&card.CardID, &card.StaffID, &card.PublicKey,
		&card.EncryptedStaticKey, &card.StaticKeyIV, &status,
		&card.CreatedAt, &lastAuthAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying card: %w", err)
	}
	card.Status = storage.CardStatus(status)
	if lastAuthAt != nil {
		card.LastAuthAt = *lastAuthAt
	}
	return &card, nil
}

func (s *Store) Insert(ctx context.Context, card *storage.CardIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO card_keys (card_id, staff_id, public_key, static_key_encrypted,
		                       static_key_iv, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		card.CardID, card.StaffID, card.PublicKey, card.EncryptedStaticKey,
		card.StaticKeyIV, int(card.Status), card.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("card %s: %w", card.CardID, storage.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("inserting card: %w", err)
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, cardID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE card_keys SET status = $1 WHERE card_id = $2 AND status = $3`,
		int(storage.CardRevoked), cardID, int(storage.CardActive))
	if err != nil {
		return fmt.Errorf("revoking card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateLastAuth(ctx context.Context, cardID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE card_keys SET last_auth_at = $1 WHERE card_id = $2`, at, cardID)
	if err != nil {
		return fmt.Errorf("updating last auth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	return nil
}

// CardSessions returns the store's CardSessionStore view.
func (s *Store) CardSessions() storage.CardSessionStore {
	return cardSessionStore{s}
}

type cardSessionStore struct{ s *Store }

func (c cardSessionStore) Insert(ctx context.Context, session *storage.CardSession) error {
	_, err := c.s.pool.Exec(ctx, `
		INSERT INTO card_sessions (session_id, card_id, challenge_server,
		                           challenge_card, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		session.SessionID, session.CardID, session.ChallengeServer,
		session.ChallengeCard, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting card session: %w", err)
	}
	return nil
}

// Transactions returns the store's TransactionStore view.
func (s *Store) Transactions() storage.TransactionStore {
	return transactionStore{s}
}

type transactionStore struct{ s *Store }

func (t transactionStore) FindByIdempotencyKey(ctx context.Context, key string) (*storage.Transaction, error) {
	row := t.s.pool.QueryRow(ctx, `
		SELECT id, bank_id, amount, ref, COALESCE(content, ''),
		       COALESCE(staff_id, ''), COALESCE(payment_method, ''),
		       ts_ms, idempotency_key, created_at
		FROM transactions
		WHERE idempotency_key = $1`, key)

	var tx storage.Transaction
	err := row.Scan(&tx.ID, &tx.BankID, &tx.Amount, &tx.Ref, &tx.Content,
		&tx.StaffID, &tx.PaymentMethod, &tx.TimestampMs,
		&tx.IdempotencyKey, &tx.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %q: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying transaction: %w", err)
	}
	return &tx, nil
}

func (t transactionStore) Insert(ctx context.Context, tx *storage.Transaction) error {
	row := t.s.pool.QueryRow(ctx, `
		INSERT INTO transactions (bank_id, amount, ref, content, staff_id,
		                          payment_method, ts_ms, idempotency_key)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING id, created_at`,
		tx.BankID, tx.Amount, tx.Ref, tx.Content, tx.StaffID,
		tx.PaymentMethod, tx.TimestampMs, tx.IdempotencyKey)

	err := row.Scan(&tx.ID, &tx.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %q: %w", tx.IdempotencyKey, storage.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (s *Store) MarkPaid(ctx context.Context, prescriptionID, transactionID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prescriptions
		SET paid = true, transaction_id = $1, paid_at = now()
		WHERE id = $2`, transactionID, prescriptionID)
	if err != nil {
		return fmt.Errorf("marking prescription paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prescription %d: %w", prescriptionID, storage.ErrNotFound)
	}
	return nil
}

// AuditLog returns the store's AuditLogStore view.
func (s *Store) AuditLog() storage.AuditLogStore {
	return auditLogStore{s}
}

type auditLogStore struct{ s *Store }

func (a auditLogStore) Insert(ctx context.Context, entry *storage.AuditEntry) error {
	_, err := a.s.pool.Exec(ctx, `
		INSERT INTO audit_history (id, action, staff_id, description, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		entry.ID, entry.Action, entry.StaffID, entry.Description, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}
