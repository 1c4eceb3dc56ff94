// Package webhook implements the trust boundary for payment-confirmation
// callbacks from the banking gateway: HMAC signature verification over the
// received body and exactly-once ingestion keyed by the callback's
// idempotency key.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medcardhq/cardauthd/storage"
)

var (
	// ErrMissingSignature indicates the X-Signature header was absent on
	// a bank-originated callback.
	ErrMissingSignature = errors.New("signature header is required")
	// ErrInvalidSignature indicates the header did not match the HMAC of
	// the received body.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidCallback indicates a malformed or incomplete callback
	// payload.
	ErrInvalidCallback = errors.New("invalid callback")
)

// PaymentMethodCash flags callbacks recorded by an internal trusted caller
// (over-the-counter payment) rather than the external bank gateway; such
// callbacks bypass signature verification by design.
const PaymentMethodCash = "cash"

// refTagPrefix marks a callback reference carrying a prescription
// correlation id, formatted "medcard <id>".
const refTagPrefix = "medcard "

// Status is the ingestion outcome of a callback.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
)

// Callback is a validated payment-confirmation callback.
type Callback struct {
	BankID         string
	Amount         int64
	Ref            string
	Content        string
	StaffID        string
	TimestampMs    int64
	IdempotencyKey string
	PaymentMethod  string
}

// Result references the transaction a callback resolved to.
type Result struct {
	Status        Status
	TransactionID int64
}

// Guard verifies and ingests callbacks. Prescription attribution and audit
// writes are best-effort side effects; their stores may be nil.
type Guard struct {
	secret        []byte
	transactions  storage.TransactionStore
	prescriptions storage.PrescriptionStore
	audit         storage.AuditLogStore
	logger        *slog.Logger
	now           func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the structured logger. Defaults to a JSON logger on
// stderr.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithNow replaces the guard's time source, for deterministic tests.
func WithNow(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithPrescriptions enables prescription correlation side effects.
func WithPrescriptions(store storage.PrescriptionStore) GuardOption {
	return func(g *Guard) {
		g.prescriptions = store
	}
}

// WithAuditLog enables audit-trail side effects.
func WithAuditLog(store storage.AuditLogStore) GuardOption {
	return func(g *Guard) {
		g.audit = store
	}
}

// NewGuard creates a Guard with the shared bank HMAC secret.
func NewGuard(secret []byte, transactions storage.TransactionStore, opts ...GuardOption) (*Guard, error) {
	if len(secret) == 0 {
		return nil, errors.New("bank HMAC secret must not be empty")
	}
	g := &Guard{
		secret:       secret,
		transactions: transactions,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.logger = g.logger.With("component", "webhook")
	return g, nil
}

// VerifySignature checks the base64 HMAC-SHA256 header against the exact
// body bytes received. Length equality is confirmed first (length is not
// secret), then the digests are compared in constant time.
func (g *Guard) VerifySignature(body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if len(header) != len(expected) {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Validate checks field presence and applies the cash defaults: a missing
// timestamp becomes the current time and a missing idempotency key is
// synthesized as "cash-<ref>-<timestampMs>". Non-cash callbacks must carry
// both explicitly.
func (g *Guard) Validate(cb *Callback) error {
	if cb.BankID == "" {
		return fmt.Errorf("%w: bankId is required", ErrInvalidCallback)
	}
	if cb.Amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidCallback)
	}
	if cb.Ref == "" {
		return fmt.Errorf("%w: ref is required", ErrInvalidCallback)
	}

	cash := cb.PaymentMethod == PaymentMethodCash
	if cb.TimestampMs <= 0 {
		if !cash {
			return fmt.Errorf("%w: timestampMs is required", ErrInvalidCallback)
		}
		cb.TimestampMs = g.now().UnixMilli()
	}
	if cb.IdempotencyKey == "" {
		if !cash {
			return fmt.Errorf("%w: idempotencyKey is required", ErrInvalidCallback)
		}
		cb.IdempotencyKey = "cash-" + cb.Ref + "-" + strconv.FormatInt(cb.TimestampMs, 10)
	}
	return nil
}

// Process ingests a validated callback at most once. The existence lookup
// is an optimization; the store's uniqueness constraint is the
// authoritative guard, and a constraint violation from a racing delivery
// is converted into a duplicate result referencing the winning row.
func (g *Guard) Process(ctx context.Context, cb Callback) (*Result, error) {
	if err := g.Validate(&cb); err != nil {
		return nil, err
	}

	if existing, err := g.transactions.FindByIdempotencyKey(ctx, cb.IdempotencyKey); err == nil {
		g.logger.Info("duplicate callback", "idempotency_key", cb.IdempotencyKey,
			"transaction_id", existing.ID)
		return &Result{Status: StatusDuplicate, TransactionID: existing.ID}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("looking up transaction: %w", err)
	}

	tx := &storage.Transaction{
		BankID:         cb.BankID,
		Amount:         cb.Amount,
		Ref:            cb.Ref,
		Content:        cb.Content,
		StaffID:        cb.StaffID,
		TimestampMs:    cb.TimestampMs,
		IdempotencyKey: cb.IdempotencyKey,
		PaymentMethod:  cb.PaymentMethod,
		CreatedAt:      g.now(),
	}
	if err := g.transactions.Insert(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Lost the race against a concurrent delivery.
			existing, findErr := g.transactions.FindByIdempotencyKey(ctx, cb.IdempotencyKey)
			if findErr != nil {
				return nil, fmt.Errorf("resolving duplicate transaction: %w", findErr)
			}
			g.logger.Info("duplicate callback (insert race)",
				"idempotency_key", cb.IdempotencyKey, "transaction_id", existing.ID)
			return &Result{Status: StatusDuplicate, TransactionID: existing.ID}, nil
		}
		return nil, fmt.Errorf("inserting transaction: %w", err)
	}

	g.applySideEffects(ctx, &cb, tx)

	g.logger.Info("callback processed", "bank_id", cb.BankID, "amount", cb.Amount,
		"transaction_id", tx.ID)
	return &Result{Status: StatusProcessed, TransactionID: tx.ID}, nil
}

// applySideEffects links the transaction to a pending prescription when the
// ref or content carries a "medcard <id>" correlation tag, and appends an
// audit entry. Failures here are logged and never unwind the inserted
// transaction.
func (g *Guard) applySideEffects(ctx context.Context, cb *Callback, tx *storage.Transaction) {
	prescriptionID, ok := parseCorrelation(cb.Ref)
	if !ok {
		prescriptionID, ok = parseCorrelation(cb.Content)
	}

	if ok && g.prescriptions != nil {
		if err := g.prescriptions.MarkPaid(ctx, prescriptionID, tx.ID); err != nil {
			g.logger.Warn("prescription attribution failed",
				"prescription_id", prescriptionID, "transaction_id", tx.ID, "error", err)
		} else {
			g.logger.Info("transaction linked to prescription",
				"prescription_id", prescriptionID, "transaction_id", tx.ID)
		}
	}

	if g.audit != nil {
		description := fmt.Sprintf("Bank transaction: %s - Amount: %d - Ref: %s",
			cb.BankID, cb.Amount, cb.Ref)
		if ok {
			description += fmt.Sprintf(" - Prescription: %d", prescriptionID)
		}
		entry := &storage.AuditEntry{
			ID:          uuid.NewString(),
			Action:      "BANK_TRANSACTION",
			StaffID:     cb.StaffID,
			Description: description,
			CreatedAt:   g.now(),
		}
		if err := g.audit.Insert(ctx, entry); err != nil {
			g.logger.Warn("audit entry failed", "transaction_id", tx.ID, "error", err)
		}
	}
}

// parseCorrelation extracts the prescription id from a "medcard <id>" tag.
func parseCorrelation(s string) (int64, bool) {
	if !strings.HasPrefix(s, refTagPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s[len(refTagPrefix):]), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
