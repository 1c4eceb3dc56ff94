package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medcardhq/cardauthd/storage"
	"github.com/medcardhq/cardauthd/storage/memory"
)

var testSecret = []byte("shared-bank-secret")

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestGuard(t *testing.T, opts ...GuardOption) (*Guard, *memory.TransactionStore) {
	t.Helper()
	txs := memory.NewTransactionStore()
	opts = append([]GuardOption{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	g, err := NewGuard(testSecret, txs, opts...)
	require.NoError(t, err)
	return g, txs
}

func TestVerifySignature(t *testing.T) {
	g, _ := newTestGuard(t)
	body := []byte(`{"bankId":"TX-1","amount":5000}`)

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, g.VerifySignature(body, sign(testSecret, body)))
	})

	t.Run("missing header", func(t *testing.T) {
		err := g.VerifySignature(body, "")
		require.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		err := g.VerifySignature(body, sign([]byte("other-secret"), body))
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := sign(testSecret, body)
		tampered := append([]byte(nil), body...)
		tampered[len(tampered)-2] = '1'
		err := g.VerifySignature(tampered, header)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("truncated header", func(t *testing.T) {
		header := sign(testSecret, body)
		err := g.VerifySignature(body, header[:len(header)-4])
		require.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	cb := Callback{
		BankID:         "VCB-20260830-001",
		Amount:         150000,
		Ref:            "invoice 4711",
		TimestampMs:    1756512000000,
		IdempotencyKey: "bank-evt-0001",
	}

	t.Run("processed once", func(t *testing.T) {
		g, txs := newTestGuard(t)

		res, err := g.Process(ctx, cb)
		require.NoError(t, err)
		require.Equal(t, StatusProcessed, res.Status)
		require.NotZero(t, res.TransactionID)
		require.Equal(t, 1, txs.Count())

		stored, err := txs.FindByIdempotencyKey(ctx, cb.IdempotencyKey)
		require.NoError(t, err)
		require.Equal(t, cb.BankID, stored.BankID)
		require.Equal(t, cb.Amount, stored.Amount)
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		g, txs := newTestGuard(t)

		first, err := g.Process(ctx, cb)
		require.NoError(t, err)

		second, err := g.Process(ctx, cb)
		require.NoError(t, err)
		require.Equal(t, StatusDuplicate, second.Status)
		require.Equal(t, first.TransactionID, second.TransactionID)
		require.Equal(t, 1, txs.Count())
	})

	t.Run("insert race resolves to winner", func(t *testing.T) {
		g, txs := newTestGuard(t)

		// Simulate a concurrent delivery landing between the guard's
		// lookup and its insert.
		winner := &storage.Transaction{
			BankID:         cb.BankID,
			Amount:         cb.Amount,
			Ref:            cb.Ref,
			IdempotencyKey: cb.IdempotencyKey,
		}
		require.NoError(t, txs.Insert(ctx, winner))

		res, err := g.Process(ctx, cb)
		require.NoError(t, err)
		require.Equal(t, StatusDuplicate, res.Status)
		require.Equal(t, winner.ID, res.TransactionID)
	})
}

func TestProcessValidation(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(t)

	base := Callback{
		BankID:         "VCB-1",
		Amount:         1000,
		Ref:            "r",
		TimestampMs:    1,
		IdempotencyKey: "k",
	}

	cases := []struct {
		name   string
		mutate func(*Callback)
	}{
		{"missing bankId", func(cb *Callback) { cb.BankID = "" }},
		{"zero amount", func(cb *Callback) { cb.Amount = 0 }},
		{"negative amount", func(cb *Callback) { cb.Amount = -5 }},
		{"missing ref", func(cb *Callback) { cb.Ref = "" }},
		{"missing timestamp", func(cb *Callback) { cb.TimestampMs = 0 }},
		{"missing idempotency key", func(cb *Callback) { cb.IdempotencyKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cb := base
			tc.mutate(&cb)
			_, err := g.Process(ctx, cb)
			require.ErrorIs(t, err, ErrInvalidCallback)
		})
	}
}

func TestProcessCashDefaults(t *testing.T) {
	ctx := context.Background()
	fixed := time.UnixMilli(1756512345678)
	g, txs := newTestGuard(t, WithNow(func() time.Time { return fixed }))

	cb := Callback{
		BankID:        "COUNTER-7",
		Amount:        30000,
		Ref:           "receipt 88",
		StaffID:       "staff-12",
		PaymentMethod: PaymentMethodCash,
	}

	res, err := g.Process(ctx, cb)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, res.Status)

	stored, err := txs.FindByIdempotencyKey(ctx, "cash-receipt 88-1756512345678")
	require.NoError(t, err)
	require.Equal(t, fixed.UnixMilli(), stored.TimestampMs)

	// Same synthesized key on a repeated submission.
	again, err := g.Process(ctx, cb)
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, again.Status)
	require.Equal(t, res.TransactionID, again.TransactionID)
}

func TestProcessPrescriptionCorrelation(t *testing.T) {
	ctx := context.Background()

	t.Run("ref tag marks prescription paid", func(t *testing.T) {
		prescriptions := memory.NewPrescriptionStore()
		prescriptions.Add(42)
		audit := memory.NewAuditLogStore()
		g, _ := newTestGuard(t, WithPrescriptions(prescriptions), WithAuditLog(audit))

		res, err := g.Process(ctx, Callback{
			BankID:         "VCB-2",
			Amount:         90000,
			Ref:            "medcard 42",
			StaffID:        "staff-3",
			TimestampMs:    2,
			IdempotencyKey: "evt-42",
		})
		require.NoError(t, err)
		require.Equal(t, StatusProcessed, res.Status)

		p, ok := prescriptions.Get(42)
		require.True(t, ok)
		require.True(t, p.Paid)
		require.Equal(t, res.TransactionID, p.TransactionID)

		entries := audit.Entries()
		require.Len(t, entries, 1)
		require.Equal(t, "BANK_TRANSACTION", entries[0].Action)
		require.Contains(t, entries[0].Description, "Prescription: 42")
	})

	t.Run("content tag used when ref has none", func(t *testing.T) {
		prescriptions := memory.NewPrescriptionStore()
		prescriptions.Add(7)
		g, _ := newTestGuard(t, WithPrescriptions(prescriptions))

		_, err := g.Process(ctx, Callback{
			BankID:         "VCB-3",
			Amount:         1000,
			Ref:            "transfer",
			Content:        "medcard 7",
			TimestampMs:    3,
			IdempotencyKey: "evt-7",
		})
		require.NoError(t, err)

		p, _ := prescriptions.Get(7)
		require.True(t, p.Paid)
	})

	t.Run("unknown prescription does not fail ingestion", func(t *testing.T) {
		prescriptions := memory.NewPrescriptionStore()
		g, txs := newTestGuard(t, WithPrescriptions(prescriptions))

		res, err := g.Process(ctx, Callback{
			BankID:         "VCB-4",
			Amount:         1000,
			Ref:            "medcard 999",
			TimestampMs:    4,
			IdempotencyKey: "evt-999",
		})
		require.NoError(t, err)
		require.Equal(t, StatusProcessed, res.Status)
		require.Equal(t, 1, txs.Count())
	})
}

func TestParseCorrelation(t *testing.T) {
	cases := []struct {
		in string
		id int64
		ok bool
	}{
		{"medcard 42", 42, true},
		{"medcard  17", 17, true},
		{"medcard 0", 0, false},
		{"medcard -3", 0, false},
		{"medcard", 0, false},
		{"medcard abc", 0, false},
		{"invoice 42", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		id, ok := parseCorrelation(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.id, id, tc.in)
	}
}
