// Package auth implements the three-phase card authentication handshake:
// Start issues a server challenge, Verify checks the card's signature over
// it, and Complete derives the session keys and persists the established
// secure channel. State between phases lives only in a SessionStore entry
// keyed by a temporary session id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/medcardhq/cardauthd/internal/util"
	"github.com/medcardhq/cardauthd/keycrypto"
	"github.com/medcardhq/cardauthd/storage"
)

// PersistedSessionTTL is the validity window of the durable card session
// written at Complete.
const PersistedSessionTTL = 15 * time.Minute

const (
	// tempSessionIDBytes is the entropy of the temporary handshake id
	// (rendered as 32 hex chars).
	tempSessionIDBytes = 16
	// cardSessionIDBytes is the entropy of the persisted session id
	// (rendered as 64 hex chars).
	cardSessionIDBytes = 32
)

var allZeroRE = regexp.MustCompile(`^0+$`)

// Protocol orchestrates the handshake. All collaborators are injected; the
// master key is sealed in a memguard enclave and opened only for the
// duration of a static-key unwrap.
type Protocol struct {
	cards     storage.CardStore
	persisted storage.CardSessionStore
	sessions  SessionStore
	master    *memguard.Enclave
	limiter   *startRateLimiter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the structured logger. Defaults to a JSON logger on
// stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger
	}
}

// WithNow replaces the protocol's time source, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(p *Protocol) {
		p.now = now
	}
}

// NewProtocol creates a Protocol. masterKey must be exactly 32 bytes; the
// slice is wiped once it has been sealed into the enclave.
func NewProtocol(cards storage.CardStore, persisted storage.CardSessionStore,
	sessions SessionStore, masterKey []byte, opts ...Option) (*Protocol, error) {

	if len(masterKey) != keycrypto.KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", keycrypto.ErrCrypto, keycrypto.KeySize)
	}
	p := &Protocol{
		cards:     cards,
		persisted: persisted,
		sessions:  sessions,
		master:    memguard.NewEnclave(masterKey),
		limiter:   newStartRateLimiter(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p.logger = p.logger.With("component", "auth")
	return p, nil
}

// NormalizeCardID strips whitespace separators and upper-cases a card id.
// External systems render card ids with spaces between byte groups.
func NormalizeCardID(cardID string) string {
	return strings.ToUpper(strings.Join(strings.Fields(cardID), ""))
}

// StartResult is the outcome of the Start phase.
type StartResult struct {
	// SessionID is the temporary id threading the handshake phases.
	SessionID string
	// ChallengeServer is the 32-byte challenge the card must sign.
	ChallengeServer []byte
	// Bypassed is set for blank (all-zero) cards, which short-circuit
	// the handshake with an empty payload.
	Bypassed bool
}

// Start begins a handshake for the given card id. It looks up the active
// card record, unwraps its static key under the master key, generates the
// server challenge, and stores the resulting session under a fresh
// temporary id.
//
// A card id consisting only of zero digits identifies an unprovisioned
// blank card; Start returns a bypass success without consulting the card
// store.
func (p *Protocol) Start(ctx context.Context, cardID string) (*StartResult, error) {
	norm := NormalizeCardID(cardID)
	if norm == "" {
		return nil, ErrInvalidCardID
	}
	if allZeroRE.MatchString(norm) {
		p.logger.Info("blank card, bypassing handshake")
		return &StartResult{Bypassed: true}, nil
	}

	if blocked, retryAfter := p.limiter.check(norm); blocked {
		return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, retryAfter.Round(time.Second))
	}

	card, err := p.cards.FindActive(ctx, norm)
	if err != nil {
		if isNotFound(err) {
			p.limiter.recordFailure(norm)
			return nil, fmt.Errorf("card %s: %w", norm, ErrCardNotFound)
		}
		return nil, fmt.Errorf("looking up card: %w", err)
	}
	p.limiter.reset(norm)

	staticKey, err := p.unwrapStaticKey(card)
	if err != nil {
		return nil, err
	}

	challenge, err := keycrypto.GenerateChallenge()
	if err != nil {
		util.WipeBytes(staticKey)
		return nil, err
	}

	id, err := util.RandomHex(tempSessionIDBytes)
	if err != nil {
		util.WipeBytes(staticKey)
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	err = p.sessions.Put(id, Session{
		CardID:          card.CardID,
		StaticKey:       staticKey,
		PublicKey:       card.PublicKey,
		ChallengeServer: challenge,
		CreatedAt:       p.now(),
	})
	if err != nil {
		util.WipeBytes(staticKey)
		return nil, fmt.Errorf("storing handshake session: %w", err)
	}

	p.logger.Info("handshake started", "card_id", card.CardID)
	return &StartResult{SessionID: id, ChallengeServer: challenge}, nil
}

// Verify checks the card's signature over the server challenge for the
// given handshake. It does not mutate the session and returns no key
// material; its sole output is the validity signal.
//
// challengeCard is accepted for wire compatibility with the card client but
// is authoritative only at Complete.
func (p *Protocol) Verify(ctx context.Context, sessionID string, signature, challengeCard []byte) (bool, error) {
	_ = ctx
	_ = challengeCard

	session, ok := p.sessions.Get(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	// Verify has no use for the static key copy.
	util.WipeBytes(session.StaticKey)

	valid, err := keycrypto.VerifySignature(session.PublicKey, session.ChallengeServer, signature)
	if err != nil {
		return false, fmt.Errorf("verifying card signature: %w", err)
	}
	if !valid {
		p.logger.Warn("card signature rejected", "card_id", session.CardID)
		return false, ErrSignatureInvalid
	}
	return true, nil
}

// CompleteResult is the outcome of a finished handshake.
type CompleteResult struct {
	// Cryptogram is HMAC-SHA256(staticKey, challengeCard), proving to
	// the card that the server holds the static key.
	Cryptogram []byte
	// SessionID is the persisted 64-hex-char secure channel id.
	SessionID string
	// EncKey and MacKey are the derived session keys for the card
	// channel.
	EncKey []byte
	MacKey []byte
}

// Complete finishes the handshake: it computes the server cryptogram,
// derives the session keys, persists the established card session with a
// 15-minute expiry, records the card's last authentication time, and
// consumes the temporary session. A second Complete for the same temporary
// id therefore fails with ErrSessionNotFound.
func (p *Protocol) Complete(ctx context.Context, sessionID string, challengeCard []byte) (*CompleteResult, error) {
	session, ok := p.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	// Get hands back our own copy of the static key; discard it once the
	// cryptogram and session keys are derived.
	defer util.WipeBytes(session.StaticKey)

	cryptogram, err := keycrypto.ComputeCryptogram(session.StaticKey, challengeCard)
	if err != nil {
		return nil, err
	}
	encKey, macKey, err := keycrypto.DeriveSessionKeys(session.StaticKey, session.ChallengeServer, challengeCard)
	if err != nil {
		return nil, err
	}

	cardSessionID, err := util.RandomHex(cardSessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generating card session id: %w", err)
	}

	now := p.now()
	err = p.persisted.Insert(ctx, &storage.CardSession{
		CardID:          session.CardID,
		SessionID:       cardSessionID,
		ChallengeServer: session.ChallengeServer,
		ChallengeCard:   challengeCard,
		ExpiresAt:       now.Add(PersistedSessionTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("persisting card session: %w", err)
	}

	if err := p.cards.UpdateLastAuth(ctx, session.CardID, now); err != nil {
		return nil, fmt.Errorf("updating last auth: %w", err)
	}

	p.sessions.Delete(sessionID)

	p.logger.Info("handshake completed", "card_id", session.CardID)
	return &CompleteResult{
		Cryptogram: cryptogram,
		SessionID:  cardSessionID,
		EncKey:     encKey,
		MacKey:     macKey,
	}, nil
}

// unwrapStaticKey opens the master-key enclave just long enough to decrypt
// the card's static key.
func (p *Protocol) unwrapStaticKey(card *storage.CardIdentity) ([]byte, error) {
	buf, err := p.master.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening master key enclave: %v", keycrypto.ErrCrypto, err)
	}
	defer buf.Destroy()

	staticKey, err := keycrypto.DecryptStaticKey(card.EncryptedStaticKey, card.StaticKeyIV, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unwrapping static key: %w", err)
	}
	return staticKey, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
