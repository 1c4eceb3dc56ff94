package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medcardhq/cardauthd/internal/util"
	"github.com/medcardhq/cardauthd/keycrypto"
	"github.com/medcardhq/cardauthd/storage"
	"github.com/medcardhq/cardauthd/storage/memory"
)

// testRig provisions one active card and wires a Protocol around in-memory
// stores. It hands back the card's private key so tests can play the card
// side of the handshake.
type testRig struct {
	protocol  *Protocol
	cards     *memory.CardStore
	sessions  *memory.CardSessionStore
	handshake *MemorySessionStore
	cardID    string
	priv      *rsa.PrivateKey
	staticKey []byte
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	master := makeMasterKey()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	staticKey, err := util.RandomBytes(keycrypto.KeySize)
	require.NoError(t, err)
	encrypted, iv, err := keycrypto.EncryptStaticKey(staticKey, master)
	require.NoError(t, err)

	cards := memory.NewCardStore()
	cardID := "04A1B2C3D4E5F6"
	require.NoError(t, cards.Insert(context.Background(), &storage.CardIdentity{
		CardID:             cardID,
		StaffID:            "staff-1",
		PublicKey:          pubDER,
		EncryptedStaticKey: encrypted,
		StaticKeyIV:        iv,
		Status:             storage.CardActive,
		CreatedAt:          time.Now(),
	}))

	sessions := memory.NewCardSessionStore()
	handshake := NewMemorySessionStore()

	protocol, err := NewProtocol(cards, sessions, handshake, util.CopyBytes(master),
		WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	return &testRig{
		protocol:  protocol,
		cards:     cards,
		sessions:  sessions,
		handshake: handshake,
		cardID:    cardID,
		priv:      priv,
		staticKey: staticKey,
	}
}

func (r *testRig) sign(t *testing.T, challenge []byte) []byte {
	t.Helper()
	digest := sha1.Sum(challenge)
	sig, err := rsa.SignPKCS1v15(rand.Reader, r.priv, crypto.SHA1, digest[:])
	require.NoError(t, err)
	return sig
}

func TestHandshakeHappyPath(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	start, err := rig.protocol.Start(ctx, rig.cardID)
	require.NoError(t, err)
	require.False(t, start.Bypassed)
	require.Len(t, start.SessionID, 2*tempSessionIDBytes)
	require.Len(t, start.ChallengeServer, keycrypto.ChallengeSize)

	challengeCard, err := keycrypto.GenerateChallenge()
	require.NoError(t, err)

	valid, err := rig.protocol.Verify(ctx, start.SessionID, rig.sign(t, start.ChallengeServer), challengeCard)
	require.NoError(t, err)
	require.True(t, valid)

	result, err := rig.protocol.Complete(ctx, start.SessionID, challengeCard)
	require.NoError(t, err)
	require.Len(t, result.SessionID, 2*cardSessionIDBytes)

	// Cryptogram and keys must match an independent derivation from the
	// provisioned static key.
	wantCryptogram, err := keycrypto.ComputeCryptogram(rig.staticKey, challengeCard)
	require.NoError(t, err)
	require.Equal(t, wantCryptogram, result.Cryptogram)

	wantEnc, wantMac, err := keycrypto.DeriveSessionKeys(rig.staticKey, start.ChallengeServer, challengeCard)
	require.NoError(t, err)
	require.Equal(t, wantEnc, result.EncKey)
	require.Equal(t, wantMac, result.MacKey)

	// The durable session was written with the 15-minute window.
	persisted, ok := rig.sessions.Get(result.SessionID)
	require.True(t, ok)
	require.Equal(t, rig.cardID, persisted.CardID)
	require.WithinDuration(t, time.Now().Add(PersistedSessionTTL), persisted.ExpiresAt, 5*time.Second)

	// lastAuthAt was recorded.
	card, err := rig.cards.FindActive(ctx, rig.cardID)
	require.NoError(t, err)
	require.False(t, card.LastAuthAt.IsZero())
}

func TestStartBlankCardBypass(t *testing.T) {
	rig := newTestRig(t)

	// A store that fails the test on any call: bypass must not touch it.
	store := &tripwireCardStore{t: t}
	protocol, err := NewProtocol(store, rig.sessions, rig.handshake,
		make([]byte, keycrypto.KeySize), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	for _, cardID := range []string{"000000000000", "00 00 00 00", "0"} {
		result, err := protocol.Start(context.Background(), cardID)
		require.NoError(t, err, "cardID %q", cardID)
		require.True(t, result.Bypassed)
		require.Empty(t, result.SessionID)
		require.Empty(t, result.ChallengeServer)
	}
}

type tripwireCardStore struct{ t *testing.T }

func (p *tripwireCardStore) FindActive(context.Context, string) (*storage.CardIdentity, error) {
	p.t.Fatal("card store consulted for a blank card")
	return nil, nil
}

func (p *tripwireCardStore) Insert(context.Context, *storage.CardIdentity) error {
	p.t.Fatal("unexpected Insert")
	return nil
}

func (p *tripwireCardStore) Revoke(context.Context, string) error {
	p.t.Fatal("unexpected Revoke")
	return nil
}

func (p *tripwireCardStore) UpdateLastAuth(context.Context, string, time.Time) error {
	p.t.Fatal("unexpected UpdateLastAuth")
	return nil
}

func TestStartNormalizesCardID(t *testing.T) {
	rig := newTestRig(t)

	// Same card rendered with separators and lower case.
	start, err := rig.protocol.Start(context.Background(), "04 a1 b2 c3 d4 e5 f6")
	require.NoError(t, err)
	require.False(t, start.Bypassed)
}

func TestStartEmptyCardID(t *testing.T) {
	rig := newTestRig(t)

	for _, cardID := range []string{"", "   ", " \t "} {
		_, err := rig.protocol.Start(context.Background(), cardID)
		require.ErrorIs(t, err, ErrInvalidCardID, "cardID %q", cardID)
		require.NotErrorIs(t, err, ErrCardNotFound, "cardID %q", cardID)
	}
}

func TestStartUnknownCard(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.protocol.Start(context.Background(), "04FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrCardNotFound)
}

func TestVerifyRejectsCrossChallengeReplay(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	first, err := rig.protocol.Start(ctx, rig.cardID)
	require.NoError(t, err)
	staleSig := rig.sign(t, first.ChallengeServer)

	second, err := rig.protocol.Start(ctx, rig.cardID)
	require.NoError(t, err)

	// Signature over the first challenge must not verify for the second.
	valid, err := rig.protocol.Verify(ctx, second.SessionID, staleSig, nil)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.False(t, valid)
}

func TestVerifyExpiredSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	now := time.Now()
	store := NewMemorySessionStore(WithClock(func() time.Time { return now.Add(SessionTTL + time.Minute) }))
	store.Put("stale", Session{CardID: rig.cardID, CreatedAt: now})

	protocol, err := NewProtocol(rig.cards, rig.sessions, store,
		make([]byte, keycrypto.KeySize), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	_, err = protocol.Verify(ctx, "stale", []byte{1}, nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteConsumesSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	start, err := rig.protocol.Start(ctx, rig.cardID)
	require.NoError(t, err)
	challengeCard, err := keycrypto.GenerateChallenge()
	require.NoError(t, err)

	_, err = rig.protocol.Complete(ctx, start.SessionID, challengeCard)
	require.NoError(t, err)

	// The first Complete removed the session; a replay must fail.
	_, err = rig.protocol.Complete(ctx, start.SessionID, challengeCard)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteRejectsBadChallengeLength(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	start, err := rig.protocol.Start(ctx, rig.cardID)
	require.NoError(t, err)

	_, err = rig.protocol.Complete(ctx, start.SessionID, []byte("short"))
	require.ErrorIs(t, err, keycrypto.ErrInvalidInput)

	// The failure must not have consumed the session.
	challengeCard, err := keycrypto.GenerateChallenge()
	require.NoError(t, err)
	_, err = rig.protocol.Complete(ctx, start.SessionID, challengeCard)
	require.NoError(t, err)
}

// failingSessionStore rejects every Put, standing in for a redis outage.
type failingSessionStore struct{ err error }

func (f *failingSessionStore) Get(string) (Session, bool) { return Session{}, false }
func (f *failingSessionStore) Put(string, Session) error  { return f.err }
func (f *failingSessionStore) Delete(string)              {}

func TestStartFailsWhenSessionStoreDown(t *testing.T) {
	rig := newTestRig(t)

	storeErr := errors.New("connection refused")
	protocol, err := NewProtocol(rig.cards, rig.sessions, &failingSessionStore{err: storeErr},
		makeMasterKey(), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	// The client must learn at Start that no session exists, not at
	// Verify as an invalid-session rejection.
	_, err = protocol.Start(context.Background(), rig.cardID)
	require.ErrorIs(t, err, storeErr)
}

func makeMasterKey() []byte {
	master := make([]byte, keycrypto.KeySize)
	for i := range master {
		master[i] = 0x42
	}
	return master
}

func TestStartRateLimiting(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < maxFailures; i++ {
		_, err := rig.protocol.Start(ctx, "04DOESNOTEXIST")
		require.ErrorIs(t, err, ErrCardNotFound)
	}
	_, err := rig.protocol.Start(ctx, "04DOESNOTEXIST")
	require.ErrorIs(t, err, ErrRateLimited)

	// Other cards are unaffected.
	_, err = rig.protocol.Start(ctx, rig.cardID)
	require.NoError(t, err)
}
