package api

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medcardhq/cardauthd/auth"
	"github.com/medcardhq/cardauthd/keycrypto"
	"github.com/medcardhq/cardauthd/storage"
	"github.com/medcardhq/cardauthd/storage/memory"
	"github.com/medcardhq/cardauthd/webhook"
)

const testCardID = "04A1B2C3D4E5F6"

var bankSecret = []byte("test-bank-secret")

type testServer struct {
	srv     *httptest.Server
	cardKey *rsa.PrivateKey
	static  []byte
	txs     *memory.TransactionStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	masterKey := bytes.Repeat([]byte{0x42}, keycrypto.KeySize)
	static := bytes.Repeat([]byte{0x7e}, keycrypto.KeySize)

	cardKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&cardKey.PublicKey)
	require.NoError(t, err)
	encrypted, iv, err := keycrypto.EncryptStaticKey(static, masterKey)
	require.NoError(t, err)

	cards := memory.NewCardStore()
	require.NoError(t, cards.Insert(t.Context(), &storage.CardIdentity{
		CardID:             testCardID,
		StaffID:            "staff-1",
		PublicKey:          pubDER,
		EncryptedStaticKey: encrypted,
		StaticKeyIV:        iv,
		Status:             storage.CardActive,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	protocol, err := auth.NewProtocol(cards, memory.NewCardSessionStore(),
		auth.NewMemorySessionStore(), masterKey, auth.WithLogger(logger))
	require.NoError(t, err)

	txs := memory.NewTransactionStore()
	guard, err := webhook.NewGuard(bankSecret, txs, webhook.WithLogger(logger))
	require.NoError(t, err)

	a := New(protocol, guard, WithLogger(logger))
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, cardKey: cardKey, static: static, txs: txs}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func signChallenge(t *testing.T, key *rsa.PrivateKey, challenge []byte) []byte {
	t.Helper()
	digest := sha1.Sum(challenge)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	require.NoError(t, err)
	return sig
}

func TestHandshakeOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var start StartAuthResponse
	resp := ts.postJSON(t, "/auth/start", StartAuthRequest{CardID: "04 a1 b2 c3 d4 e5 f6"}, &start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, start.SessionID, 32)
	challengeServer, err := hex.DecodeString(start.ChallengeServer)
	require.NoError(t, err)
	require.Len(t, challengeServer, keycrypto.ChallengeSize)

	challengeCard := bytes.Repeat([]byte{0x11}, keycrypto.ChallengeSize)
	sig := signChallenge(t, ts.cardKey, challengeServer)

	var verify VerifyAuthResponse
	resp = ts.postJSON(t, "/auth/verify", VerifyAuthRequest{
		SessionID:     start.SessionID,
		Signature:     hex.EncodeToString(sig),
		ChallengeCard: hex.EncodeToString(challengeCard),
	}, &verify)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, verify.Valid)

	var complete CompleteAuthResponse
	resp = ts.postJSON(t, "/auth/complete", CompleteAuthRequest{
		SessionID:     start.SessionID,
		ChallengeCard: hex.EncodeToString(challengeCard),
	}, &complete)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, complete.SessionID, 64)

	wantCryptogram, err := keycrypto.ComputeCryptogram(ts.static, challengeCard)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(wantCryptogram), complete.Cryptogram)

	wantEnc, wantMac, err := keycrypto.DeriveSessionKeys(ts.static, challengeServer, challengeCard)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(wantEnc), complete.SessionEncKey)
	require.Equal(t, hex.EncodeToString(wantMac), complete.SessionMacKey)

	// The temporary session was consumed; Complete cannot run twice.
	resp = ts.postJSON(t, "/auth/complete", CompleteAuthRequest{
		SessionID:     start.SessionID,
		ChallengeCard: hex.EncodeToString(challengeCard),
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	ts := newTestServer(t)

	var start StartAuthResponse
	ts.postJSON(t, "/auth/start", StartAuthRequest{CardID: testCardID}, &start)

	// Signature over a different challenge than the one issued.
	other := bytes.Repeat([]byte{0xab}, keycrypto.ChallengeSize)
	sig := signChallenge(t, ts.cardKey, other)

	var verify VerifyAuthResponse
	resp := ts.postJSON(t, "/auth/verify", VerifyAuthRequest{
		SessionID:     start.SessionID,
		Signature:     hex.EncodeToString(sig),
		ChallengeCard: hex.EncodeToString(other),
	}, &verify)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.False(t, verify.Valid)
}

func TestStartBlankCard(t *testing.T) {
	ts := newTestServer(t)

	var start StartAuthResponse
	resp := ts.postJSON(t, "/auth/start", StartAuthRequest{CardID: "000000000000"}, &start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, start.SessionID)
	require.Empty(t, start.ChallengeServer)
}

func TestStartWhitespaceCardID(t *testing.T) {
	ts := newTestServer(t)

	// Whitespace normalizes to the empty card id: malformed request, not
	// an unknown card.
	resp := ts.postJSON(t, "/auth/start", StartAuthRequest{CardID: "   "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartUnknownCard(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/auth/start", StartAuthRequest{CardID: "DEADBEEF"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/auth/start", "application/json",
		bytes.NewReader([]byte(`{"cardId":"04","extra":true}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (ts *testServer) postCallback(t *testing.T, body []byte, signature string) (*http.Response, BankCallbackResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/transactions", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out BankCallbackResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestBankCallbackOverHTTP(t *testing.T) {
	body := []byte(`{"bankId":"VCB-1","amount":150000,"ref":"invoice 9","timestampMs":1756512000000,"idempotencyKey":"evt-9"}`)

	t.Run("signed and processed", func(t *testing.T) {
		ts := newTestServer(t)

		resp, out := ts.postCallback(t, body, signBody(bankSecret, body))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "processed", out.Status)
		require.NotZero(t, out.TransactionID)

		// Identical redelivery resolves to the same transaction.
		resp, dup := ts.postCallback(t, body, signBody(bankSecret, body))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "duplicate", dup.Status)
		require.Equal(t, out.TransactionID, dup.TransactionID)
		require.Equal(t, 1, ts.txs.Count())
	})

	t.Run("missing signature", func(t *testing.T) {
		ts := newTestServer(t)

		resp, _ := ts.postCallback(t, body, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("tampered byte", func(t *testing.T) {
		ts := newTestServer(t)

		signature := signBody(bankSecret, body)
		tampered := bytes.Replace(body, []byte("150000"), []byte("950000"), 1)
		resp, _ := ts.postCallback(t, tampered, signature)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, 0, ts.txs.Count())
	})

	t.Run("cash bypasses signature", func(t *testing.T) {
		ts := newTestServer(t)

		cash := []byte(`{"bankId":"COUNTER-1","amount":5000,"ref":"receipt 3","paymentMethod":"cash"}`)
		resp, out := ts.postCallback(t, cash, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "processed", out.Status)
	})
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
