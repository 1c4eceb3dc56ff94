package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CARD_MASTER_KEY", strings.Repeat("42", 32))
	t.Setenv("BANK_HMAC_SECRET", "bank-secret")
	t.Setenv("STORAGE_BACKEND", "bbolt")
	t.Setenv("BBOLT_PATH", "test.db")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.HTTP.Addr)
	require.Equal(t, "bbolt", cfg.Storage.Backend)

	key, err := cfg.MasterKey()
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestLoadRejectsBadMasterKey(t *testing.T) {
	t.Run("not hex", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("CARD_MASTER_KEY", "zz")
		_, err := Load("")
		require.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("CARD_MASTER_KEY", "42424242")
		_, err := Load("")
		require.Error(t, err)
	})
}

func TestLoadValidatesBackend(t *testing.T) {
	setValidEnv(t)
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "POSTGRES_DSN")

	t.Setenv("POSTGRES_DSN", "postgres://localhost/cardauth")
	_, err = Load("")
	require.NoError(t, err)
}

func TestLoadValidatesTLSPair(t *testing.T) {
	setValidEnv(t)
	t.Setenv("HTTP_TLS_CERT_FILE", "server.crt")

	_, err := Load("")
	require.Error(t, err)
}
