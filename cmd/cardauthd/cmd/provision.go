package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medcardhq/cardauthd/auth"
	"github.com/medcardhq/cardauthd/config"
	"github.com/medcardhq/cardauthd/internal/util"
	"github.com/medcardhq/cardauthd/keycrypto"
	"github.com/medcardhq/cardauthd/storage"
)

var (
	provisionCardID  string
	provisionStaffID string
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Generate key material for a card and register it",
	Long: `Generates an RSA-2048 keypair and a 32-byte static key for a card,
wraps the static key under the master key, inserts an active card record,
and prints the personalization payload for the card writer. The private
key and plaintext static key are printed once and never stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		masterKey, err := cfg.MasterKey()
		if err != nil {
			return err
		}
		defer util.WipeBytes(masterKey)

		cardID := auth.NormalizeCardID(provisionCardID)
		if cardID == "" {
			return fmt.Errorf("--card-id is required")
		}
		if _, err := hex.DecodeString(cardID); err != nil {
			return fmt.Errorf("card id must be hex: %w", err)
		}

		store, cleanup, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("generating card keypair: %w", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return fmt.Errorf("encoding public key: %w", err)
		}

		staticKey, err := util.RandomBytes(keycrypto.KeySize)
		if err != nil {
			return err
		}
		defer util.WipeBytes(staticKey)

		encrypted, iv, err := keycrypto.EncryptStaticKey(staticKey, masterKey)
		if err != nil {
			return err
		}

		err = store.Insert(cmd.Context(), &storage.CardIdentity{
			CardID:             cardID,
			StaffID:            provisionStaffID,
			PublicKey:          pubDER,
			EncryptedStaticKey: encrypted,
			StaticKeyIV:        iv,
			Status:             storage.CardActive,
			CreatedAt:          time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("inserting card record: %w", err)
		}

		keyDER, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return fmt.Errorf("encoding private key: %w", err)
		}
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

		fmt.Printf("Card provisioned.\n\n")
		fmt.Printf("card_id:     %s\n", cardID)
		fmt.Printf("staff_id:    %s\n", provisionStaffID)
		fmt.Printf("static_key:  %s\n", hex.EncodeToString(staticKey))
		fmt.Printf("private_key:\n%s", keyPEM)
		fmt.Printf("\nWrite static_key and private_key to the card now; they will not be shown again.\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().StringVar(&provisionCardID, "card-id", "", "Card id (hex, separators allowed)")
	provisionCmd.Flags().StringVar(&provisionStaffID, "staff-id", "", "Staff member the card belongs to")
	provisionCmd.MarkFlagRequired("card-id")
}
