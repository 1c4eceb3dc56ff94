// Package keycrypto implements the stateless cryptographic primitives of the
// card authentication protocol: static-key wrap/unwrap, challenge generation,
// card signature verification, cryptogram computation and session key
// derivation.
//
// Algorithm choices (AES-256-CBC/PKCS#5 for key wrapping, SHA1withRSA for
// signatures, HMAC-SHA256 for cryptograms and the KDF) are fixed by the card
// firmware contract and are not negotiable here.
package keycrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/medcardhq/cardauthd/internal/util"
)

const (
	// KeySize is the length of static keys, master keys and derived session
	// keys (AES-256 / HMAC-SHA256 output).
	KeySize = 32
	// IVSize is the AES-CBC initialization vector length.
	IVSize = 16
	// ChallengeSize is the length of both server and card challenges.
	ChallengeSize = 32

	// maxHKDFLength caps HKDF output per RFC 5869 (255 blocks of SHA-256).
	maxHKDFLength = 255 * 32
)

var (
	// ErrInvalidInput indicates a caller-supplied operand of the wrong size
	// or shape.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCrypto indicates a cryptographic operation failed (bad padding,
	// unparsable key, malformed ciphertext). The wrapped detail never
	// includes key material.
	ErrCrypto = errors.New("crypto failure")
)

var (
	infoEnc = []byte{'E', 'N', 'C', 0x01}
	infoMac = []byte{'M', 'A', 'C', 0x01}
)

// DecryptStaticKey unwraps a card's static key using AES-256-CBC with PKCS#5
// padding under the process master key.
func DecryptStaticKey(encrypted, iv, masterKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrCrypto, KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrCrypto, IVSize)
	}
	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of the block size", ErrCrypto, len(encrypted))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrCrypto, err)
	}

	plain := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, encrypted)

	unpadded, err := stripPKCS5(plain)
	util.WipeBytes(plain)
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

// EncryptStaticKey wraps a static key under the master key, returning the
// ciphertext and the random IV used. Inverse of DecryptStaticKey; used by
// the card provisioning flow.
func EncryptStaticKey(staticKey, masterKey []byte) (encrypted, iv []byte, err error) {
	if len(masterKey) != KeySize {
		return nil, nil, fmt.Errorf("%w: master key must be %d bytes", ErrCrypto, KeySize)
	}
	if len(staticKey) == 0 {
		return nil, nil, fmt.Errorf("%w: static key must not be empty", ErrInvalidInput)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating cipher: %v", ErrCrypto, err)
	}

	iv, err = util.RandomBytes(IVSize)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	padded := padPKCS5(staticKey)
	encrypted = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)
	util.WipeBytes(padded)
	return encrypted, iv, nil
}

// GenerateChallenge returns a fresh 32-byte random challenge.
func GenerateChallenge() ([]byte, error) {
	c, err := util.RandomBytes(ChallengeSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return c, nil
}

// VerifySignature checks an RSA PKCS#1 v1.5 signature over SHA-1(message)
// against a DER-encoded (PKIX) public key. A signature that simply does not
// verify yields (false, nil); an unparsable key is the exceptional case and
// yields ErrCrypto.
func VerifySignature(publicKeyDER, message, signature []byte) (bool, error) {
	parsed, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return false, fmt.Errorf("%w: parsing public key: %v", ErrCrypto, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("%w: public key is not RSA", ErrCrypto)
	}

	digest := sha1.Sum(message)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}

// ComputeCryptogram computes HMAC-SHA256(staticKey, challengeCard). Both
// operands are fixed at 32 bytes by the protocol.
func ComputeCryptogram(staticKey, challengeCard []byte) ([]byte, error) {
	if len(staticKey) != KeySize {
		return nil, fmt.Errorf("%w: static key must be %d bytes", ErrInvalidInput, KeySize)
	}
	if len(challengeCard) != ChallengeSize {
		return nil, fmt.Errorf("%w: challenge must be %d bytes", ErrInvalidInput, ChallengeSize)
	}
	return hmacSHA256(staticKey, challengeCard), nil
}

// DeriveSessionKeys derives the session encryption and MAC keys from the
// static key and the concatenated challenges:
//
//	salt = challengeServer || challengeCard
//	prk  = HMAC-SHA256(salt, staticKey)
//	enc  = HMAC-SHA256(prk, "ENC\x01")
//	mac  = HMAC-SHA256(prk, "MAC\x01")
//
// The derivation is deterministic: identical inputs always yield identical
// keys.
func DeriveSessionKeys(staticKey, challengeServer, challengeCard []byte) (encKey, macKey []byte, err error) {
	if len(staticKey) != KeySize {
		return nil, nil, fmt.Errorf("%w: static key must be %d bytes", ErrInvalidInput, KeySize)
	}
	if len(challengeServer) == 0 || len(challengeCard) == 0 {
		return nil, nil, fmt.Errorf("%w: challenges must not be empty", ErrInvalidInput)
	}

	salt := make([]byte, 0, len(challengeServer)+len(challengeCard))
	salt = append(salt, challengeServer...)
	salt = append(salt, challengeCard...)

	prk := hmacSHA256(salt, staticKey)
	encKey = hmacSHA256(prk, infoEnc)
	macKey = hmacSHA256(prk, infoMac)
	util.WipeBytes(prk)
	return encKey, macKey, nil
}

// HKDF is the general-purpose HKDF-SHA256 derivation primitive (extract then
// expand, RFC 5869) for future key-length needs. Output length is capped at
// 255×32 bytes.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	if len(ikm) == 0 || length <= 0 {
		return nil, fmt.Errorf("%w: ikm must not be empty and length must be positive", ErrInvalidInput)
	}
	if length > maxHKDFLength {
		return nil, fmt.Errorf("%w: length %d exceeds maximum %d", ErrInvalidInput, length, maxHKDFLength)
	}
	if len(salt) == 0 {
		salt = make([]byte, sha256.Size)
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("%w: reading from HKDF: %v", ErrCrypto, err)
	}
	return out, nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func padPKCS5(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func stripPKCS5(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrCrypto)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrCrypto)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCrypto)
		}
	}
	return util.CopyBytes(b[:len(b)-n]), nil
}
