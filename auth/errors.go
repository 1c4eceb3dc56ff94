package auth

import "errors"

var (
	// ErrInvalidCardID indicates the presented card id is empty after
	// normalization and the request is malformed.
	ErrInvalidCardID = errors.New("card id is required")
	// ErrCardNotFound indicates no active card record matches the
	// presented card id.
	ErrCardNotFound = errors.New("card not found")
	// ErrSessionNotFound indicates the temporary handshake session is
	// missing, expired, or already consumed.
	ErrSessionNotFound = errors.New("invalid or expired session")
	// ErrSignatureInvalid indicates the card's signature over the server
	// challenge did not verify.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrRateLimited indicates the card id is temporarily locked out
	// after repeated failed Start attempts.
	ErrRateLimited = errors.New("too many failed attempts")
)
