package auth

import "time"

// SessionTTL bounds the lifetime of an in-flight handshake: a session not
// completed within this window is treated as absent.
const SessionTTL = 5 * time.Minute

// Session holds the server-side state bridging the three handshake phases.
// It exists only between Start and Complete (or TTL expiry) and is never
// persisted; the static key it carries is wiped when the session is
// consumed.
type Session struct {
	CardID          string
	StaticKey       []byte
	PublicKey       []byte
	ChallengeServer []byte
	CreatedAt       time.Time
}

// SessionStore abstracts the ephemeral handshake-session store so that
// state can live in process memory (default) or in redis when the service
// runs with multiple instances.
type SessionStore interface {
	// Get retrieves a session by temporary id. Returns false if the
	// session does not exist or is older than SessionTTL. The returned
	// StaticKey is the caller's copy; the store may wipe its own at any
	// time after expiry or Delete.
	Get(id string) (Session, bool)
	// Put stores a session under the given temporary id. An error means
	// the session was not stored and the handshake cannot proceed.
	Put(id string, session Session) error
	// Delete removes a session by temporary id.
	Delete(id string)
}
