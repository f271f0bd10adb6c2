package activitypub

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransientNetwork covers timeouts, connection errors and 5xx answers.
	// Nothing retries it within the same call.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrPermanentPeer covers 403/404/410 answers and malformed documents.
	ErrPermanentPeer = errors.New("permanent peer failure")
	// ErrAuthentication is a missing, expired or invalid request signature.
	ErrAuthentication = errors.New("authentication failure")
	// ErrLocalStateConflict is local relationship state that contradicts an
	// inbound activity. It is healed by replacing the record.
	ErrLocalStateConflict = errors.New("local state conflict")
	// ErrUnsupportedPayload is an activity or object type this node ignores.
	ErrUnsupportedPayload = errors.New("unsupported payload")
	// ErrNoPrivateKey means the acting local user has no signing key.
	ErrNoPrivateKey = errors.New("no private key for local user")
)

// PeerError is a non-2xx answer from a remote server.
type PeerError struct {
	URL    string
	Status int
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("remote server returned status %d for %s", e.Status, e.URL)
}

// Unwrap maps the status onto the error taxonomy.
func (e *PeerError) Unwrap() error {
	if isTransientStatus(e.Status) {
		return ErrTransientNetwork
	}
	return ErrPermanentPeer
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}
