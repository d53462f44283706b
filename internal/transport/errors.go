package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrKeySetUnavailable is returned in production mode when an
	// encryption-required path has no key set to encrypt against.
	ErrKeySetUnavailable = errors.New("key set unavailable for message-level encryption")

	// ErrJWEKidUnknown is returned when a response envelope references a
	// key id that is still absent after one forced key-set refresh.
	ErrJWEKidUnknown = errors.New("unknown key id in encrypted response")

	// ErrJWEDecrypt is returned for any other envelope decryption failure.
	// Messages never include key material or payload bytes.
	ErrJWEDecrypt = errors.New("failed to decrypt response envelope")
)

// HTTPError carries a non-2xx response back to the caller unretried; the
// idempotency key makes caller-driven retries safe.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}
