package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Mode selects how incoming deliveries are authenticated.
type Mode string

const (
	// ModeSvix verifies the Svix signature headers Clerk sends with every delivery.
	ModeSvix Mode = "svix"
	// ModeNoop parses deliveries without checking signatures (local development only).
	ModeNoop Mode = "noop"
)

const (
	headerID        = "svix-id"
	headerTimestamp = "svix-timestamp"
	headerSignature = "svix-signature"
)

// Config captures the inputs required to build a Verifier.
type Config struct {
	Mode   Mode
	Secret string
}

// Verifier authenticates a raw delivery and decodes it into an Event.
type Verifier interface {
	Verify(payload []byte, headers http.Header) (Event, error)
}

// ErrVerification indicates the delivery could not be authenticated.
var ErrVerification = errors.New("webhook verification failed")

// ErrSecretRequired indicates svix mode was requested without a signing secret.
var ErrSecretRequired = errors.New("webhook secret needed")

// NewVerifier builds the verifier for cfg.Mode. An empty mode defaults to svix.
func NewVerifier(cfg Config) (Verifier, error) {
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case ModeNoop:
		return noopVerifier{}, nil
	case ModeSvix, "":
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, ErrSecretRequired
		}
		return newSvixVerifier(cfg.Secret)
	default:
		return nil, fmt.Errorf("unsupported webhook verify mode %q", cfg.Mode)
	}
}
