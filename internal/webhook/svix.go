package webhook

import (
	"fmt"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"
)

type svixVerifier struct {
	wh *svix.Webhook
}

func newSvixVerifier(secret string) (Verifier, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("init svix webhook: %w", err)
	}
	return &svixVerifier{wh: wh}, nil
}

// Verify checks the signature and timestamp tolerance before decoding the body.
func (v *svixVerifier) Verify(payload []byte, headers http.Header) (Event, error) {
	if err := v.wh.Verify(payload, headers); err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrVerification, err.Error())
	}
	return decodeEvent(payload, headers)
}
