package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event types handled by the dispatcher. Anything else is acknowledged and ignored.
const (
	EventUserCreated = "user.created"
	EventUserDeleted = "user.deleted"
)

// Event is a verified identity provider notification.
type Event struct {
	Type      string    `json:"type" validate:"required"`
	Timestamp int64     `json:"timestamp"`
	Data      EventData `json:"data"`

	// MessageID and OccurredAt are filled from the delivery, not the body.
	MessageID  string    `json:"-"`
	OccurredAt time.Time `json:"-"`
}

// EventData carries the user fields of a lifecycle event.
type EventData struct {
	ID              string         `json:"id"`
	Username        *string        `json:"username"`
	EmailAddresses  []EmailAddress `json:"email_addresses"`
	ProfileImgURL   string         `json:"profile_img_url"`
	ProfileImageURL string         `json:"profile_image_url"`
	ImageURL        string         `json:"image_url"`
}

// EmailAddress is one entry of the provider's email address list.
type EmailAddress struct {
	EmailAddress string `json:"email_address"`
}

// Emails returns the addresses in provider order.
func (d EventData) Emails() []string {
	out := make([]string, 0, len(d.EmailAddresses))
	for _, e := range d.EmailAddresses {
		out = append(out, e.EmailAddress)
	}
	return out
}

// UsernameOrEmpty dereferences the optional username.
func (d EventData) UsernameOrEmpty() string {
	if d.Username == nil {
		return ""
	}
	return *d.Username
}

// Image picks the first profile image field that is set.
func (d EventData) Image() string {
	for _, candidate := range []string{d.ProfileImgURL, d.ProfileImageURL, d.ImageURL} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return ""
}

// IsUserEvent reports whether the event type targets a user record.
func (e Event) IsUserEvent() bool {
	return e.Type == EventUserCreated || e.Type == EventUserDeleted
}

// ErrInvalidEvent indicates a payload that passed signature checks but is not a usable event.
var ErrInvalidEvent = errors.New("invalid webhook event")

var validate = validator.New()

// decodeEvent parses a raw payload and stamps delivery metadata from the headers.
func decodeEvent(payload []byte, headers http.Header) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrInvalidEvent, err.Error())
	}
	if err := validate.Struct(evt); err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrInvalidEvent, err.Error())
	}
	if evt.IsUserEvent() && strings.TrimSpace(evt.Data.ID) == "" {
		return Event{}, fmt.Errorf("%w: data.id is required for %s", ErrInvalidEvent, evt.Type)
	}

	evt.MessageID = headers.Get(headerID)
	evt.OccurredAt = occurredAt(evt.Timestamp, headers.Get(headerTimestamp))
	return evt, nil
}

// occurredAt prefers the body timestamp (milliseconds) over the delivery timestamp (seconds).
// A zero result means the receiver's clock decides.
func occurredAt(bodyMillis int64, deliverySeconds string) time.Time {
	if bodyMillis > 0 {
		return time.UnixMilli(bodyMillis).UTC()
	}
	if secs, err := strconv.ParseInt(strings.TrimSpace(deliverySeconds), 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
