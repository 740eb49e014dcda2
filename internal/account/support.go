package account

import (
	"time"

	"github.com/google/uuid"
)

type systemClock struct{}

// NewSystemClock returns a Clock implementation backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

type uuidGenerator struct{}

// NewUUIDGenerator returns an IDGenerator that produces v7 UUIDs where available, falling back to v4.
func NewUUIDGenerator() IDGenerator {
	return uuidGenerator{}
}

func (uuidGenerator) NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// mergeProfile applies the profile fields of an incoming event to the stored user,
// keeping its local identity and creation time.
func mergeProfile(existing, incoming User) User {
	existing.Username = incoming.Username
	existing.Email = incoming.Email
	existing.ImageURL = incoming.ImageURL
	existing.LastEventAt = incoming.LastEventAt
	existing.UpdatedAt = incoming.UpdatedAt
	return existing
}

// checkFresh enforces the upsert ordering rules shared by every repository.
func checkFresh(existing *User, deleted bool, incoming User) error {
	if deleted {
		return ErrStaleEvent
	}
	if existing == nil {
		return nil
	}
	if existing.Tombstoned() || incoming.LastEventAt.Before(existing.LastEventAt) {
		return ErrStaleEvent
	}
	return nil
}
