package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

// User mirrors an identity provider account. ExternalID is the provider's id and
// the join key for lifecycle events; ID is the local id that content references.
type User struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	ImageURL    string     `json:"image_url,omitempty"`
	LastEventAt time.Time  `json:"last_event_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Tombstoned reports whether a teardown has started for the user.
func (u User) Tombstoned() bool {
	return u.DeletedAt != nil
}

// Post is a blog article owned by exactly one User.
type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Visits    int       `json:"visits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is owned by exactly one User and one Post.
type Comment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PostID    string    `json:"post_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deletion records that an external identity was torn down. It outlives the User
// so that late create events cannot bring the identity back.
type Deletion struct {
	ExternalID string    `json:"external_id"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// SyncInput carries the fields of a remote "created" event.
type SyncInput struct {
	ExternalID string
	Username   string
	Emails     []string
	ImageURL   string
	EventAt    time.Time
}

// Validate ensures the input fields meet the domain constraints.
func (i SyncInput) Validate() error {
	if strings.TrimSpace(i.ExternalID) == "" {
		return errors.New("external_id is required")
	}
	return nil
}

// SyncResult describes the stored user after an upsert.
type SyncResult struct {
	User    User
	Created bool
}

// TeardownResult summarizes a user teardown. Found is false when the user was
// already absent, in which case nothing was deleted.
type TeardownResult struct {
	ExternalID      string `json:"external_id"`
	UserID          string `json:"user_id,omitempty"`
	Found           bool   `json:"found"`
	PostsDeleted    int    `json:"posts_deleted"`
	CommentsDeleted int    `json:"comments_deleted"`
}

// Summary is the account view served to the signed-in user.
type Summary struct {
	User
	PostCount    int `json:"post_count"`
	CommentCount int `json:"comment_count"`
}

// RecoveryFailure names a tombstoned user whose teardown could not be completed.
type RecoveryFailure struct {
	ExternalID string `json:"external_id"`
	Error      string `json:"error"`
}

// RecoveryReport summarizes a sweep over interrupted teardowns.
type RecoveryReport struct {
	Attempted int               `json:"attempted"`
	Completed []TeardownResult  `json:"completed"`
	Failed    []RecoveryFailure `json:"failed"`
}

// Repository encapsulates persistence for users and the content they own.
//
// UpsertUser inserts the user or refreshes the stored profile keyed by ExternalID.
// It must reject, atomically with the write, events for identities that have a
// Deletion or are tombstoned, and events older than the stored LastEventAt, with
// ErrStaleEvent.
type Repository interface {
	UpsertUser(ctx context.Context, user User) (User, bool, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	TombstoneUser(ctx context.Context, externalID string, deletedAt time.Time) (User, error)
	DeleteUser(ctx context.Context, externalID string, deletedAt time.Time) error
	ListTombstonedUsers(ctx context.Context, limit int) ([]User, error)

	CreatePost(ctx context.Context, post Post) error
	CountPostsByUser(ctx context.Context, userID string) (int, error)
	DeletePostsByUser(ctx context.Context, userID string) (int, error)

	CreateComment(ctx context.Context, comment Comment) error
	CountCommentsByUser(ctx context.Context, userID string) (int, error)
	DeleteCommentsByUser(ctx context.Context, userID string) (int, error)
}

// AtomicTeardown is implemented by stores that can remove a user together with
// its posts and comments in a single transaction.
type AtomicTeardown interface {
	TeardownUserAtomically(ctx context.Context, externalID string, deletedAt time.Time) (TeardownResult, error)
}

// ErrNotFound indicates the requested user does not exist.
var ErrNotFound = errors.New("user not found")

// ErrConflict indicates a duplicate identifier collision.
var ErrConflict = errors.New("record already exists")

// ErrInvalidInput indicates the provided data failed validation.
var ErrInvalidInput = errors.New("invalid input")

// ErrStaleEvent indicates the event is older than state already applied for the identity.
var ErrStaleEvent = errors.New("stale lifecycle event")

// ErrCascadeIncomplete indicates the user was tombstoned but its content or record
// could not be fully removed. Re-running the teardown resumes it.
var ErrCascadeIncomplete = errors.New("user teardown incomplete")

// Clock delivers the current time; extracted for deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for new records.
type IDGenerator interface {
	NewID() string
}
