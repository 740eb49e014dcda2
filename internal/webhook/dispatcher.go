package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account"
)

// Outcome names what a delivery did to local state.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
	OutcomeAbsent  Outcome = "absent"
	OutcomeStale   Outcome = "stale"
	OutcomeIgnored Outcome = "ignored"
)

// Result is returned to the provider in the acknowledgement body.
type Result struct {
	Type            string  `json:"type"`
	Outcome         Outcome `json:"outcome"`
	UserID          string  `json:"user_id,omitempty"`
	PostsDeleted    int     `json:"posts_deleted,omitempty"`
	CommentsDeleted int     `json:"comments_deleted,omitempty"`
}

// AccountService is the subset of account.Service the dispatcher drives.
type AccountService interface {
	SyncUser(ctx context.Context, input account.SyncInput) (account.SyncResult, error)
	TeardownUser(ctx context.Context, externalID string, at time.Time) (account.TeardownResult, error)
}

// Dispatcher routes verified events to the account lifecycle operations.
type Dispatcher struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher to its account service.
func NewDispatcher(accounts AccountService, logger *slog.Logger) (*Dispatcher, error) {
	if accounts == nil {
		return nil, errors.New("account service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{accounts: accounts, logger: logger}, nil
}

// Dispatch applies evt. Unknown event types succeed without touching storage.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) (Result, error) {
	var (
		res Result
		err error
	)
	switch evt.Type {
	case EventUserCreated:
		res, err = d.syncUser(ctx, evt)
	case EventUserDeleted:
		res, err = d.teardownUser(ctx, evt)
	default:
		res = Result{Type: evt.Type, Outcome: OutcomeIgnored}
	}
	if err != nil {
		return Result{Type: evt.Type}, err
	}

	d.logger.InfoContext(ctx, "webhook event applied",
		slog.String("type", evt.Type),
		slog.String("messageId", evt.MessageID),
		slog.String("externalId", evt.Data.ID),
		slog.String("outcome", string(res.Outcome)),
	)
	return res, nil
}

func (d *Dispatcher) syncUser(ctx context.Context, evt Event) (Result, error) {
	synced, err := d.accounts.SyncUser(ctx, account.SyncInput{
		ExternalID: evt.Data.ID,
		Username:   evt.Data.UsernameOrEmpty(),
		Emails:     evt.Data.Emails(),
		ImageURL:   evt.Data.Image(),
		EventAt:    evt.OccurredAt,
	})
	if errors.Is(err, account.ErrStaleEvent) {
		return Result{Type: evt.Type, Outcome: OutcomeStale}, nil
	}
	if err != nil {
		return Result{}, err
	}

	outcome := OutcomeUpdated
	if synced.Created {
		outcome = OutcomeCreated
	}
	return Result{Type: evt.Type, Outcome: outcome, UserID: synced.User.ID}, nil
}

func (d *Dispatcher) teardownUser(ctx context.Context, evt Event) (Result, error) {
	removed, err := d.accounts.TeardownUser(ctx, evt.Data.ID, evt.OccurredAt)
	if err != nil {
		return Result{}, err
	}
	if !removed.Found {
		return Result{Type: evt.Type, Outcome: OutcomeAbsent}, nil
	}
	return Result{
		Type:            evt.Type,
		Outcome:         OutcomeDeleted,
		UserID:          removed.UserID,
		PostsDeleted:    removed.PostsDeleted,
		CommentsDeleted: removed.CommentsDeleted,
	}, nil
}
