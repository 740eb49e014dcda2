package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account"
)

type fakeAccounts struct {
	syncUserFn     func(context.Context, account.SyncInput) (account.SyncResult, error)
	teardownUserFn func(context.Context, string, time.Time) (account.TeardownResult, error)
}

func (f *fakeAccounts) SyncUser(ctx context.Context, input account.SyncInput) (account.SyncResult, error) {
	if f.syncUserFn != nil {
		return f.syncUserFn(ctx, input)
	}
	return account.SyncResult{}, errors.New("syncUserFn not provided")
}

func (f *fakeAccounts) TeardownUser(ctx context.Context, externalID string, at time.Time) (account.TeardownResult, error) {
	if f.teardownUserFn != nil {
		return f.teardownUserFn(ctx, externalID, at)
	}
	return account.TeardownResult{}, errors.New("teardownUserFn not provided")
}

func newTestDispatcher(t *testing.T, accounts AccountService) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(accounts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}
	return d
}

func TestDispatch_UserCreatedMapsFields(t *testing.T) {
	username := "alice"
	occurred := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var got account.SyncInput
	accounts := &fakeAccounts{
		syncUserFn: func(_ context.Context, input account.SyncInput) (account.SyncResult, error) {
			got = input
			return account.SyncResult{User: account.User{ID: "local-1"}, Created: true}, nil
		},
	}

	res, err := newTestDispatcher(t, accounts).Dispatch(context.Background(), Event{
		Type:       EventUserCreated,
		OccurredAt: occurred,
		Data: EventData{
			ID:             "user_1",
			Username:       &username,
			EmailAddresses: []EmailAddress{{EmailAddress: "alice@example.com"}},
			ProfileImgURL:  "https://img/a.png",
		},
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res.Outcome != OutcomeCreated || res.UserID != "local-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.ExternalID != "user_1" || got.Username != "alice" || got.ImageURL != "https://img/a.png" || !got.EventAt.Equal(occurred) {
		t.Fatalf("unexpected sync input: %+v", got)
	}
	if len(got.Emails) != 1 || got.Emails[0] != "alice@example.com" {
		t.Fatalf("unexpected emails: %v", got.Emails)
	}
}

func TestDispatch_UserCreatedExistingIsUpdate(t *testing.T) {
	accounts := &fakeAccounts{
		syncUserFn: func(context.Context, account.SyncInput) (account.SyncResult, error) {
			return account.SyncResult{User: account.User{ID: "local-1"}}, nil
		},
	}

	res, err := newTestDispatcher(t, accounts).Dispatch(context.Background(), Event{Type: EventUserCreated, Data: EventData{ID: "user_1"}})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("expected updated outcome, got %s", res.Outcome)
	}
}

func TestDispatch_StaleEventIsAcknowledged(t *testing.T) {
	accounts := &fakeAccounts{
		syncUserFn: func(context.Context, account.SyncInput) (account.SyncResult, error) {
			return account.SyncResult{}, account.ErrStaleEvent
		},
	}

	res, err := newTestDispatcher(t, accounts).Dispatch(context.Background(), Event{Type: EventUserCreated, Data: EventData{ID: "user_1"}})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res.Outcome != OutcomeStale {
		t.Fatalf("expected stale outcome, got %s", res.Outcome)
	}
}

func TestDispatch_UserDeleted(t *testing.T) {
	accounts := &fakeAccounts{
		teardownUserFn: func(_ context.Context, externalID string, _ time.Time) (account.TeardownResult, error) {
			if externalID != "user_1" {
				t.Fatalf("unexpected external id %s", externalID)
			}
			return account.TeardownResult{ExternalID: externalID, UserID: "local-1", Found: true, PostsDeleted: 3, CommentsDeleted: 5}, nil
		},
	}

	res, err := newTestDispatcher(t, accounts).Dispatch(context.Background(), Event{Type: EventUserDeleted, Data: EventData{ID: "user_1"}})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res.Outcome != OutcomeDeleted || res.PostsDeleted != 3 || res.CommentsDeleted != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatch_UserDeletedUnknownIsAbsent(t *testing.T) {
	accounts := &fakeAccounts{
		teardownUserFn: func(_ context.Context, externalID string, _ time.Time) (account.TeardownResult, error) {
			return account.TeardownResult{ExternalID: externalID}, nil
		},
	}

	res, err := newTestDispatcher(t, accounts).Dispatch(context.Background(), Event{Type: EventUserDeleted, Data: EventData{ID: "user_9"}})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res.Outcome != OutcomeAbsent {
		t.Fatalf("expected absent outcome, got %s", res.Outcome)
	}
}

func TestDispatch_UnknownTypeIsIgnored(t *testing.T) {
	res, err := newTestDispatcher(t, &fakeAccounts{}).Dispatch(context.Background(), Event{Type: "session.created"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res.Outcome != OutcomeIgnored || res.Type != "session.created" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatch_PropagatesStorageErrors(t *testing.T) {
	boom := errors.New("connection refused")
	accounts := &fakeAccounts{
		teardownUserFn: func(context.Context, string, time.Time) (account.TeardownResult, error) {
			return account.TeardownResult{}, boom
		},
	}

	_, err := newTestDispatcher(t, accounts).Dispatch(context.Background(), Event{Type: EventUserDeleted, Data: EventData{ID: "user_1"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
