package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

// fakeRepo delegates to an in-memory repository unless a hook overrides the call.
type fakeRepo struct {
	Repository
	upsertUserFn           func(context.Context, User) (User, bool, error)
	deletePostsByUserFn    func(context.Context, string) (int, error)
	deleteCommentsByUserFn func(context.Context, string) (int, error)
	countCommentsByUserFn  func(context.Context, string) (int, error)
}

func (f *fakeRepo) UpsertUser(ctx context.Context, user User) (User, bool, error) {
	if f.upsertUserFn != nil {
		return f.upsertUserFn(ctx, user)
	}
	return f.Repository.UpsertUser(ctx, user)
}

func (f *fakeRepo) DeletePostsByUser(ctx context.Context, userID string) (int, error) {
	if f.deletePostsByUserFn != nil {
		return f.deletePostsByUserFn(ctx, userID)
	}
	return f.Repository.DeletePostsByUser(ctx, userID)
}

func (f *fakeRepo) DeleteCommentsByUser(ctx context.Context, userID string) (int, error) {
	if f.deleteCommentsByUserFn != nil {
		return f.deleteCommentsByUserFn(ctx, userID)
	}
	return f.Repository.DeleteCommentsByUser(ctx, userID)
}

func (f *fakeRepo) CountCommentsByUser(ctx context.Context, userID string) (int, error) {
	if f.countCommentsByUserFn != nil {
		return f.countCommentsByUserFn(ctx, userID)
	}
	return f.Repository.CountCommentsByUser(ctx, userID)
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := NewService(repo, fixedClock{now: testNow}, &sequenceIDs{})
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func seedContent(t *testing.T, repo Repository, userID string, posts, comments int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < posts; i++ {
		post := Post{ID: fmt.Sprintf("%s-post-%d", userID, i), UserID: userID, Slug: fmt.Sprintf("%s-slug-%d", userID, i), Title: "t"}
		if err := repo.CreatePost(ctx, post); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}
	}
	for i := 0; i < comments; i++ {
		comment := Comment{ID: fmt.Sprintf("%s-comment-%d", userID, i), UserID: userID, PostID: "any", Content: "c"}
		if err := repo.CreateComment(ctx, comment); err != nil {
			t.Fatalf("CreateComment: %v", err)
		}
	}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	if _, err := NewService(nil, fixedClock{}, &sequenceIDs{}); err == nil {
		t.Fatalf("expected error for nil repo")
	}
	if _, err := NewService(NewMemoryRepository(), nil, &sequenceIDs{}); err == nil {
		t.Fatalf("expected error for nil clock")
	}
	if _, err := NewService(NewMemoryRepository(), fixedClock{}, nil); err == nil {
		t.Fatalf("expected error for nil id generator")
	}
}

func TestServiceSyncUser_CreatesUser(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo)

	res, err := svc.SyncUser(context.Background(), SyncInput{
		ExternalID: "user_abc",
		Username:   "alice",
		Emails:     []string{"alice@example.com"},
		ImageURL:   "https://img/alice.png",
	})
	if err != nil {
		t.Fatalf("SyncUser returned error: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected user to be created")
	}

	stored, err := repo.GetUserByExternalID(context.Background(), "user_abc")
	if err != nil {
		t.Fatalf("GetUserByExternalID: %v", err)
	}
	if stored.Username != "alice" || stored.Email != "alice@example.com" || stored.ImageURL != "https://img/alice.png" {
		t.Fatalf("unexpected stored user: %+v", stored)
	}
	if !stored.LastEventAt.Equal(testNow) {
		t.Fatalf("expected event time to default to now, got %v", stored.LastEventAt)
	}
}

func TestServiceSyncUser_UsernameFallsBackToEmail(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())

	res, err := svc.SyncUser(context.Background(), SyncInput{
		ExternalID: "user_xyz",
		Emails:     []string{"  ", "bob@example.com", "other@example.com"},
	})
	if err != nil {
		t.Fatalf("SyncUser returned error: %v", err)
	}
	if res.User.Username != "bob@example.com" || res.User.Email != "bob@example.com" {
		t.Fatalf("expected email fallback, got %+v", res.User)
	}
}

func TestServiceSyncUser_NoEmailsLeavesFieldsEmpty(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())

	res, err := svc.SyncUser(context.Background(), SyncInput{ExternalID: "user_bare"})
	if err != nil {
		t.Fatalf("SyncUser returned error: %v", err)
	}
	if res.User.Username != "" || res.User.Email != "" {
		t.Fatalf("expected empty profile fields, got %+v", res.User)
	}
}

func TestServiceSyncUser_RedeliveryKeepsOneUser(t *testing.T) {
	// Redelivered create events used to insert a second row for the same identity.
	repo := NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()
	input := SyncInput{ExternalID: "user_abc", Username: "alice", EventAt: testNow}

	first, err := svc.SyncUser(ctx, input)
	if err != nil {
		t.Fatalf("first SyncUser: %v", err)
	}
	second, err := svc.SyncUser(ctx, input)
	if err != nil {
		t.Fatalf("second SyncUser: %v", err)
	}

	if !first.Created || second.Created {
		t.Fatalf("expected create then update, got %v then %v", first.Created, second.Created)
	}
	if first.User.ID != second.User.ID {
		t.Fatalf("expected stable local id, got %s and %s", first.User.ID, second.User.ID)
	}
}

func TestServiceSyncUser_RejectsOlderEvent(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())
	ctx := context.Background()

	if _, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc", Username: "new", EventAt: testNow}); err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	_, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc", Username: "old", EventAt: testNow.Add(-time.Minute)})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
}

func TestServiceSyncUser_RequiresExternalID(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())

	_, err := svc.SyncUser(context.Background(), SyncInput{ExternalID: "  "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestServiceSyncUser_PropagatesStorageError(t *testing.T) {
	boom := errors.New("db unavailable")
	repo := &fakeRepo{
		Repository: NewMemoryRepository(),
		upsertUserFn: func(context.Context, User) (User, bool, error) {
			return User{}, false, boom
		},
	}
	svc := newTestService(t, repo)

	_, err := svc.SyncUser(context.Background(), SyncInput{ExternalID: "user_abc"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestServiceTeardownUser_CascadesOwnedContent(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	target, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_gone"})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	other, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_stays"})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	seedContent(t, repo, target.User.ID, 3, 2)
	seedContent(t, repo, other.User.ID, 1, 1)

	res, err := svc.TeardownUser(ctx, "user_gone", time.Time{})
	if err != nil {
		t.Fatalf("TeardownUser returned error: %v", err)
	}
	if !res.Found || res.PostsDeleted != 3 || res.CommentsDeleted != 2 {
		t.Fatalf("unexpected teardown result: %+v", res)
	}

	if _, err := repo.GetUserByExternalID(ctx, "user_gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user to be removed, got %v", err)
	}
	if n, _ := repo.CountPostsByUser(ctx, target.User.ID); n != 0 {
		t.Fatalf("expected no posts left, got %d", n)
	}
	if n, _ := repo.CountCommentsByUser(ctx, target.User.ID); n != 0 {
		t.Fatalf("expected no comments left, got %d", n)
	}
	if n, _ := repo.CountPostsByUser(ctx, other.User.ID); n != 1 {
		t.Fatalf("expected other user's post to survive, got %d", n)
	}
}

func TestServiceTeardownUser_UnknownIdentityIsNoop(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())

	res, err := svc.TeardownUser(context.Background(), "user_never_seen", time.Time{})
	if err != nil {
		t.Fatalf("TeardownUser returned error: %v", err)
	}
	if res.Found || res.ExternalID != "user_never_seen" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServiceTeardownUser_IsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc"})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	seedContent(t, repo, created.User.ID, 1, 1)

	if _, err := svc.TeardownUser(ctx, "user_abc", time.Time{}); err != nil {
		t.Fatalf("first teardown: %v", err)
	}
	res, err := svc.TeardownUser(ctx, "user_abc", time.Time{})
	if err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if res.Found {
		t.Fatalf("expected second teardown to find nothing, got %+v", res)
	}
}

func TestServiceTeardownUser_BlocksLateCreate(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())
	ctx := context.Background()

	if _, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc", EventAt: testNow}); err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if _, err := svc.TeardownUser(ctx, "user_abc", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("TeardownUser: %v", err)
	}

	_, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc", EventAt: testNow.Add(time.Hour)})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent after deletion, got %v", err)
	}
}

func TestServiceTeardownUser_InterruptedCascadeResumes(t *testing.T) {
	mem := NewMemoryRepository()
	failing := true
	repo := &fakeRepo{
		Repository: mem,
		deleteCommentsByUserFn: func(ctx context.Context, userID string) (int, error) {
			if failing {
				return 0, errors.New("write timeout")
			}
			return mem.DeleteCommentsByUser(ctx, userID)
		},
	}
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc"})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	seedContent(t, mem, created.User.ID, 2, 2)

	_, err = svc.TeardownUser(ctx, "user_abc", time.Time{})
	if !errors.Is(err, ErrCascadeIncomplete) {
		t.Fatalf("expected ErrCascadeIncomplete, got %v", err)
	}

	// The identity is hidden while its teardown is pending.
	if _, err := mem.GetUserByExternalID(ctx, "user_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected tombstoned user to be hidden, got %v", err)
	}
	pending, err := mem.ListTombstonedUsers(ctx, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending teardown, got %d (%v)", len(pending), err)
	}

	failing = false
	report, err := svc.ResumeTeardowns(ctx, 0)
	if err != nil {
		t.Fatalf("ResumeTeardowns returned error: %v", err)
	}
	if report.Attempted != 1 || len(report.Completed) != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Completed[0].CommentsDeleted != 2 {
		t.Fatalf("expected comments to be removed on resume, got %+v", report.Completed[0])
	}

	pending, _ = mem.ListTombstonedUsers(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("expected no pending teardowns, got %d", len(pending))
	}
}

func TestServiceResumeTeardowns_ReportsFailures(t *testing.T) {
	mem := NewMemoryRepository()
	repo := &fakeRepo{
		Repository: mem,
		deletePostsByUserFn: func(context.Context, string) (int, error) {
			return 0, errors.New("unavailable")
		},
	}
	svc := newTestService(t, repo)
	ctx := context.Background()

	for _, id := range []string{"user_a", "user_b"} {
		if _, err := svc.SyncUser(ctx, SyncInput{ExternalID: id}); err != nil {
			t.Fatalf("SyncUser: %v", err)
		}
		if _, err := svc.TeardownUser(ctx, id, time.Time{}); !errors.Is(err, ErrCascadeIncomplete) {
			t.Fatalf("expected ErrCascadeIncomplete, got %v", err)
		}
	}

	report, err := svc.ResumeTeardowns(ctx, 10)
	if err != nil {
		t.Fatalf("ResumeTeardowns returned error: %v", err)
	}
	if report.Attempted != 2 || len(report.Failed) != 2 || len(report.Completed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestServiceGetAccount_CountsContent(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc", Username: "alice"})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	seedContent(t, repo, created.User.ID, 2, 5)

	summary, err := svc.GetAccount(ctx, "user_abc")
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	if summary.Username != "alice" || summary.PostCount != 2 || summary.CommentCount != 5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestServiceGetAccount_PropagatesCountError(t *testing.T) {
	repo := &fakeRepo{
		Repository: NewMemoryRepository(),
		countCommentsByUserFn: func(context.Context, string) (int, error) {
			return 0, errors.New("query failed")
		},
	}
	svc := newTestService(t, repo)
	ctx := context.Background()

	if _, err := svc.SyncUser(ctx, SyncInput{ExternalID: "user_abc"}); err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if _, err := svc.GetAccount(ctx, "user_abc"); err == nil {
		t.Fatalf("expected count error to propagate")
	}
}

func TestServiceGetAccount_MissingUser(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository())

	if _, err := svc.GetAccount(context.Background(), "user_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
