package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultRecoveryBatch = 100
	recoveryParallelism  = 4
)

// Service orchestrates user lifecycle synchronization.
type Service struct {
	repo  Repository
	clock Clock
	ids   IDGenerator
}

// NewService constructs a Service instance with the provided collaborators.
func NewService(repo Repository, clock Clock, ids IDGenerator) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repo is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	return &Service{repo: repo, clock: clock, ids: ids}, nil
}

// SyncUser creates or refreshes the local user mirroring a remote account.
// Redelivery of the same event leaves exactly one user for the external id.
func (s *Service) SyncUser(ctx context.Context, input SyncInput) (SyncResult, error) {
	if err := input.Validate(); err != nil {
		return SyncResult{}, fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}

	now := s.clock.Now().UTC()
	eventAt := input.EventAt.UTC()
	if input.EventAt.IsZero() {
		eventAt = now
	}

	email := firstEmail(input.Emails)
	user := User{
		ID:          s.ids.NewID(),
		ExternalID:  strings.TrimSpace(input.ExternalID),
		Username:    resolveUsername(input.Username, email),
		Email:       email,
		ImageURL:    strings.TrimSpace(input.ImageURL),
		LastEventAt: eventAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, created, err := s.repo.UpsertUser(ctx, user)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{User: stored, Created: created}, nil
}

// TeardownUser removes the user for externalID and every post and comment it owns.
// An unknown external id is a successful no-op. The user is tombstoned before the
// cascade so an interrupted teardown stays visible to ResumeTeardowns.
func (s *Service) TeardownUser(ctx context.Context, externalID string, at time.Time) (TeardownResult, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return TeardownResult{}, fmt.Errorf("%w: external_id is required", ErrInvalidInput)
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	if atomic, ok := s.repo.(AtomicTeardown); ok {
		result, err := atomic.TeardownUserAtomically(ctx, externalID, at)
		if errors.Is(err, ErrNotFound) {
			return TeardownResult{ExternalID: externalID}, nil
		}
		return result, err
	}

	user, err := s.repo.TombstoneUser(ctx, externalID, at)
	if errors.Is(err, ErrNotFound) {
		return TeardownResult{ExternalID: externalID}, nil
	}
	if err != nil {
		return TeardownResult{ExternalID: externalID}, fmt.Errorf("tombstone user: %w", err)
	}

	return s.cascade(ctx, user, at)
}

func (s *Service) cascade(ctx context.Context, user User, at time.Time) (TeardownResult, error) {
	result := TeardownResult{ExternalID: user.ExternalID, UserID: user.ID, Found: true}

	posts, err := s.repo.DeletePostsByUser(ctx, user.ID)
	if err != nil {
		return result, fmt.Errorf("%w: delete posts: %w", ErrCascadeIncomplete, err)
	}
	result.PostsDeleted = posts

	comments, err := s.repo.DeleteCommentsByUser(ctx, user.ID)
	if err != nil {
		return result, fmt.Errorf("%w: delete comments: %w", ErrCascadeIncomplete, err)
	}
	result.CommentsDeleted = comments

	deletedAt := at
	if user.DeletedAt != nil {
		deletedAt = user.DeletedAt.UTC()
	}
	if err := s.repo.DeleteUser(ctx, user.ExternalID, deletedAt); err != nil {
		return result, fmt.Errorf("%w: delete user: %w", ErrCascadeIncomplete, err)
	}

	return result, nil
}

// GetAccount returns the live user for externalID with its content counts.
func (s *Service) GetAccount(ctx context.Context, externalID string) (Summary, error) {
	if strings.TrimSpace(externalID) == "" {
		return Summary{}, ErrNotFound
	}

	user, err := s.repo.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{User: user}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.repo.CountPostsByUser(gctx, user.ID)
		if err != nil {
			return fmt.Errorf("count posts: %w", err)
		}
		summary.PostCount = n
		return nil
	})

	g.Go(func() error {
		n, err := s.repo.CountCommentsByUser(gctx, user.ID)
		if err != nil {
			return fmt.Errorf("count comments: %w", err)
		}
		summary.CommentCount = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// ResumeTeardowns finishes teardowns that were interrupted after the user was
// tombstoned. Failures are reported per user and do not stop the sweep.
func (s *Service) ResumeTeardowns(ctx context.Context, limit int) (RecoveryReport, error) {
	if limit <= 0 {
		limit = defaultRecoveryBatch
	}

	users, err := s.repo.ListTombstonedUsers(ctx, limit)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list tombstoned users: %w", err)
	}

	report := RecoveryReport{
		Attempted: len(users),
		Completed: []TeardownResult{},
		Failed:    []RecoveryFailure{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for _, user := range users {
		g.Go(func() error {
			result, err := s.cascade(gctx, user, s.clock.Now().UTC())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, RecoveryFailure{ExternalID: user.ExternalID, Error: err.Error()})
				return nil
			}
			report.Completed = append(report.Completed, result)
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

func firstEmail(emails []string) string {
	for _, e := range emails {
		if e = strings.TrimSpace(e); e != "" {
			return e
		}
	}
	return ""
}

// resolveUsername prefers the explicit username and falls back to the email address.
func resolveUsername(username, email string) string {
	if u := strings.TrimSpace(username); u != "" {
		return u
	}
	return email
}
