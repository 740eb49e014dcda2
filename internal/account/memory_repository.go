package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu        sync.RWMutex
	users     map[string]User // externalID -> User
	deletions map[string]Deletion
	posts     map[string]Post
	comments  map[string]Comment
}

// NewMemoryRepository returns an in-memory repository intended for local development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		users:     make(map[string]User),
		deletions: make(map[string]Deletion),
		posts:     make(map[string]Post),
		comments:  make(map[string]Comment),
	}
}

func (r *memoryRepository) UpsertUser(_ context.Context, user User) (User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, deleted := r.deletions[user.ExternalID]
	existing, ok := r.users[user.ExternalID]
	var current *User
	if ok {
		current = &existing
	}
	if err := checkFresh(current, deleted, user); err != nil {
		return User{}, false, err
	}

	if !ok {
		r.users[user.ExternalID] = user
		return user, true, nil
	}

	merged := mergeProfile(existing, user)
	r.users[user.ExternalID] = merged
	return merged, false, nil
}

func (r *memoryRepository) GetUserByExternalID(_ context.Context, externalID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[externalID]
	if !ok || user.Tombstoned() {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *memoryRepository) TombstoneUser(_ context.Context, externalID string, deletedAt time.Time) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[externalID]
	if !ok {
		return User{}, ErrNotFound
	}
	if !user.Tombstoned() {
		user.DeletedAt = &deletedAt
		user.UpdatedAt = deletedAt
		r.users[externalID] = user
	}
	return user, nil
}

func (r *memoryRepository) DeleteUser(_ context.Context, externalID string, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.users, externalID)
	r.deletions[externalID] = Deletion{ExternalID: externalID, DeletedAt: deletedAt}
	return nil
}

func (r *memoryRepository) ListTombstonedUsers(_ context.Context, limit int) ([]User, error) {
	r.mu.RLock()
	out := make([]User, 0)
	for _, user := range r.users {
		if user.Tombstoned() {
			out = append(out, user)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DeletedAt.Before(*out[j].DeletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) CreatePost(_ context.Context, post Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.posts[post.ID]; exists {
		return ErrConflict
	}
	for _, p := range r.posts {
		if p.Slug == post.Slug {
			return ErrConflict
		}
	}
	r.posts[post.ID] = post
	return nil
}

func (r *memoryRepository) CountPostsByUser(_ context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.posts {
		if p.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) DeletePostsByUser(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.posts {
		if p.UserID == userID {
			delete(r.posts, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) CreateComment(_ context.Context, comment Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.comments[comment.ID]; exists {
		return ErrConflict
	}
	r.comments[comment.ID] = comment
	return nil
}

func (r *memoryRepository) CountCommentsByUser(_ context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.comments {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) DeleteCommentsByUser(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, c := range r.comments {
		if c.UserID == userID {
			delete(r.comments, id)
			n++
		}
	}
	return n, nil
}
