package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	userKeyPrefix     = "user:"
	deletionKeyPrefix = "deletion:"
	postKeyPrefix     = "post:"
	commentKeyPrefix  = "comment:"
	slugKeyPrefix     = "slug:"

	maxConflictRetries = 32
	conflictBackoff    = time.Millisecond
)

type badgerRepository struct {
	db *badger.DB
}

// OpenBadger opens a Badger database at path. An empty path opens an in-memory store.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewBadgerRepository builds a Repository on an embedded Badger key-value store.
// Posts and comments are keyed under their owner's user id so a teardown is a
// prefix scan.
func NewBadgerRepository(db *badger.DB) Repository {
	return &badgerRepository{db: db}
}

func userKey(externalID string) []byte {
	return []byte(userKeyPrefix + externalID)
}

func deletionKey(externalID string) []byte {
	return []byte(deletionKeyPrefix + externalID)
}

func ownedPrefix(prefix, userID string) []byte {
	return []byte(prefix + userID + ":")
}

func marshalEntity(entity any) ([]byte, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return data, nil
}

func unmarshalEntity(data []byte, entity any) error {
	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("unmarshal entity: %w", err)
	}
	return nil
}

func getEntity(txn *badger.Txn, key []byte, entity any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return unmarshalEntity(val, entity)
	})
}

func setEntity(txn *badger.Txn, key []byte, entity any) error {
	data, err := marshalEntity(entity)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// update runs fn in a read-write transaction, re-running it from a fresh read when
// Badger reports a conflict with a concurrent transaction.
func (r *badgerRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = r.db.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * conflictBackoff):
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func (r *badgerRepository) UpsertUser(ctx context.Context, user User) (User, bool, error) {
	if err := ctx.Err(); err != nil {
		return User{}, false, err
	}

	var (
		stored  User
		created bool
	)
	err := r.update(ctx, func(txn *badger.Txn) error {
		stored, created = User{}, false
		deleted := false
		if _, err := txn.Get(deletionKey(user.ExternalID)); err == nil {
			deleted = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var current *User
		var existing User
		switch err := getEntity(txn, userKey(user.ExternalID), &existing); {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			current = &existing
		}

		if err := checkFresh(current, deleted, user); err != nil {
			return err
		}

		if current == nil {
			stored, created = user, true
		} else {
			stored = mergeProfile(existing, user)
		}
		return setEntity(txn, userKey(user.ExternalID), stored)
	})
	if err != nil {
		return User{}, false, err
	}
	return stored, created, nil
}

func (r *badgerRepository) GetUserByExternalID(_ context.Context, externalID string) (User, error) {
	var user User
	err := r.db.View(func(txn *badger.Txn) error {
		return getEntity(txn, userKey(externalID), &user)
	})
	if err != nil {
		return User{}, err
	}
	if user.Tombstoned() {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *badgerRepository) TombstoneUser(ctx context.Context, externalID string, deletedAt time.Time) (User, error) {
	var user User
	err := r.update(ctx, func(txn *badger.Txn) error {
		user = User{}
		if err := getEntity(txn, userKey(externalID), &user); err != nil {
			return err
		}
		if user.Tombstoned() {
			return nil
		}
		user.DeletedAt = &deletedAt
		user.UpdatedAt = deletedAt
		return setEntity(txn, userKey(externalID), user)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (r *badgerRepository) DeleteUser(ctx context.Context, externalID string, deletedAt time.Time) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		if err := setEntity(txn, deletionKey(externalID), Deletion{ExternalID: externalID, DeletedAt: deletedAt}); err != nil {
			return err
		}
		return txn.Delete(userKey(externalID))
	})
}

func (r *badgerRepository) ListTombstonedUsers(_ context.Context, limit int) ([]User, error) {
	users := make([]User, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(userKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user User
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalEntity(val, &user)
			}); err != nil {
				return err
			}
			if user.Tombstoned() {
				users = append(users, user)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].DeletedAt.Before(*users[j].DeletedAt)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (r *badgerRepository) CreatePost(ctx context.Context, post Post) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		slugKey := []byte(slugKeyPrefix + post.Slug)
		if _, err := txn.Get(slugKey); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		key := append(ownedPrefix(postKeyPrefix, post.UserID), post.ID...)
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		}
		if err := txn.Set(slugKey, []byte(post.ID)); err != nil {
			return err
		}
		return setEntity(txn, key, post)
	})
}

func (r *badgerRepository) CountPostsByUser(_ context.Context, userID string) (int, error) {
	return r.countPrefix(ownedPrefix(postKeyPrefix, userID))
}

func (r *badgerRepository) DeletePostsByUser(_ context.Context, userID string) (int, error) {
	return r.deletePrefix(ownedPrefix(postKeyPrefix, userID), func(val []byte) ([]byte, error) {
		var post Post
		if err := unmarshalEntity(val, &post); err != nil {
			return nil, err
		}
		return []byte(slugKeyPrefix + post.Slug), nil
	})
}

func (r *badgerRepository) CreateComment(ctx context.Context, comment Comment) error {
	return r.update(ctx, func(txn *badger.Txn) error {
		key := append(ownedPrefix(commentKeyPrefix, comment.UserID), comment.ID...)
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		}
		return setEntity(txn, key, comment)
	})
}

func (r *badgerRepository) CountCommentsByUser(_ context.Context, userID string) (int, error) {
	return r.countPrefix(ownedPrefix(commentKeyPrefix, userID))
}

func (r *badgerRepository) DeleteCommentsByUser(_ context.Context, userID string) (int, error) {
	return r.deletePrefix(ownedPrefix(commentKeyPrefix, userID), nil)
}

func (r *badgerRepository) countPrefix(prefix []byte) (int, error) {
	n := 0
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// deletePrefix removes every key under prefix. related, when set, maps a stored
// value to a secondary key that is removed alongside it.
func (r *badgerRepository) deletePrefix(prefix []byte, related func(val []byte) ([]byte, error)) (int, error) {
	keys := make([][]byte, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = related != nil
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			keys = append(keys, item.KeyCopy(nil))
			if related == nil {
				continue
			}
			if err := item.Value(func(val []byte) error {
				extra, err := related(val)
				if err != nil {
					return err
				}
				keys = append(keys, extra)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()

	deleted := 0
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if related == nil || bytes.HasPrefix(key, prefix) {
			deleted++
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return deleted, nil
}
