package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account/migrations"
)

// OpenSQLite opens the database at path with WAL and foreign keys enabled and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrations.Run(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository builds a Repository on a migrated SQLite database.
// It also implements AtomicTeardown.
func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

const userColumns = `id, external_id, username, email, image_url, last_event_at, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u         User
		deletedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.Email, &u.ImageURL,
		&u.LastEventAt, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		u.DeletedAt = &t
	}
	u.LastEventAt = u.LastEventAt.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func deletionExists(ctx context.Context, tx *sql.Tx, externalID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM user_deletions WHERE external_id = ?", externalID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check deletion: %w", err)
	}
	return true, nil
}

func (r *sqliteRepository) UpsertUser(ctx context.Context, user User) (User, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	deleted, err := deletionExists(ctx, tx, user.ExternalID)
	if err != nil {
		return User{}, false, err
	}

	var current *User
	existing, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ?", user.ExternalID))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return User{}, false, err
	default:
		current = &existing
	}

	if err := checkFresh(current, deleted, user); err != nil {
		return User{}, false, err
	}

	var (
		stored  User
		created bool
	)
	if current == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (id, external_id, username, email, image_url, last_event_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.ExternalID, user.Username, user.Email, user.ImageURL,
			user.LastEventAt, user.CreatedAt, user.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return User{}, false, ErrConflict
		}
		if err != nil {
			return User{}, false, fmt.Errorf("insert user: %w", err)
		}
		stored, created = user, true
	} else {
		stored = mergeProfile(existing, user)
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET username = ?, email = ?, image_url = ?, last_event_at = ?, updated_at = ?
			 WHERE external_id = ?`,
			stored.Username, stored.Email, stored.ImageURL, stored.LastEventAt, stored.UpdatedAt,
			stored.ExternalID,
		)
		if err != nil {
			return User{}, false, fmt.Errorf("update user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return User{}, false, fmt.Errorf("commit: %w", err)
	}
	return stored, created, nil
}

func (r *sqliteRepository) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ? AND deleted_at IS NULL", externalID))
}

func (r *sqliteRepository) TombstoneUser(ctx context.Context, externalID string, deletedAt time.Time) (User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	user, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if err != nil {
		return User{}, err
	}
	if user.Tombstoned() {
		return user, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET deleted_at = ?, updated_at = ? WHERE external_id = ?",
		deletedAt, deletedAt, externalID,
	); err != nil {
		return User{}, fmt.Errorf("tombstone user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit: %w", err)
	}

	user.DeletedAt = &deletedAt
	user.UpdatedAt = deletedAt
	return user, nil
}

func (r *sqliteRepository) DeleteUser(ctx context.Context, externalID string, deletedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := finishDeletion(ctx, tx, externalID, deletedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func finishDeletion(ctx context.Context, tx *sql.Tx, externalID string, deletedAt time.Time) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE external_id = ?", externalID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_deletions (external_id, deleted_at) VALUES (?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		externalID, deletedAt,
	); err != nil {
		return fmt.Errorf("record deletion: %w", err)
	}
	return nil
}

// TeardownUserAtomically removes the user, its posts and its comments in one transaction.
func (r *sqliteRepository) TeardownUserAtomically(ctx context.Context, externalID string, deletedAt time.Time) (TeardownResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return TeardownResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	user, err := scanUser(tx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if err != nil {
		return TeardownResult{}, err
	}

	result := TeardownResult{ExternalID: externalID, UserID: user.ID, Found: true}

	comments, err := tx.ExecContext(ctx, "DELETE FROM comments WHERE user_id = ?", user.ID)
	if err != nil {
		return TeardownResult{}, fmt.Errorf("delete comments: %w", err)
	}
	posts, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE user_id = ?", user.ID)
	if err != nil {
		return TeardownResult{}, fmt.Errorf("delete posts: %w", err)
	}

	if user.DeletedAt != nil {
		deletedAt = *user.DeletedAt
	}
	if err := finishDeletion(ctx, tx, externalID, deletedAt); err != nil {
		return TeardownResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TeardownResult{}, fmt.Errorf("commit: %w", err)
	}

	n, _ := comments.RowsAffected()
	result.CommentsDeleted = int(n)
	n, _ = posts.RowsAffected()
	result.PostsDeleted = int(n)
	return result, nil
}

func (r *sqliteRepository) ListTombstonedUsers(ctx context.Context, limit int) ([]User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE deleted_at IS NOT NULL ORDER BY deleted_at"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tombstoned users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *sqliteRepository) CreatePost(ctx context.Context, post Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, slug, title, content, category, visits, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.UserID, post.Slug, post.Title, post.Content, post.Category, post.Visits,
		post.CreatedAt, post.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (r *sqliteRepository) CountPostsByUser(ctx context.Context, userID string) (int, error) {
	return r.count(ctx, "count posts", "SELECT COUNT(*) FROM posts WHERE user_id = ?", userID)
}

func (r *sqliteRepository) DeletePostsByUser(ctx context.Context, userID string) (int, error) {
	return r.exec(ctx, "delete posts", "DELETE FROM posts WHERE user_id = ?", userID)
}

func (r *sqliteRepository) CreateComment(ctx context.Context, comment Comment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO comments (id, user_id, post_id, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		comment.ID, comment.UserID, comment.PostID, comment.Content, comment.CreatedAt, comment.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (r *sqliteRepository) CountCommentsByUser(ctx context.Context, userID string) (int, error) {
	return r.count(ctx, "count comments", "SELECT COUNT(*) FROM comments WHERE user_id = ?", userID)
}

func (r *sqliteRepository) DeleteCommentsByUser(ctx context.Context, userID string) (int, error) {
	return r.exec(ctx, "delete comments", "DELETE FROM comments WHERE user_id = ?", userID)
}

func (r *sqliteRepository) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (r *sqliteRepository) exec(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return int(n), nil
}
