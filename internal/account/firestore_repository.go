package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection     = "users"
	postsCollection     = "posts"
	commentsCollection  = "comments"
	deletionsCollection = "user_deletions"
)

type firestoreRepository struct {
	client *firestore.Client
}

// NewFirestoreRepository instantiates a Firestore-backed repository. Users are keyed
// by external id so that upserts and deletion markers address the same document id.
func NewFirestoreRepository(client *firestore.Client) Repository {
	return &firestoreRepository{client: client}
}

// userDoc is the stored shape of a user; Deleted mirrors DeletedAt so tombstones can be queried.
type userDoc struct {
	ID          string     `firestore:"id"`
	ExternalID  string     `firestore:"external_id"`
	Username    string     `firestore:"username"`
	Email       string     `firestore:"email"`
	ImageURL    string     `firestore:"image_url"`
	LastEventAt time.Time  `firestore:"last_event_at"`
	CreatedAt   time.Time  `firestore:"created_at"`
	UpdatedAt   time.Time  `firestore:"updated_at"`
	Deleted     bool       `firestore:"deleted"`
	DeletedAt   *time.Time `firestore:"deleted_at"`
}

func toUserDoc(u User) userDoc {
	return userDoc{
		ID:          u.ID,
		ExternalID:  u.ExternalID,
		Username:    u.Username,
		Email:       u.Email,
		ImageURL:    u.ImageURL,
		LastEventAt: u.LastEventAt,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		Deleted:     u.DeletedAt != nil,
		DeletedAt:   u.DeletedAt,
	}
}

func snapshotToUser(doc *firestore.DocumentSnapshot) (User, error) {
	var payload userDoc
	if err := doc.DataTo(&payload); err != nil {
		return User{}, fmt.Errorf("decode user %s: %w", doc.Ref.ID, err)
	}
	user := User{
		ID:          payload.ID,
		ExternalID:  payload.ExternalID,
		Username:    payload.Username,
		Email:       payload.Email,
		ImageURL:    payload.ImageURL,
		LastEventAt: payload.LastEventAt,
		CreatedAt:   payload.CreatedAt,
		UpdatedAt:   payload.UpdatedAt,
	}
	if payload.Deleted && payload.DeletedAt != nil {
		deletedAt := *payload.DeletedAt
		user.DeletedAt = &deletedAt
	}
	if user.ExternalID == "" {
		user.ExternalID = doc.Ref.ID
	}
	return user, nil
}

func (r *firestoreRepository) userRef(externalID string) *firestore.DocumentRef {
	return r.client.Collection(usersCollection).Doc(externalID)
}

func (r *firestoreRepository) deletionRef(externalID string) *firestore.DocumentRef {
	return r.client.Collection(deletionsCollection).Doc(externalID)
}

func (r *firestoreRepository) UpsertUser(ctx context.Context, user User) (User, bool, error) {
	var (
		stored  User
		created bool
	)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted := false
		if _, err := tx.Get(r.deletionRef(user.ExternalID)); err == nil {
			deleted = true
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		var current *User
		snap, err := tx.Get(r.userRef(user.ExternalID))
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			existing, err := snapshotToUser(snap)
			if err != nil {
				return err
			}
			current = &existing
		}

		if err := checkFresh(current, deleted, user); err != nil {
			return err
		}

		if current == nil {
			stored, created = user, true
			return tx.Create(r.userRef(user.ExternalID), toUserDoc(user))
		}

		stored, created = mergeProfile(*current, user), false
		return tx.Set(r.userRef(user.ExternalID), toUserDoc(stored))
	})
	if status.Code(err) == codes.AlreadyExists {
		return User{}, false, ErrConflict
	}
	if err != nil {
		return User{}, false, err
	}
	return stored, created, nil
}

func (r *firestoreRepository) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	doc, err := r.userRef(externalID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}

	user, err := snapshotToUser(doc)
	if err != nil {
		return User{}, err
	}
	if user.Tombstoned() {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *firestoreRepository) TombstoneUser(ctx context.Context, externalID string, deletedAt time.Time) (User, error) {
	var user User

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := r.userRef(externalID)
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		user, err = snapshotToUser(snap)
		if err != nil {
			return err
		}
		if user.Tombstoned() {
			return nil
		}

		user.DeletedAt = &deletedAt
		user.UpdatedAt = deletedAt
		return tx.Update(ref, []firestore.Update{
			{Path: "deleted", Value: true},
			{Path: "deleted_at", Value: deletedAt},
			{Path: "updated_at", Value: deletedAt},
		})
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (r *firestoreRepository) DeleteUser(ctx context.Context, externalID string, deletedAt time.Time) error {
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(r.deletionRef(externalID), map[string]any{
			"external_id": externalID,
			"deleted_at":  deletedAt,
		}); err != nil {
			return err
		}
		return tx.Delete(r.userRef(externalID))
	})
}

func (r *firestoreRepository) ListTombstonedUsers(ctx context.Context, limit int) ([]User, error) {
	query := r.client.Collection(usersCollection).Where("deleted", "==", true)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	users := make([]User, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		user, err := snapshotToUser(doc)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (r *firestoreRepository) CreatePost(ctx context.Context, post Post) error {
	_, err := r.client.Collection(postsCollection).Doc(post.ID).Create(ctx, map[string]any{
		"user_id":    post.UserID,
		"slug":       post.Slug,
		"title":      post.Title,
		"content":    post.Content,
		"category":   post.Category,
		"visits":     post.Visits,
		"created_at": post.CreatedAt,
		"updated_at": post.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrConflict
	}
	return err
}

func (r *firestoreRepository) CountPostsByUser(ctx context.Context, userID string) (int, error) {
	return r.countWhere(ctx, postsCollection, "user_id", userID)
}

func (r *firestoreRepository) DeletePostsByUser(ctx context.Context, userID string) (int, error) {
	return r.deleteWhere(ctx, postsCollection, "user_id", userID)
}

func (r *firestoreRepository) CreateComment(ctx context.Context, comment Comment) error {
	_, err := r.client.Collection(commentsCollection).Doc(comment.ID).Create(ctx, map[string]any{
		"user_id":    comment.UserID,
		"post_id":    comment.PostID,
		"content":    comment.Content,
		"created_at": comment.CreatedAt,
		"updated_at": comment.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrConflict
	}
	return err
}

func (r *firestoreRepository) CountCommentsByUser(ctx context.Context, userID string) (int, error) {
	return r.countWhere(ctx, commentsCollection, "user_id", userID)
}

func (r *firestoreRepository) DeleteCommentsByUser(ctx context.Context, userID string) (int, error) {
	return r.deleteWhere(ctx, commentsCollection, "user_id", userID)
}

func (r *firestoreRepository) countWhere(ctx context.Context, collection, field, value string) (int, error) {
	q := r.client.Collection(collection).Where(field, "==", value)
	res, err := q.NewAggregationQuery().WithCount("n").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}

	count, ok := res["n"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("count %s: unexpected aggregation result %T", collection, res["n"])
	}
	return int(count.GetIntegerValue()), nil
}

// deleteWhere removes every document matching field == value with a BulkWriter.
// It reports how many deletes were acknowledged before the first failure.
func (r *firestoreRepository) deleteWhere(ctx context.Context, collection, field, value string) (int, error) {
	iter := r.client.Collection(collection).Where(field, "==", value).Select().Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("query %s: %w", collection, err)
		}

		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("enqueue delete %s/%s: %w", collection, doc.Ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	deleted := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", collection, err)
		}
		deleted++
	}
	return deleted, nil
}
