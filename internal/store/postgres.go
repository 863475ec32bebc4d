package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ownerSentinel is the bootstrap flag claimed by the first profile to
// complete bootstrap. The unique primary key makes the claim atomic.
const ownerSentinel = "owner_assigned"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `id, COALESCE(name, ''), COALESCE(display_name, ''), COALESCE(email, ''),
	COALESCE(provider_id, ''), COALESCE(password_hash, ''), is_owner, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, last_seen, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.DisplayName,
		&user.Email,
		&user.ProviderID,
		&user.PasswordHash,
		&user.IsOwner,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&user.VerificationExpiresAt,
		&user.LastSeen,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, display_name, email, provider_id, password_hash, is_email_verified, verification_token)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''))
	`, user.ID, user.Name, user.DisplayName, user.Email, user.ProviderID, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// PatchUserProfile applies the first-write-wins bootstrap patch. Nil
// fields keep their stored value; last_seen is refreshed unconditionally.
// The owner flag is also stored-value-wins: once the bootstrap decision
// lands, a patch carrying a stale decision cannot overwrite it. Only
// SetUserOwner changes a settled flag.
func (s *PostgresStore) PatchUserProfile(ctx context.Context, userID string, patch ProfilePatch) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			display_name = COALESCE($3, display_name),
			email = COALESCE($4, email),
			provider_id = COALESCE($5, provider_id),
			is_owner = COALESCE(is_owner, $6),
			last_seen = NOW(),
			updated_at = NOW()
		WHERE id=$1
	`, userID, patch.Name, patch.DisplayName, patch.Email, patch.ProviderID, patch.IsOwner)
	if err != nil {
		return fmt.Errorf("patch user profile: %w", err)
	}
	return nil
}

// ClaimOwnerSentinel atomically claims the one-time owner grant. Exactly
// one caller ever observes true, no matter how calls interleave.
func (s *PostgresStore) ClaimOwnerSentinel(ctx context.Context) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO bootstrap_flags (name)
		VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, ownerSentinel)
	if err != nil {
		return false, fmt.Errorf("claim owner sentinel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim owner sentinel rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) HasOtherOwner(ctx context.Context, excludeUserID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE is_owner AND id <> $1)
	`, excludeUserID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check other owner: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SetUserOwner(ctx context.Context, userID string, isOwner bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_owner=$2, updated_at=NOW() WHERE id=$1
	`, userID, isOwner)
	if err != nil {
		return false, fmt.Errorf("set user owner: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set user owner rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPosts(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, title, summary, content, author_name, created_at, updated_at
		FROM posts
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		var item Post
		if err := rows.Scan(&item.ID, &item.Slug, &item.Title, &item.Summary, &item.Content, &item.AuthorName, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPostBySlug(ctx context.Context, slug string) (Post, error) {
	var item Post
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, title, summary, content, author_name, created_at, updated_at
		FROM posts
		WHERE slug=$1
	`, slug).Scan(&item.ID, &item.Slug, &item.Title, &item.Summary, &item.Content, &item.AuthorName, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	return item, nil
}

// InsertPost relies on the unique index on slug; a false return means the
// slug was already taken, no matter how the competing insert is timed.
func (s *PostgresStore) InsertPost(ctx context.Context, post Post) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, slug, title, summary, content, author_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO NOTHING
	`, post.ID, post.Slug, post.Title, post.Summary, post.Content, post.AuthorName)
	if err != nil {
		return false, fmt.Errorf("insert post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert post rows: %w", err)
	}
	return affected > 0, nil
}

// UpdatePostBySlug never touches the slug column.
func (s *PostgresStore) UpdatePostBySlug(ctx context.Context, slug, title, summary, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET title=$2, summary=$3, content=$4, updated_at=NOW()
		WHERE slug=$1
	`, slug, title, summary, content)
	if err != nil {
		return false, fmt.Errorf("update post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update post rows: %w", err)
	}
	return affected > 0, nil
}

// DeletePostBySlug cascades to comments and likes via foreign keys.
func (s *PostgresStore) DeletePostBySlug(ctx context.Context, slug string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE slug=$1`, slug)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete post rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, postID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, author_name, body, created_at
		FROM comments
		WHERE post_id=$1
		ORDER BY created_at DESC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.PostID, &item.AuthorName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, post_id, author_name, body)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.PostID, comment.AuthorName, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) LikeCount(ctx context.Context, postID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM likes WHERE post_id=$1`, postID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count likes: %w", err)
	}
	return count, nil
}

// ToggleLike removes the caller's like if present, otherwise inserts it.
// The unique (post_id, user_key) constraint guarantees at most one row
// per user per post even under concurrent toggles.
func (s *PostgresStore) ToggleLike(ctx context.Context, postID, userKey, displayName string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM likes WHERE post_id=$1 AND user_key=$2
	`, postID, userKey)
	if err != nil {
		return false, fmt.Errorf("delete like: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete like rows: %w", err)
	}
	if affected > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO likes (post_id, user_key, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (post_id, user_key) DO NOTHING
	`, postID, userKey, displayName); err != nil {
		return false, fmt.Errorf("insert like: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) InsertAsset(ctx context.Context, asset Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, post_id, object_key, content_type, size)
		VALUES ($1, $2, $3, $4, $5)
	`, asset.ID, asset.PostID, asset.ObjectKey, asset.ContentType, asset.Size)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPostAssets(ctx context.Context, postID string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, object_key, content_type, size, created_at
		FROM assets
		WHERE post_id=$1
		ORDER BY created_at DESC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	items := make([]Asset, 0)
	for rows.Next() {
		var item Asset
		if err := rows.Scan(&item.ID, &item.PostID, &item.ObjectKey, &item.ContentType, &item.Size, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAssetByKey(ctx context.Context, objectKey string) (Asset, error) {
	var item Asset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, object_key, content_type, size, created_at
		FROM assets
		WHERE object_key=$1
	`, objectKey).Scan(&item.ID, &item.PostID, &item.ObjectKey, &item.ContentType, &item.Size, &item.CreatedAt)
	if err != nil {
		return Asset{}, err
	}
	return item, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, COALESCE(u.name, ''), COALESCE(u.display_name, ''), COALESCE(u.email, ''), u.is_owner
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.DisplayName, &user.Email, &user.IsOwner)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// IsNotFound reports whether err is the store's row-missing sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
