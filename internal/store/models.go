package store

import "time"

// User is the persisted identity record. IsOwner is tri-state: nil means
// the owner-bootstrap decision has not run for this user yet.
type User struct {
	ID                    string
	Name                  string
	DisplayName           string
	Email                 string
	ProviderID            string
	PasswordHash          string
	IsOwner               *bool
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	LastSeen              *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Owner reports the effective owner flag; an unset decision counts as false.
func (u User) Owner() bool {
	return u.IsOwner != nil && *u.IsOwner
}

// ProfilePatch carries the fields ensureProfile may set. Nil fields are
// left untouched; last_seen is always refreshed when a patch is applied.
type ProfilePatch struct {
	Name        *string
	DisplayName *string
	Email       *string
	ProviderID  *string
	IsOwner     *bool
}

type Post struct {
	ID         string
	Slug       string
	Title      string
	Summary    string
	Content    string
	AuthorName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Comment struct {
	ID         string
	PostID     string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

type Like struct {
	PostID      string
	UserKey     string
	DisplayName string
	CreatedAt   time.Time
}

type Asset struct {
	ID          string
	PostID      string
	ObjectKey   string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// RevisionInfo describes one commit in a post's content history.
type RevisionInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
