package app

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"quill/api/internal/auth"
	"quill/api/internal/authpw"
	"quill/api/internal/config"
	"quill/api/internal/rbac"
	"quill/api/internal/search"
	"quill/api/internal/store"
	"quill/api/internal/util"
)

// Session is the authenticated caller's view derived from an access token.
// UserKey is the stable key used for like uniqueness: the external
// provider id when linked, the user id otherwise.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	UserKey      string
	Owner        bool
	JTI          string
	ExpiresAt    time.Time
}

// Anonymous reports whether the session belongs to no signed-in user.
func (s Session) Anonymous() bool {
	return s.UserID == ""
}

// Level maps the session onto the authorization ladder.
func (s Session) Level() rbac.Level {
	switch {
	case s.Anonymous():
		return rbac.LevelAnonymous
	case s.Owner:
		return rbac.LevelOwner
	default:
		return rbac.LevelViewer
	}
}

type EnsureProfileInput struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	ProviderID  string `json:"providerId"`
}

type PostInput struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	PatchUserProfile(context.Context, string, store.ProfilePatch) error
	ClaimOwnerSentinel(context.Context) (bool, error)
	HasOtherOwner(context.Context, string) (bool, error)
	SetUserOwner(context.Context, string, bool) (bool, error)
	ListPosts(context.Context) ([]store.Post, error)
	GetPostBySlug(context.Context, string) (store.Post, error)
	InsertPost(context.Context, store.Post) (bool, error)
	UpdatePostBySlug(context.Context, string, string, string, string) (bool, error)
	DeletePostBySlug(context.Context, string) (bool, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	InsertComment(context.Context, store.Comment) error
	LikeCount(context.Context, string) (int, error)
	ToggleLike(context.Context, string, string, string) (bool, error)
	InsertAsset(context.Context, store.Asset) error
	ListPostAssets(context.Context, string) ([]store.Asset, error)
	GetAssetByKey(context.Context, string) (store.Asset, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type revisionService interface {
	CommitPost(slug, content, author, message string) (store.RevisionInfo, error)
	RemovePost(slug, author, message string) error
	History(slug string, limit int) ([]store.RevisionInfo, error)
	ContentAt(slug, hash string) (string, error)
}

type assetStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	revisions revisionService
	search    *search.Service
	assets    assetStore
	authpw    *authpw.Service
}

// New wires the service with the Postgres store doubling as session storage.
func New(cfg config.Config, dataStore *store.PostgresStore, revisions revisionService) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		revisions: revisions,
	}
}

// NewWithSessionStore wires the service with a dedicated session backend.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, revisions revisionService, sessions sessionStore) *Service {
	svc := New(cfg, dataStore, revisions)
	svc.sessions = sessions
	return svc
}

// SetSearch attaches the optional search facade.
func (s *Service) SetSearch(searchSvc *search.Service) {
	s.search = searchSvc
}

// SetAssets attaches the optional object storage backend for uploads.
func (s *Service) SetAssets(assets assetStore) {
	s.assets = assets
}

// SetAuthPassword attaches the email/password authentication service.
func (s *Service) SetAuthPassword(authSvc *authpw.Service) {
	s.authpw = authSvc
}

// AuthPasswordService returns the configured auth service, or nil.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateSession issues fresh access and refresh tokens for a user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	stub, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Re-read the user record so ownership granted or revoked after
	// sign-in takes effect on the next refresh.
	user, err := s.store.GetUserByID(ctx, stub.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  preferredName(user),
		Owner: user.Owner(),
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := "rft_" + util.NewSecret()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     preferredName(user),
		UserKey:      userKey(user),
		Owner:        user.Owner(),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  preferredName(user),
		UserKey:   userKey(user),
		Owner:     user.Owner(),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) requireAction(session Session, action rbac.Action) error {
	if rbac.Can(session.Level(), action) {
		return nil
	}
	if session.Anonymous() {
		return errNotSignedIn()
	}
	return errForbidden()
}

// Me returns the sanitized profile of the signed-in caller, or nil for
// an anonymous one.
func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	if session.Anonymous() {
		return nil, nil
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errProfileMissing()
		}
		return nil, err
	}
	return sanitizeUser(user), nil
}

// EnsureProfile is the bootstrap call every signed-in client makes.
// Identity fields are first-write-wins, last_seen always advances, and
// an undecided owner flag is settled by the one-time sentinel claim.
func (s *Service) EnsureProfile(ctx context.Context, session Session, input EnsureProfileInput) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionLinkProfile); err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errProfileMissing()
		}
		return nil, err
	}

	var patch store.ProfilePatch
	if user.Name == "" && strings.TrimSpace(input.Name) != "" {
		name := strings.TrimSpace(input.Name)
		patch.Name = &name
	}
	if user.Email == "" && strings.TrimSpace(input.Email) != "" {
		email := strings.TrimSpace(input.Email)
		patch.Email = &email
	}
	if user.ProviderID == "" && strings.TrimSpace(input.ProviderID) != "" {
		providerID := strings.TrimSpace(input.ProviderID)
		patch.ProviderID = &providerID
	}
	if user.DisplayName == "" {
		displayName := strings.TrimSpace(input.DisplayName)
		if displayName == "" {
			displayName = firstNonBlank(user.Name, strings.TrimSpace(input.Name))
		}
		if displayName != "" {
			patch.DisplayName = &displayName
		}
	}

	if user.IsOwner == nil {
		claimed, err := s.store.ClaimOwnerSentinel(ctx)
		if err != nil {
			return nil, err
		}
		patch.IsOwner = &claimed
	}

	if err := s.store.PatchUserProfile(ctx, user.ID, patch); err != nil {
		return nil, err
	}

	updated, err := s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(updated), nil
}

// SetOwner grants or revokes the owner flag on a user. The only guarded
// transition is an owner demoting themselves while no other owner exists.
func (s *Service) SetOwner(ctx context.Context, session Session, targetUserID string, isOwner bool) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionManageRoles); err != nil {
		return nil, err
	}

	if !isOwner && targetUserID == session.UserID {
		hasOther, err := s.store.HasOtherOwner(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		if !hasOther {
			return nil, errInvariantViolation("Cannot remove the last owner")
		}
	}

	found, err := s.store.SetUserOwner(ctx, targetUserID, isOwner)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFound("User not found")
	}

	updated, err := s.store.GetUserByID(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(updated), nil
}

func (s *Service) ListPosts(ctx context.Context) ([]map[string]any, error) {
	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		items = append(items, postView(post))
	}
	return items, nil
}

func (s *Service) GetPost(ctx context.Context, slug string) (map[string]any, error) {
	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return postView(post), nil
}

func (s *Service) CreatePost(ctx context.Context, session Session, input PostInput) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionPublish); err != nil {
		return nil, err
	}

	slug := strings.TrimSpace(input.Slug)
	title := strings.TrimSpace(input.Title)
	if slug == "" || title == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "slug and title are required", nil)
	}
	if !slugPattern.MatchString(slug) {
		return nil, domainError(422, "VALIDATION_ERROR", "slug must be lowercase words separated by hyphens", nil)
	}

	post := store.Post{
		ID:         util.NewID("post"),
		Slug:       slug,
		Title:      title,
		Summary:    strings.TrimSpace(input.Summary),
		Content:    input.Content,
		AuthorName: session.UserName,
	}
	inserted, err := s.store.InsertPost(ctx, post)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, errConflict("Slug already in use", map[string]any{"slug": slug})
	}

	if s.revisions != nil {
		if _, err := s.revisions.CommitPost(slug, post.Content, session.UserName, "Create "+slug); err != nil {
			return nil, fmt.Errorf("record revision: %w", err)
		}
	}
	s.indexPost(post)

	created, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return postView(created), nil
}

func (s *Service) UpdatePost(ctx context.Context, session Session, slug string, input PostInput) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionPublish); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}

	// The slug never changes; any slug in the body is ignored.
	found, err := s.store.UpdatePostBySlug(ctx, slug, title, strings.TrimSpace(input.Summary), input.Content)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFound("Post not found")
	}

	if s.revisions != nil {
		if _, err := s.revisions.CommitPost(slug, input.Content, session.UserName, "Update "+slug); err != nil {
			return nil, fmt.Errorf("record revision: %w", err)
		}
	}

	updated, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	s.indexPost(updated)
	return postView(updated), nil
}

func (s *Service) DeletePost(ctx context.Context, session Session, slug string) error {
	if err := s.requireAction(session, rbac.ActionPublish); err != nil {
		return err
	}

	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return errNotFound("Post not found")
		}
		return err
	}

	found, err := s.store.DeletePostBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if !found {
		return errNotFound("Post not found")
	}

	if s.revisions != nil {
		if err := s.revisions.RemovePost(slug, session.UserName, "Delete "+slug); err != nil {
			return fmt.Errorf("record removal: %w", err)
		}
	}
	if s.search != nil {
		s.search.DeletePost(post.ID)
	}
	return nil
}

// GetPostActivity returns the post's comments (newest first) and like count.
func (s *Service) GetPostActivity(ctx context.Context, slug string) (map[string]any, error) {
	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	comments, err := s.store.ListComments(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	likeCount, err := s.store.LikeCount(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	commentItems := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		commentItems = append(commentItems, map[string]any{
			"id":         comment.ID,
			"authorName": comment.AuthorName,
			"body":       comment.Body,
			"createdAt":  comment.CreatedAt,
		})
	}

	return map[string]any{
		"post":      postView(post),
		"comments":  commentItems,
		"likeCount": likeCount,
	}, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, slug, body string) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionComment); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "comment body is required", nil)
	}

	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}

	comment := store.Comment{
		ID:         util.NewID("cmt"),
		PostID:     post.ID,
		AuthorName: session.UserName,
		Body:       body,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":         comment.ID,
		"authorName": comment.AuthorName,
		"body":       comment.Body,
	}, nil
}

// ToggleLike flips the caller's like on a post and reports the new state.
func (s *Service) ToggleLike(ctx context.Context, session Session, slug string) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionLike); err != nil {
		return nil, err
	}

	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}

	liked, err := s.store.ToggleLike(ctx, post.ID, session.UserKey, session.UserName)
	if err != nil {
		return nil, err
	}
	likeCount, err := s.store.LikeCount(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"liked":     liked,
		"likeCount": likeCount,
	}, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// PostRevisions lists the post's content history, newest first.
func (s *Service) PostRevisions(ctx context.Context, session Session, slug string, limit int) ([]map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionPublish); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return []map[string]any{}, nil
	}

	if _, err := s.store.GetPostBySlug(ctx, slug); err != nil {
		if store.IsNotFound(err) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}

	revisions, err := s.revisions.History(slug, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"hash":      rev.Hash,
			"message":   strings.TrimSpace(rev.Message),
			"author":    rev.Author,
			"createdAt": rev.CreatedAt,
		})
	}
	return items, nil
}

// PostRevisionContent returns the post's content as of a single revision.
func (s *Service) PostRevisionContent(ctx context.Context, session Session, slug, hash string) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionPublish); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return nil, errNotFound("Revision not found")
	}

	if _, err := s.store.GetPostBySlug(ctx, slug); err != nil {
		if store.IsNotFound(err) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}

	content, err := s.revisions.ContentAt(slug, hash)
	if err != nil {
		return nil, errNotFound("Revision not found")
	}
	return map[string]any{
		"slug":    slug,
		"hash":    hash,
		"content": content,
	}, nil
}

// UploadAsset stores an attachment for a post and records its metadata.
func (s *Service) UploadAsset(ctx context.Context, session Session, slug, filename, contentType string, r io.Reader, size int64) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionPublish); err != nil {
		return nil, err
	}
	if s.assets == nil {
		return nil, domainError(503, "ASSETS_UNAVAILABLE", "Asset storage not configured", nil)
	}

	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}

	asset := store.Asset{
		ID:          util.NewID("ast"),
		PostID:      post.ID,
		ObjectKey:   post.Slug + "/" + util.ShortID() + "-" + sanitizeFilename(filename),
		ContentType: contentType,
		Size:        size,
	}
	if err := s.assets.Put(ctx, asset.ObjectKey, r, size, contentType); err != nil {
		return nil, fmt.Errorf("store asset: %w", err)
	}
	if err := s.store.InsertAsset(ctx, asset); err != nil {
		_ = s.assets.Delete(ctx, asset.ObjectKey)
		return nil, err
	}

	return map[string]any{
		"id":          asset.ID,
		"key":         asset.ObjectKey,
		"contentType": asset.ContentType,
		"size":        asset.Size,
	}, nil
}

// OpenAsset returns the asset's metadata and a reader over its bytes.
func (s *Service) OpenAsset(ctx context.Context, key string) (store.Asset, io.ReadCloser, error) {
	if s.assets == nil {
		return store.Asset{}, nil, domainError(503, "ASSETS_UNAVAILABLE", "Asset storage not configured", nil)
	}
	asset, err := s.store.GetAssetByKey(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Asset{}, nil, errNotFound("Asset not found")
		}
		return store.Asset{}, nil, err
	}
	reader, err := s.assets.Get(ctx, asset.ObjectKey)
	if err != nil {
		return store.Asset{}, nil, fmt.Errorf("open asset: %w", err)
	}
	return asset, reader, nil
}

// ListPostAssets lists the attachments recorded for a post.
func (s *Service) ListPostAssets(ctx context.Context, slug string) ([]map[string]any, error) {
	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	assets, err := s.store.ListPostAssets(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(assets))
	for _, asset := range assets {
		items = append(items, map[string]any{
			"id":          asset.ID,
			"key":         asset.ObjectKey,
			"contentType": asset.ContentType,
			"size":        asset.Size,
			"createdAt":   asset.CreatedAt,
		})
	}
	return items, nil
}

func sanitizeFilename(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			out = append(out, r)
			continue
		}
		out = append(out, '-')
	}
	if len(out) == 0 {
		return "upload"
	}
	return string(out)
}

func (s *Service) indexPost(post store.Post) {
	if s.search == nil {
		return
	}
	s.search.IndexPost(search.PostRecord{
		ID:      post.ID,
		Slug:    post.Slug,
		Title:   post.Title,
		Summary: post.Summary,
		Content: post.Content,
	})
}

func postView(post store.Post) map[string]any {
	return map[string]any{
		"id":         post.ID,
		"slug":       post.Slug,
		"title":      post.Title,
		"summary":    post.Summary,
		"content":    post.Content,
		"authorName": post.AuthorName,
		"createdAt":  post.CreatedAt,
		"updatedAt":  post.UpdatedAt,
	}
}

// sanitizeUser strips credentials and verification state from a user record.
func sanitizeUser(user store.User) map[string]any {
	view := map[string]any{
		"id":          user.ID,
		"name":        nilIfBlank(preferredName(user)),
		"displayName": nilIfBlank(user.DisplayName),
		"email":       nilIfBlank(user.Email),
		"providerId":  nilIfBlank(user.ProviderID),
		"isOwner":     user.Owner(),
	}
	if user.LastSeen != nil {
		view["lastSeen"] = *user.LastSeen
	} else {
		view["lastSeen"] = nil
	}
	return view
}

func preferredName(user store.User) string {
	return firstNonBlank(user.DisplayName, user.Name, user.Email)
}

func userKey(user store.User) string {
	return firstNonBlank(user.ProviderID, user.ID)
}

func nilIfBlank(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
