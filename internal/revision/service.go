// Package revision keeps a git-backed history of post content.
package revision

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"quill/api/internal/store"
)

// Service maintains a single repository whose worktree holds one
// markdown file per post under posts/.
type Service struct {
	baseDir string
	mu      sync.Mutex
}

// New opens the content repository at baseDir, initializing it with a
// baseline commit on main when it does not exist yet.
func New(baseDir string) (*Service, error) {
	s := &Service{baseDir: baseDir}

	if _, err := os.Stat(filepath.Join(baseDir, ".git")); err == nil {
		return s, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "posts"), 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(baseDir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(baseDir, "README.md"), []byte("# Content history\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write baseline file: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return nil, fmt.Errorf("git add baseline: %w", err)
	}
	hash, err := worktree.Commit("Initialize content history", &git.CommitOptions{
		Author: signature("quill"),
	})
	if err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return s, nil
}

// CommitPost records the post's current content as a new revision.
func (s *Service) CommitPost(slug, content, author, message string) (store.RevisionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	relPath := postPath(slug)
	if err := os.WriteFile(filepath.Join(s.baseDir, relPath), []byte(content), 0o644); err != nil {
		return store.RevisionInfo{}, fmt.Errorf("write post file: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return store.RevisionInfo{}, fmt.Errorf("git add post: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("commit post: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevisionInfo(commitObj), nil
}

// RemovePost deletes the post's file and records the deletion.
func (s *Service) RemovePost(slug, author, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	relPath := postPath(slug)
	if _, err := worktree.Remove(relPath); err != nil {
		// Never tracked; nothing to record.
		return nil
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	}); err != nil {
		return fmt.Errorf("commit removal: %w", err)
	}
	return nil
}

// History lists revisions that touched the post, newest first.
func (s *Service) History(slug string, limit int) ([]store.RevisionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	relPath := postPath(slug)
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &relPath})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.RevisionInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevisionInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the post's content as of a given revision.
func (s *Service) ContentAt(slug, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(postPath(slug))
	if err != nil {
		return "", fmt.Errorf("load post from commit: %w", err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read post contents: %w", err)
	}
	return content, nil
}

func postPath(slug string) string {
	return filepath.Join("posts", slug+".md")
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.quill.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toRevisionInfo(commitObj *object.Commit) store.RevisionInfo {
	return store.RevisionInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
