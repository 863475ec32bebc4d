package revision

import (
	"strings"
	"sync"
	"testing"
)

func TestPostRevisionLifecycle(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rev, err := svc.CommitPost("hello-world", "# Hello\n\nFirst draft.\n", "Ada", "Create hello-world")
	if err != nil {
		t.Fatalf("CommitPost() error = %v", err)
	}
	if rev.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if rev.Author != "Ada" {
		t.Fatalf("unexpected author: %q", rev.Author)
	}

	rev2, err := svc.CommitPost("hello-world", "# Hello\n\nSecond draft.\n", "Ada", "Revise hello-world")
	if err != nil {
		t.Fatalf("CommitPost() second error = %v", err)
	}

	history, err := svc.History("hello-world", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if history[0].Hash != rev2.Hash {
		t.Fatalf("expected newest revision first, got %q", history[0].Hash)
	}

	content, err := svc.ContentAt("hello-world", rev.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if !strings.Contains(content, "First draft") {
		t.Fatalf("unexpected content at first revision: %q", content)
	}
}

func TestHistoryIsScopedToSlug(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.CommitPost("alpha", "alpha content\n", "Ada", "Create alpha"); err != nil {
		t.Fatalf("CommitPost(alpha) error = %v", err)
	}
	if _, err := svc.CommitPost("beta", "beta content\n", "Ada", "Create beta"); err != nil {
		t.Fatalf("CommitPost(beta) error = %v", err)
	}

	history, err := svc.History("alpha", 10)
	if err != nil {
		t.Fatalf("History(alpha) error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 revision for alpha, got %d", len(history))
	}
	if !strings.Contains(history[0].Message, "alpha") {
		t.Fatalf("unexpected message: %q", history[0].Message)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := svc.CommitPost("limited", strings.Repeat("x", i+1)+"\n", "Ada", "Revise limited"); err != nil {
			t.Fatalf("CommitPost() error = %v", err)
		}
	}

	history, err := svc.History("limited", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(history))
	}
}

func TestRemovePost(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.CommitPost("doomed", "short lived\n", "Ada", "Create doomed"); err != nil {
		t.Fatalf("CommitPost() error = %v", err)
	}
	if err := svc.RemovePost("doomed", "Ada", "Delete doomed"); err != nil {
		t.Fatalf("RemovePost() error = %v", err)
	}

	// Removing again is a no-op.
	if err := svc.RemovePost("doomed", "Ada", "Delete doomed again"); err != nil {
		t.Fatalf("RemovePost() second error = %v", err)
	}
}

func TestConcurrentCommits(t *testing.T) {
	svc, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := svc.CommitPost("racy", strings.Repeat("y", n+1)+"\n", "Ada", "Concurrent revise"); err != nil {
				t.Errorf("CommitPost() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := svc.History("racy", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected revisions after concurrent commits")
	}
}
