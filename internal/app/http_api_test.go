package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
}

func (c *apiClient) do(method, path, token string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.server.URL+path, reader)
	if err != nil {
		c.t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.server.Client().Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, payload
}

func (c *apiClient) expect(method, path, token string, body any, wantStatus int) map[string]any {
	c.t.Helper()
	status, payload := c.do(method, path, token, body)
	if status != wantStatus {
		c.t.Fatalf("%s %s: status = %d, want %d (payload %v)", method, path, status, wantStatus, payload)
	}
	return payload
}

func TestAPIEndToEnd(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	svc := newTestService(fake)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()
	client := &apiClient{t: t, server: server}

	fake.addUser("usr_ada", "Ada", "ada@example.com", "gh:1001")
	fake.addUser("usr_grace", "Grace", "grace@example.com", "gh:1002")
	adaSession, err := svc.CreateSession(ctx, "usr_ada")
	if err != nil {
		t.Fatal(err)
	}
	graceSession, err := svc.CreateSession(ctx, "usr_grace")
	if err != nil {
		t.Fatal(err)
	}

	// Anonymous reads work, anonymous writes do not.
	payload := client.expect(http.MethodGet, "/api/posts", "", nil, http.StatusOK)
	if posts := payload["posts"].([]any); len(posts) != 0 {
		t.Fatalf("expected empty blog, got %v", posts)
	}
	payload = client.expect(http.MethodPost, "/api/posts", "", map[string]any{"slug": "nope", "title": "Nope"}, http.StatusUnauthorized)
	if payload["code"] != "NOT_SIGNED_IN" {
		t.Fatalf("anonymous publish: code = %v", payload["code"])
	}
	payload = client.expect(http.MethodGet, "/api/me", "", nil, http.StatusOK)
	if payload["user"] != nil {
		t.Fatalf("anonymous /api/me: user = %v", payload["user"])
	}

	// Ada bootstraps first and becomes the owner; Grace stays a viewer.
	payload = client.expect(http.MethodPost, "/api/profile/ensure", adaSession.Token, map[string]any{"name": "Ada"}, http.StatusOK)
	if payload["user"].(map[string]any)["isOwner"] != true {
		t.Fatal("first bootstrapped user should be owner")
	}
	payload = client.expect(http.MethodPost, "/api/profile/ensure", graceSession.Token, map[string]any{"name": "Grace"}, http.StatusOK)
	if payload["user"].(map[string]any)["isOwner"] != false {
		t.Fatal("second bootstrapped user should not be owner")
	}

	// Rotating the refresh token re-reads the user, so the new session
	// carries the owner grant from the bootstrap above.
	adaSession, err = svc.Refresh(ctx, adaSession.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if !adaSession.Owner {
		t.Fatal("refreshed session should carry ownership")
	}

	// Publishing is owner-only.
	payload = client.expect(http.MethodPost, "/api/posts", graceSession.Token, map[string]any{"slug": "hi", "title": "Hi"}, http.StatusForbidden)
	if payload["code"] != "FORBIDDEN" {
		t.Fatalf("viewer publish: code = %v", payload["code"])
	}
	client.expect(http.MethodPost, "/api/posts", adaSession.Token,
		map[string]any{"slug": "hello-world", "title": "Hello, World", "content": "First post."}, http.StatusCreated)
	payload = client.expect(http.MethodPost, "/api/posts", adaSession.Token,
		map[string]any{"slug": "hello-world", "title": "Duplicate"}, http.StatusConflict)
	if payload["code"] != "CONFLICT" {
		t.Fatalf("duplicate slug: code = %v", payload["code"])
	}
	payload = client.expect(http.MethodPost, "/api/posts", adaSession.Token,
		map[string]any{"slug": "Bad Slug", "title": "Bad"}, http.StatusUnprocessableEntity)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("bad slug: code = %v", payload["code"])
	}

	// Everyone can read the post.
	payload = client.expect(http.MethodGet, "/api/posts/hello-world", "", nil, http.StatusOK)
	if payload["post"].(map[string]any)["title"] != "Hello, World" {
		t.Fatalf("unexpected post payload: %v", payload)
	}
	client.expect(http.MethodGet, "/api/posts/no-such-post", "", nil, http.StatusNotFound)

	// Grace can comment and like; anonymous visitors cannot.
	client.expect(http.MethodPost, "/api/posts/hello-world/comments", "", map[string]any{"body": "anon"}, http.StatusUnauthorized)
	payload = client.expect(http.MethodPost, "/api/posts/hello-world/comments", graceSession.Token,
		map[string]any{"body": "Nice post!"}, http.StatusCreated)
	if payload["comment"].(map[string]any)["authorName"] != "Grace" {
		t.Fatalf("unexpected comment payload: %v", payload)
	}

	payload = client.expect(http.MethodPost, "/api/posts/hello-world/like", graceSession.Token, nil, http.StatusOK)
	if payload["liked"] != true {
		t.Fatalf("first like: %v", payload)
	}
	payload = client.expect(http.MethodPost, "/api/posts/hello-world/like", graceSession.Token, nil, http.StatusOK)
	if payload["liked"] != false || payload["likeCount"] != float64(0) {
		t.Fatalf("second like should undo the first: %v", payload)
	}
	client.expect(http.MethodPost, "/api/posts/hello-world/like", graceSession.Token, nil, http.StatusOK)

	payload = client.expect(http.MethodGet, "/api/posts/hello-world/activity", "", nil, http.StatusOK)
	if payload["likeCount"] != float64(1) {
		t.Fatalf("activity likeCount = %v", payload["likeCount"])
	}
	comments := payload["comments"].([]any)
	if len(comments) != 1 || comments[0].(map[string]any)["body"] != "Nice post!" {
		t.Fatalf("activity comments = %v", comments)
	}

	// Editing and deleting stay owner-only, and edits cannot move the slug.
	payload = client.expect(http.MethodPut, "/api/posts/hello-world", adaSession.Token,
		map[string]any{"slug": "renamed", "title": "Hello again", "content": "Edited."}, http.StatusOK)
	if payload["post"].(map[string]any)["slug"] != "hello-world" {
		t.Fatal("slug must not change on update")
	}
	client.expect(http.MethodDelete, "/api/posts/hello-world", graceSession.Token, nil, http.StatusForbidden)

	// Revision history is owner-only.
	client.expect(http.MethodGet, "/api/posts/hello-world/revisions", graceSession.Token, nil, http.StatusForbidden)
	payload = client.expect(http.MethodGet, "/api/posts/hello-world/revisions", adaSession.Token, nil, http.StatusOK)
	revisions := payload["revisions"].([]any)
	if len(revisions) != 2 {
		t.Fatalf("expected create+update revisions, got %d", len(revisions))
	}
	if revisions[0].(map[string]any)["message"] != "Update hello-world" {
		t.Fatalf("newest revision should be the update: %v", revisions[0])
	}
	createHash := revisions[1].(map[string]any)["hash"].(string)
	payload = client.expect(http.MethodGet, "/api/posts/hello-world/revisions/"+createHash, adaSession.Token, nil, http.StatusOK)
	if payload["revision"].(map[string]any)["content"] != "First post." {
		t.Fatalf("revision content payload: %v", payload)
	}
	client.expect(http.MethodGet, "/api/posts/hello-world/revisions/"+createHash, graceSession.Token, nil, http.StatusForbidden)
	client.expect(http.MethodGet, "/api/posts/hello-world/revisions/ffffff0", adaSession.Token, nil, http.StatusNotFound)

	// Role management is owner-only and guards the last owner.
	client.expect(http.MethodPost, "/api/users/usr_ada/owner", graceSession.Token, map[string]any{"isOwner": false}, http.StatusForbidden)
	payload = client.expect(http.MethodPost, "/api/users/usr_ada/owner", adaSession.Token, map[string]any{"isOwner": false}, http.StatusUnprocessableEntity)
	if payload["code"] != "INVARIANT_VIOLATION" {
		t.Fatalf("last-owner self-demotion: code = %v", payload["code"])
	}
	payload = client.expect(http.MethodPost, "/api/users/usr_grace/owner", adaSession.Token, map[string]any{"isOwner": true}, http.StatusOK)
	if payload["user"].(map[string]any)["isOwner"] != true {
		t.Fatalf("promotion payload: %v", payload)
	}
	client.expect(http.MethodPost, "/api/users/usr_ada/owner", adaSession.Token, map[string]any{"isOwner": false}, http.StatusOK)

	client.expect(http.MethodDelete, "/api/posts/hello-world", adaSession.Token, nil, http.StatusForbidden)
}

func TestAPIHealthAndUnknownRoutes(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()
	client := &apiClient{t: t, server: server}

	payload := client.expect(http.MethodGet, "/api/health", "", nil, http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("health payload: %v", payload)
	}
	client.expect(http.MethodGet, "/api/ready", "", nil, http.StatusOK)

	payload = client.expect(http.MethodGet, "/api/nope", "", nil, http.StatusNotFound)
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("unknown route: %v", payload)
	}
}

func TestAPIPreflightHasNoBody(t *testing.T) {
	svc := newTestService(newFakeStore())
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/posts", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 {
		t.Fatalf("preflight must not carry a body, got %q", body)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestAPIRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	svc := newTestService(fake)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()
	client := &apiClient{t: t, server: server}

	fake.addUser("usr_ada", "Ada", "", "")
	session, err := svc.CreateSession(ctx, "usr_ada")
	if err != nil {
		t.Fatal(err)
	}

	payload := client.expect(http.MethodPost, "/api/profile/ensure", "garbage.token", nil, http.StatusUnauthorized)
	if payload["code"] != "NOT_SIGNED_IN" {
		t.Fatalf("garbage token: %v", payload)
	}

	if err := svc.Logout(ctx, session, session.RefreshToken); err != nil {
		t.Fatal(err)
	}
	status, _ := client.do(http.MethodPost, fmt.Sprintf("/api/users/%s/owner", "usr_ada"), session.Token, map[string]any{"isOwner": true})
	if status != http.StatusUnauthorized {
		t.Fatalf("revoked token: status = %d", status)
	}
}
