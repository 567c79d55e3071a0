package event

import (
	"encoding/json"
	"errors"
	"testing"
)

const reviewCommentPayload = `{
	"action": "created",
	"comment": {
		"id": 42,
		"body": "LGTM",
		"path": "src/main.go",
		"commit_id": "abc123",
		"original_commit_id": "abc123",
		"line": 10,
		"original_line": null,
		"side": "RIGHT",
		"user": {"id": 1, "login": "alice", "avatar_url": "", "html_url": ""},
		"created_at": "2024-01-15T10:30:00Z",
		"updated_at": "2024-01-15T10:30:00Z"
	},
	"pull_request": {
		"number": 7,
		"title": "Add feature",
		"state": "open",
		"head": {"ref": "feature", "sha": "abc123"},
		"base": {"ref": "main", "sha": "def456"}
	},
	"repository": {
		"name": "hi",
		"owner": {"id": 2, "login": "octo", "avatar_url": "", "html_url": ""},
		"full_name": "octo/hi"
	}
}`

const issueCommentPayload = `{
	"action": "created",
	"comment": {
		"id": 99,
		"body": "looks good",
		"user": {"id": 1, "login": "alice", "avatar_url": "", "html_url": ""},
		"created_at": "2024-01-15T10:30:00Z",
		"updated_at": "2024-01-15T10:30:00Z"
	},
	"issue": {
		"number": 7,
		"title": "Add feature",
		"state": "open",
		"pull_request": {"url": "https://api.github.com/repos/octo/hi/pulls/7"}
	},
	"repository": {
		"name": "hi",
		"owner": {"id": 2, "login": "octo", "avatar_url": "", "html_url": ""},
		"full_name": "octo/hi"
	}
}`

const pullRequestPayload = `{
	"action": "opened",
	"pull_request": {
		"number": 7,
		"title": "Add feature",
		"state": "open",
		"head": {"ref": "feature", "sha": "abc123"},
		"base": {"ref": "main", "sha": "def456"}
	},
	"repository": {
		"name": "hi",
		"owner": {"id": 2, "login": "octo", "avatar_url": "", "html_url": ""},
		"full_name": "octo/hi"
	}
}`

func TestParseReviewComment(t *testing.T) {
	ev, err := Parse(TypePullRequestReviewComment, []byte(reviewCommentPayload))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	rc, ok := ev.(PullRequestReviewComment)
	if !ok {
		t.Fatalf("Parse() returned %T, want PullRequestReviewComment", ev)
	}
	if rc.Action != CommentCreated {
		t.Errorf("action = %q, want created", rc.Action)
	}
	if rc.Comment.Body != "LGTM" {
		t.Errorf("comment body = %q, want LGTM", rc.Comment.Body)
	}
	if rc.Comment.Path != "src/main.go" {
		t.Errorf("comment path = %q", rc.Comment.Path)
	}
	if rc.Comment.Line == nil || *rc.Comment.Line != 10 {
		t.Errorf("comment line = %v, want 10", rc.Comment.Line)
	}
	want := PrKey{Owner: "octo", Repo: "hi", Number: 7}
	if ev.Key() != want {
		t.Errorf("Key() = %v, want %v", ev.Key(), want)
	}
}

func TestParseIssueComment(t *testing.T) {
	ev, err := Parse(TypeIssueComment, []byte(issueCommentPayload))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	ic, ok := ev.(IssueComment)
	if !ok {
		t.Fatalf("Parse() returned %T, want IssueComment", ev)
	}
	if ic.Comment.User.Login != "alice" {
		t.Errorf("comment author = %q, want alice", ic.Comment.User.Login)
	}
	want := PrKey{Owner: "octo", Repo: "hi", Number: 7}
	if ev.Key() != want {
		t.Errorf("Key() = %v, want %v", ev.Key(), want)
	}
}

func TestParsePullRequest(t *testing.T) {
	ev, err := Parse(TypePullRequest, []byte(pullRequestPayload))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	pr, ok := ev.(PullRequestEvent)
	if !ok {
		t.Fatalf("Parse() returned %T, want PullRequestEvent", ev)
	}
	if pr.Action != PrOpened {
		t.Errorf("action = %q, want opened", pr.Action)
	}
	if pr.PullRequest.Head.Name != "feature" {
		t.Errorf("head ref = %q, want feature", pr.PullRequest.Head.Name)
	}
}

func TestParseUnsupportedAction(t *testing.T) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(pullRequestPayload), &payload); err != nil {
		t.Fatal(err)
	}
	payload["action"] = "labeled"
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	ev, err := Parse(TypePullRequest, body)
	if err != nil {
		t.Fatalf("unsupported action should not error, got %v", err)
	}
	if ev != nil {
		t.Errorf("unsupported action should yield a nil event, got %T", ev)
	}
}

func TestParseForwardablePrActions(t *testing.T) {
	for _, action := range []string{"opened", "edited", "closed", "reopened", "synchronize", "review_requested", "ready_for_review"} {
		var payload map[string]any
		if err := json.Unmarshal([]byte(pullRequestPayload), &payload); err != nil {
			t.Fatal(err)
		}
		payload["action"] = action
		body, _ := json.Marshal(payload)

		ev, err := Parse(TypePullRequest, body)
		if err != nil {
			t.Errorf("action %q: unexpected error %v", action, err)
		}
		if ev == nil {
			t.Errorf("action %q should be forwarded", action)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		body      string
	}{
		{"not json", TypePullRequest, `{`},
		{"missing action", TypePullRequest, `{"pull_request": {"number": 7}, "repository": {"name": "hi", "owner": {"login": "octo"}}}`},
		{"missing repository owner", TypePullRequest, `{"action": "opened", "pull_request": {"number": 7}, "repository": {"name": "hi"}}`},
		{"missing pr number", TypePullRequest, `{"action": "opened", "pull_request": {}, "repository": {"name": "hi", "owner": {"login": "octo"}}}`},
		{"missing issue number", TypeIssueComment, `{"action": "created", "comment": {"id": 1}, "issue": {}, "repository": {"name": "hi", "owner": {"login": "octo"}}}`},
		{"missing comment", TypeIssueComment, `{"action": "created", "issue": {"number": 7}, "repository": {"name": "hi", "owner": {"login": "octo"}}}`},
		{"ill-typed number", TypePullRequest, `{"action": "opened", "pull_request": {"number": "seven"}, "repository": {"name": "hi", "owner": {"login": "octo"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.eventType, []byte(tt.body))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Parse() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestParseUnsupportedEventType(t *testing.T) {
	_, err := Parse("workflow_run", []byte(`{}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Errorf("Parse() error = %v, want ErrUnsupportedEvent", err)
	}
}

func TestMarshalCarriesTypeTag(t *testing.T) {
	ev, err := Parse(TypePullRequestReviewComment, []byte(reviewCommentPayload))
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != TypePullRequestReviewComment {
		t.Errorf("type tag = %v, want %q", decoded["type"], TypePullRequestReviewComment)
	}

	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if back.Key() != ev.Key() {
		t.Errorf("round-trip key = %v, want %v", back.Key(), ev.Key())
	}
	rc := back.(PullRequestReviewComment)
	if rc.Comment.Body != "LGTM" {
		t.Errorf("round-trip body = %q, want LGTM", rc.Comment.Body)
	}
}
