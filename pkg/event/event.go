package event

import (
	"encoding/json"
	"time"
)

// Event type names as they appear both in the X-GitHub-Event header and in the
// "type" tag of the outbound encoding.
const (
	TypeIssueComment             = "issue_comment"
	TypePullRequestReviewComment = "pull_request_review_comment"
	TypePullRequest              = "pull_request"
)

// CommentAction is the subset of comment actions the relay forwards.
type CommentAction string

// Comment actions.
const (
	CommentCreated CommentAction = "created"
	CommentEdited  CommentAction = "edited"
	CommentDeleted CommentAction = "deleted"
)

func (a CommentAction) forwardable() bool {
	switch a {
	case CommentCreated, CommentEdited, CommentDeleted:
		return true
	default:
		return false
	}
}

// PrAction is the subset of pull request actions the relay forwards.
type PrAction string

// Pull request actions.
const (
	PrOpened          PrAction = "opened"
	PrEdited          PrAction = "edited"
	PrClosed          PrAction = "closed"
	PrReopened        PrAction = "reopened"
	PrSynchronize     PrAction = "synchronize"
	PrReviewRequested PrAction = "review_requested"
	PrReadyForReview  PrAction = "ready_for_review"
)

func (a PrAction) forwardable() bool {
	switch a {
	case PrOpened, PrEdited, PrClosed, PrReopened, PrSynchronize, PrReviewRequested, PrReadyForReview:
		return true
	default:
		return false
	}
}

// User is the author of a comment or the owner of a repository.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

// Comment is a top-level PR conversation comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReviewComment is a diff-anchored review comment. Line and OriginalLine
// locate the comment on the new and old side of the diff respectively; at
// least one is set by the forge.
type ReviewComment struct {
	ID               int64     `json:"id"`
	Body             string    `json:"body"`
	Path             string    `json:"path"`
	CommitID         string    `json:"commit_id"`
	OriginalCommitID string    `json:"original_commit_id"`
	Line             *int      `json:"line"`
	OriginalLine     *int      `json:"original_line"`
	Side             *string   `json:"side"`
	User             User      `json:"user"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	InReplyToID      *int64    `json:"in_reply_to_id,omitempty"`
}

// Issue carries the fields of the issue an issue_comment event refers to.
// For comments on pull requests the forge sets the pull_request field; it is
// passed through opaquely.
type Issue struct {
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	State       string          `json:"state"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
}

// PullRequest carries the pull request fields the relay forwards.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Head   Ref    `json:"head"`
	Base   Ref    `json:"base"`
}

// Ref is a branch head reference.
type Ref struct {
	Name string `json:"ref"`
	SHA  string `json:"sha"`
}

// Repository identifies the repository an event belongs to.
type Repository struct {
	Name     string `json:"name"`
	Owner    User   `json:"owner"`
	FullName string `json:"full_name"`
}

// WebhookEvent is the tagged union of the three event families the relay
// forwards. The concrete types are IssueComment, PullRequestReviewComment,
// and PullRequestEvent; switch on them exhaustively.
type WebhookEvent interface {
	// Kind returns the event family tag ("issue_comment", ...).
	Kind() string
	// Key returns the PR key the event belongs to.
	Key() PrKey
}

// IssueComment is a comment on the PR conversation thread.
type IssueComment struct {
	Action     CommentAction `json:"action"`
	Comment    Comment       `json:"comment"`
	Issue      Issue         `json:"issue"`
	Repository Repository    `json:"repository"`
}

// Kind implements WebhookEvent.
func (IssueComment) Kind() string { return TypeIssueComment }

// Key implements WebhookEvent.
func (e IssueComment) Key() PrKey {
	return PrKey{Owner: e.Repository.Owner.Login, Repo: e.Repository.Name, Number: e.Issue.Number}
}

// MarshalJSON injects the family tag into the encoded object.
func (e IssueComment) MarshalJSON() ([]byte, error) {
	type alias IssueComment
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: TypeIssueComment, alias: alias(e)})
}

// PullRequestReviewComment is a diff-anchored comment on a PR review.
type PullRequestReviewComment struct {
	Action      CommentAction `json:"action"`
	Comment     ReviewComment `json:"comment"`
	PullRequest PullRequest   `json:"pull_request"`
	Repository  Repository    `json:"repository"`
}

// Kind implements WebhookEvent.
func (PullRequestReviewComment) Kind() string { return TypePullRequestReviewComment }

// Key implements WebhookEvent.
func (e PullRequestReviewComment) Key() PrKey {
	return PrKey{Owner: e.Repository.Owner.Login, Repo: e.Repository.Name, Number: e.PullRequest.Number}
}

// MarshalJSON injects the family tag into the encoded object.
func (e PullRequestReviewComment) MarshalJSON() ([]byte, error) {
	type alias PullRequestReviewComment
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: TypePullRequestReviewComment, alias: alias(e)})
}

// PullRequestEvent is a lifecycle change on the pull request itself.
type PullRequestEvent struct {
	Action      PrAction    `json:"action"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
}

// Kind implements WebhookEvent.
func (PullRequestEvent) Kind() string { return TypePullRequest }

// Key implements WebhookEvent.
func (e PullRequestEvent) Key() PrKey {
	return PrKey{Owner: e.Repository.Owner.Login, Repo: e.Repository.Name, Number: e.PullRequest.Number}
}

// MarshalJSON injects the family tag into the encoded object.
func (e PullRequestEvent) MarshalJSON() ([]byte, error) {
	type alias PullRequestEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: TypePullRequest, alias: alias(e)})
}
