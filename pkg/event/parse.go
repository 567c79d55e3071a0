package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload indicates a payload missing required fields or with
	// ill-typed values.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupportedEvent indicates an event family the relay does not forward.
	ErrUnsupportedEvent = errors.New("unsupported event type")
)

// Parse decodes a raw webhook body of the given event type into its typed
// variant. A recognized family whose action the relay does not forward yields
// (nil, nil); callers treat that as a successful drop.
func Parse(eventType string, body []byte) (WebhookEvent, error) {
	switch eventType {
	case TypeIssueComment:
		return parseIssueComment(body)
	case TypePullRequestReviewComment:
		return parseReviewComment(body)
	case TypePullRequest:
		return parsePullRequest(body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
	}
}

func parseIssueComment(body []byte) (WebhookEvent, error) {
	var ev IssueComment
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if ev.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedPayload)
	}
	if !ev.Action.forwardable() {
		return nil, nil
	}
	if err := checkRepository(ev.Repository); err != nil {
		return nil, err
	}
	if ev.Issue.Number <= 0 {
		return nil, fmt.Errorf("%w: missing issue number", ErrMalformedPayload)
	}
	if ev.Comment.ID == 0 {
		return nil, fmt.Errorf("%w: missing comment", ErrMalformedPayload)
	}
	return ev, nil
}

func parseReviewComment(body []byte) (WebhookEvent, error) {
	var ev PullRequestReviewComment
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if ev.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedPayload)
	}
	if !ev.Action.forwardable() {
		return nil, nil
	}
	if err := checkRepository(ev.Repository); err != nil {
		return nil, err
	}
	if ev.PullRequest.Number <= 0 {
		return nil, fmt.Errorf("%w: missing pull request number", ErrMalformedPayload)
	}
	if ev.Comment.ID == 0 {
		return nil, fmt.Errorf("%w: missing comment", ErrMalformedPayload)
	}
	return ev, nil
}

func parsePullRequest(body []byte) (WebhookEvent, error) {
	var ev PullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if ev.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedPayload)
	}
	if !ev.Action.forwardable() {
		return nil, nil
	}
	if err := checkRepository(ev.Repository); err != nil {
		return nil, err
	}
	if ev.PullRequest.Number <= 0 {
		return nil, fmt.Errorf("%w: missing pull request number", ErrMalformedPayload)
	}
	return ev, nil
}

func checkRepository(repo Repository) error {
	if repo.Owner.Login == "" {
		return fmt.Errorf("%w: missing repository owner", ErrMalformedPayload)
	}
	if repo.Name == "" {
		return fmt.Errorf("%w: missing repository name", ErrMalformedPayload)
	}
	return nil
}

// Unmarshal decodes the outbound tagged encoding back into a typed variant.
// Clients use this to interpret the "event" field of a relayed message.
func Unmarshal(data []byte) (WebhookEvent, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	switch tag.Type {
	case TypeIssueComment:
		var ev IssueComment
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return ev, nil
	case TypePullRequestReviewComment:
		var ev PullRequestReviewComment
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return ev, nil
	case TypePullRequest:
		var ev PullRequestEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, tag.Type)
	}
}
