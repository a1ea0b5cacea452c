// Package task defines the units of work handled by the dispatcher.
package task

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

// UserID identifies the user a task belongs to. Input documents may carry it
// as a number or a string.
type UserID string

// UnmarshalJSON accepts both numeric and string ids.
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	if len(data) == 0 || (data[0] != '-' && (data[0] < '0' || data[0] > '9')) {
		return fmt.Errorf("user id must be a string or number, got %s", data)
	}
	var n jsoniter.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// Identity is how the browser presents itself for a user.
type Identity struct {
	UserAgent string `json:"user_agent"`
	Mobile    bool   `json:"mobile"`
	Headless  bool   `json:"headless"`
}

// Kind tags the action variant.
type Kind string

const (
	KindLaunch      Kind = "launch"
	KindDiscussion  Kind = "discussion"
	KindMarketplace Kind = "marketplace"
)

// Post is the payload of the posting actions.
type Post struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Images      []string `json:"images,omitempty"`
}

// Action is a tagged variant. Post is only meaningful for the posting kinds.
type Action struct {
	Kind Kind  `json:"action_name"`
	Post *Post `json:"post,omitempty"`
}

// Launch opens the profile and waits for the user to close it.
func Launch() Action {
	return Action{Kind: KindLaunch}
}

// Discussion publishes p to the discussion composer.
func Discussion(p Post) Action {
	return Action{Kind: KindDiscussion, Post: &p}
}

// Marketplace publishes p as a marketplace listing.
func Marketplace(p Post) Action {
	return Action{Kind: KindMarketplace, Post: &p}
}

func (a Action) String() string {
	if a.Kind == "" {
		return "<empty>"
	}
	return string(a.Kind)
}

// Task is one immutable (user, action) unit of work.
type Task struct {
	UserID   UserID   `json:"user_id" validate:"required"`
	Profile  string   `json:"profile" validate:"required"`
	Identity Identity `json:"identity"`
	Action   Action   `json:"action"`
}

// Validate checks the required fields. The action kind is not
// checked here; unknown kinds are rejected by the executor.
func (t Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid task for user %q: %w", t.UserID, err)
	}
	if (t.Action.Kind == KindDiscussion || t.Action.Kind == KindMarketplace) && t.Action.Post == nil {
		return fmt.Errorf("invalid task for user %q: %s action without post content", t.UserID, t.Action.Kind)
	}
	return nil
}

func (t Task) String() string {
	return "user " + string(t.UserID) + " " + t.Action.String()
}

// Envelope is a task plus the number of retries already spent on it.
type Envelope struct {
	Task    Task
	Retries int
}

// Outcome is the terminal state of one execution attempt.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Canceled:
		return "canceled"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// Result is what an execution attempt reports back.
type Result struct {
	Outcome Outcome
	Reason  string
	// Permanent marks a logical error in the caller's data that no retry
	// can fix.
	Permanent bool
	// ResourceFault marks the proxy token as the cause of the failure.
	ResourceFault bool
}

// Succeeded is the successful result.
func Succeeded() Result {
	return Result{Outcome: Success}
}

// Failed builds a retryable failure.
func Failed(format string, args ...interface{}) Result {
	return Result{Outcome: Failure, Reason: fmt.Sprintf(format, args...)}
}

// Interrupted builds a canceled result.
func Interrupted(reason string) Result {
	return Result{Outcome: Canceled, Reason: reason}
}

func (r Result) String() string {
	var b strings.Builder
	b.WriteString(r.Outcome.String())
	if r.Reason != "" {
		b.WriteString(": ")
		b.WriteString(r.Reason)
	}
	return b.String()
}
