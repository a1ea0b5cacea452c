package executor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"profile-robot/internal/browser"
	"profile-robot/internal/task"
)

// Selectors shared by the default forms.
const (
	SelectorMain    = "div[role='main']"
	SelectorTextbox = "[role='textbox']"
	SelectorLoading = "div[role='status'][data-visualcompletion='loading-state']"
)

// Action performs one kind of task on an open session.
type Action interface {
	Run(ctx context.Context, s browser.Session, t task.Task) error
}

// Form describes where a posting action types and clicks.
type Form struct {
	URL string
	// Opener is clicked to reveal the form; empty when the page shows the
	// form directly.
	Opener string
	// Container must become visible before typing starts.
	Container string
	// TitleField may be empty, in which case the title is typed as the first
	// line of the body.
	TitleField string
	BodyField  string
	FileInput  string
	Submit     string
	// Done must disappear once the post has been accepted.
	Done    string
	Loading string
}

// DiscussionForm is the group composer dialog.
func DiscussionForm(url string) Form {
	dialog := "[aria-label='create post' i][role='dialog']"
	return Form{
		URL:       url,
		Opener:    SelectorMain + " [aria-label='create post' i][role='button']",
		Container: dialog,
		BodyField: dialog + " " + SelectorTextbox,
		FileInput: dialog + " input[type='file']",
		Submit:    dialog + " [aria-label='post' i][role='button']",
		Done:      dialog,
		Loading:   dialog + " " + SelectorLoading,
	}
}

// MarketplaceForm is the marketplace item page.
func MarketplaceForm(url string) Form {
	return Form{
		URL:        url,
		Container:  SelectorMain,
		TitleField: SelectorMain + " label[aria-label='title' i] input",
		BodyField:  SelectorMain + " label[aria-label='description' i] textarea",
		FileInput:  SelectorMain + " input[type='file'][accept*='image']",
		Submit:     SelectorMain + " [aria-label='publish' i][role='button']",
		Done:       SelectorMain + " [aria-label='publish' i][role='button']",
		Loading:    SelectorMain + " " + SelectorLoading,
	}
}

// Timing bounds the waits of an action.
type Timing struct {
	Step           time.Duration
	Navigation     time.Duration
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
}

// step runs fn under its own deadline. Running out of time is reported as a
// TimeoutError, while cancellation of ctx passes through unchanged.
func step(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(stepCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stepCtx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Step: name}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// LaunchAction opens the profile and waits for the user to close it.
type LaunchAction struct{}

func (LaunchAction) Run(ctx context.Context, s browser.Session, t task.Task) error {
	return s.WaitClosed(ctx)
}

// PostAction fills and submits a Form.
type PostAction struct {
	Form   Form
	Timing Timing
}

func (a *PostAction) Run(ctx context.Context, s browser.Session, t task.Task) error {
	post := t.Action.Post
	if post == nil {
		return fmt.Errorf("%s action without post content", t.Action.Kind)
	}
	f, tm := a.Form, a.Timing

	if err := step(ctx, "navigate", tm.Navigation, func(ctx context.Context) error {
		return s.Navigate(ctx, f.URL)
	}); err != nil {
		return err
	}
	if f.Opener != "" {
		if err := step(ctx, "open composer", tm.Step, func(ctx context.Context) error {
			return s.Click(ctx, f.Opener)
		}); err != nil {
			return err
		}
	}
	if err := step(ctx, "wait for composer", tm.Step, func(ctx context.Context) error {
		if err := s.WaitVisible(ctx, f.Container); err != nil {
			return err
		}
		return s.WaitGone(ctx, f.Loading)
	}); err != nil {
		return err
	}

	body := post.Description
	if f.TitleField == "" {
		if post.Title != "" {
			body = post.Title + "\n" + post.Description
		}
	} else if err := a.fill(ctx, s, "type title", f.TitleField, post.Title); err != nil {
		return err
	}
	if err := a.fill(ctx, s, "type description", f.BodyField, body); err != nil {
		return err
	}

	for i, img := range post.Images {
		if err := step(ctx, fmt.Sprintf("attach image %d", i+1), tm.Step, func(ctx context.Context) error {
			if err := s.SetFiles(ctx, f.FileInput, []string{img}); err != nil {
				return err
			}
			return s.WaitGone(ctx, f.Loading)
		}); err != nil {
			return err
		}
	}

	if err := step(ctx, "submit", tm.Step, func(ctx context.Context) error {
		return s.Click(ctx, f.Submit)
	}); err != nil {
		return err
	}
	return step(ctx, "wait for publish", tm.Navigation, func(ctx context.Context) error {
		return s.WaitGone(ctx, f.Done)
	})
}

func (a *PostAction) fill(ctx context.Context, s browser.Session, name, selector, text string) error {
	if text == "" {
		return nil
	}
	if err := step(ctx, name, a.Timing.Step, func(ctx context.Context) error {
		return s.Focus(ctx, selector)
	}); err != nil {
		return err
	}
	// Each character gets its own step limit.
	for _, r := range text {
		if err := step(ctx, name, a.Timing.Step, func(ctx context.Context) error {
			return s.InsertText(ctx, string(r))
		}); err != nil {
			return err
		}
		if err := sleep(ctx, a.Timing.typingDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (tm Timing) typingDelay() time.Duration {
	if tm.TypingDelayMax <= tm.TypingDelayMin {
		return tm.TypingDelayMin
	}
	return tm.TypingDelayMin + time.Duration(rand.Int63n(int64(tm.TypingDelayMax-tm.TypingDelayMin)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// checkImages reports the first attachment that does not exist.
func checkImages(p *task.Post) error {
	if p == nil {
		return nil
	}
	for _, img := range p.Images {
		if _, err := os.Stat(img); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingImage, img)
		}
	}
	return nil
}
