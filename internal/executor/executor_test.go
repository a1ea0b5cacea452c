package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profile-robot/internal/browser"
	"profile-robot/internal/proxy"
	"profile-robot/internal/task"
)

type fakeSession struct {
	mu     sync.Mutex
	calls  []string
	block  map[string]bool
	fail   map[string]error
	closed int
}

func newFakeSession() *fakeSession {
	return &fakeSession{block: map[string]bool{}, fail: map[string]error{}}
}

func (s *fakeSession) do(ctx context.Context, method, arg string) error {
	s.mu.Lock()
	s.calls = append(s.calls, method+" "+arg)
	block, err := s.block[method], s.fail[method]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	return s.do(ctx, "Navigate", url)
}
func (s *fakeSession) WaitVisible(ctx context.Context, sel string) error {
	return s.do(ctx, "WaitVisible", sel)
}
func (s *fakeSession) Click(ctx context.Context, sel string) error { return s.do(ctx, "Click", sel) }
func (s *fakeSession) Focus(ctx context.Context, sel string) error { return s.do(ctx, "Focus", sel) }
func (s *fakeSession) InsertText(ctx context.Context, text string) error {
	return s.do(ctx, "InsertText", text)
}
func (s *fakeSession) SetFiles(ctx context.Context, sel string, files []string) error {
	return s.do(ctx, "SetFiles", strings.Join(files, ","))
}
func (s *fakeSession) WaitGone(ctx context.Context, sel string) error {
	return s.do(ctx, "WaitGone", sel)
}
func (s *fakeSession) WaitClosed(ctx context.Context) error { return s.do(ctx, "WaitClosed", "") }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeEngine struct {
	session *fakeSession
	openErr error
	opened  []browser.Options
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Open(ctx context.Context, opts browser.Options) (browser.Session, error) {
	e.opened = append(e.opened, opts)
	if e.openErr != nil {
		return nil, e.openErr
	}
	return e.session, nil
}

type resolverFunc func(ctx context.Context, token string) (*proxy.Endpoint, error)

func (f resolverFunc) Resolve(ctx context.Context, token string) (*proxy.Endpoint, error) {
	return f(ctx, token)
}

type checkerFunc func(ctx context.Context, ep *proxy.Endpoint) error

func (f checkerFunc) Check(ctx context.Context, ep *proxy.Endpoint) error { return f(ctx, ep) }

var fastTiming = Timing{Step: time.Second, Navigation: time.Second}

func newTestExecutor(engine *fakeEngine, opts ...Option) *Executor {
	return New(Config{
		Timing:         fastTiming,
		ComposerURL:    "https://example.test/groups/feed/",
		MarketplaceURL: "https://example.test/marketplace/create",
	}, engine, opts...)
}

func postTask(kind task.Kind, p task.Post) task.Task {
	return task.Task{
		UserID:   "7",
		Profile:  "/udd/7",
		Identity: task.Identity{UserAgent: "UA-7"},
		Action:   task.Action{Kind: kind, Post: &p},
	}
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o600))
	return path
}

func TestDiscussionPostFlow(t *testing.T) {
	img1, img2 := writeImage(t, "1.jpg"), writeImage(t, "2.jpg")
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	res := exec.Execute(context.Background(), postTask(task.KindDiscussion, task.Post{
		Title:       "T",
		Description: "ab",
		Images:      []string{img1, img2},
	}), nil)
	require.Equal(t, task.Success, res.Outcome, res.String())

	form := DiscussionForm("https://example.test/groups/feed/")
	assert.Equal(t, []string{
		"Navigate https://example.test/groups/feed/",
		"Click " + form.Opener,
		"WaitVisible " + form.Container,
		"WaitGone " + form.Loading,
		"Focus " + form.BodyField,
		"InsertText T",
		"InsertText \n",
		"InsertText a",
		"InsertText b",
		"SetFiles " + img1,
		"WaitGone " + form.Loading,
		"SetFiles " + img2,
		"WaitGone " + form.Loading,
		"Click " + form.Submit,
		"WaitGone " + form.Done,
	}, engine.session.Calls())
	assert.Equal(t, 1, engine.session.closed)

	require.Len(t, engine.opened, 1)
	assert.Equal(t, "/udd/7", engine.opened[0].ProfileDir)
	assert.Equal(t, "UA-7", engine.opened[0].UserAgent)
	assert.Nil(t, engine.opened[0].Proxy)
}

func TestMarketplaceTypesTitleSeparately(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	res := exec.Execute(context.Background(), postTask(task.KindMarketplace, task.Post{Title: "B", Description: "r"}), nil)
	require.Equal(t, task.Success, res.Outcome, res.String())

	form := MarketplaceForm("https://example.test/marketplace/create")
	calls := engine.session.Calls()
	assert.Contains(t, calls, "Focus "+form.TitleField)
	assert.Contains(t, calls, "Focus "+form.BodyField)
	assert.NotContains(t, calls, "InsertText \n")
}

func TestLaunchWaitsForClose(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	tk := task.Task{UserID: "1", Profile: "/udd/1", Action: task.Launch()}
	res := exec.Execute(context.Background(), tk, nil)
	assert.Equal(t, task.Success, res.Outcome)
	assert.Equal(t, []string{"WaitClosed "}, engine.session.Calls())
	assert.NotEmpty(t, engine.opened[0].UserAgent, "a user agent is picked when none is given")
}

func TestUnknownActionIsPermanent(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	res := exec.Execute(context.Background(), task.Task{UserID: "1", Profile: "/udd/1", Action: task.Action{Kind: "dance"}}, nil)
	assert.Equal(t, task.Failure, res.Outcome)
	assert.True(t, res.Permanent)
	assert.Contains(t, res.Reason, ErrUnknownAction.Error())
	assert.Empty(t, engine.opened)
}

func TestMissingImageIsPermanent(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	missing := filepath.Join(t.TempDir(), "gone.jpg")
	res := exec.Execute(context.Background(), postTask(task.KindDiscussion, task.Post{Description: "x", Images: []string{missing}}), nil)
	assert.Equal(t, task.Failure, res.Outcome)
	assert.True(t, res.Permanent)
	assert.Contains(t, res.Reason, missing)
	assert.Empty(t, engine.opened)
}

func TestCanceledBeforeStart(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := exec.Execute(ctx, postTask(task.KindDiscussion, task.Post{Description: "x"}), nil)
	assert.Equal(t, task.Canceled, res.Outcome)
	assert.Empty(t, engine.opened)
}

func TestCanceledWhileRunning(t *testing.T) {
	session := newFakeSession()
	session.block["WaitClosed"] = true
	engine := &fakeEngine{session: session}
	exec := newTestExecutor(engine)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := exec.Execute(ctx, task.Task{UserID: "1", Profile: "/udd/1", Action: task.Launch()}, nil)
	assert.Equal(t, task.Canceled, res.Outcome)
	assert.Equal(t, 1, session.closed)
}

func TestStepTimeout(t *testing.T) {
	session := newFakeSession()
	session.block["WaitVisible"] = true
	engine := &fakeEngine{session: session}
	exec := New(Config{Timing: Timing{Step: 20 * time.Millisecond, Navigation: time.Second}}, engine)

	res := exec.Execute(context.Background(), postTask(task.KindDiscussion, task.Post{Description: "x"}), nil)
	assert.Equal(t, task.Failure, res.Outcome)
	assert.False(t, res.Permanent)
	assert.Equal(t, "timeout: wait for composer", res.Reason)
	assert.Equal(t, 1, session.closed)
}

func TestSessionErrorIsRetryable(t *testing.T) {
	session := newFakeSession()
	session.fail["Click"] = errors.New("node not found")
	engine := &fakeEngine{session: session}
	exec := newTestExecutor(engine)

	res := exec.Execute(context.Background(), postTask(task.KindDiscussion, task.Post{Description: "x"}), nil)
	assert.Equal(t, task.Failure, res.Outcome)
	assert.False(t, res.Permanent)
	assert.False(t, res.ResourceFault)
	assert.Contains(t, res.Reason, "open composer")
	assert.Contains(t, res.Reason, "node not found")
	assert.Equal(t, 1, session.closed)
}

func TestOpenFailure(t *testing.T) {
	engine := &fakeEngine{openErr: errors.New("profile locked")}
	exec := newTestExecutor(engine)

	res := exec.Execute(context.Background(), task.Task{UserID: "1", Profile: "/udd/1", Action: task.Launch()}, nil)
	assert.Equal(t, task.Failure, res.Outcome)
	assert.Contains(t, res.Reason, "profile locked")
}

type panicAction struct{}

func (panicAction) Run(context.Context, browser.Session, task.Task) error {
	panic("selector engine exploded")
}

func TestPanicBecomesFailure(t *testing.T) {
	session := newFakeSession()
	engine := &fakeEngine{session: session}
	exec := newTestExecutor(engine, WithAction(task.KindLaunch, panicAction{}))

	res := exec.Execute(context.Background(), task.Task{UserID: "1", Profile: "/udd/1", Action: task.Launch()}, nil)
	assert.Equal(t, task.Failure, res.Outcome)
	assert.Contains(t, res.Reason, "panic: selector engine exploded")
	assert.Equal(t, 1, session.closed)
}

func TestProxyTokenReachesBrowser(t *testing.T) {
	engine := &fakeEngine{session: newFakeSession()}
	exec := newTestExecutor(engine)

	token := "10.0.0.1:3128:bob:pw"
	res := exec.Execute(context.Background(), task.Task{UserID: "1", Profile: "/udd/1", Action: task.Launch()}, &token)
	require.Equal(t, task.Success, res.Outcome)
	require.NotNil(t, engine.opened[0].Proxy)
	assert.Equal(t, "10.0.0.1:3128", engine.opened[0].Proxy.Server())
	assert.Equal(t, "bob", engine.opened[0].Proxy.Username)
}

func TestProxyFailuresAreResourceFaults(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "resolve",
			opts: []Option{WithResolver(resolverFunc(func(context.Context, string) (*proxy.Endpoint, error) {
				return nil, proxy.ErrRotationRefused
			}))},
		},
		{
			name: "check",
			opts: []Option{WithChecker(checkerFunc(func(context.Context, *proxy.Endpoint) error {
				return errors.New("connection refused")
			}))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{session: newFakeSession()}
			exec := newTestExecutor(engine, tt.opts...)

			token := "10.0.0.1:3128"
			res := exec.Execute(context.Background(), task.Task{UserID: "1", Profile: "/udd/1", Action: task.Launch()}, &token)
			assert.Equal(t, task.Failure, res.Outcome)
			assert.True(t, res.ResourceFault)
			assert.False(t, res.Permanent)
			assert.Contains(t, res.Reason, tt.name)
			assert.NotContains(t, res.Reason, token, "the token is fingerprinted")
			assert.Empty(t, engine.opened)
		})
	}
}

func TestTypingDelay(t *testing.T) {
	tm := Timing{TypingDelayMin: 10 * time.Millisecond, TypingDelayMax: 20 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := tm.typingDelay()
		assert.GreaterOrEqual(t, d, tm.TypingDelayMin)
		assert.Less(t, d, tm.TypingDelayMax)
	}
	assert.Equal(t, 5*time.Millisecond, Timing{TypingDelayMin: 5 * time.Millisecond}.typingDelay())
}
