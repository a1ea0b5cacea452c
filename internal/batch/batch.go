// Package batch reads batch description files and turns them into tasks.
package batch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"profile-robot/internal/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoTasks is returned for a batch that produces no work.
var ErrNoTasks = errors.New("batch contains no tasks")

// ImageList accepts either a JSON array of paths or a single comma separated
// string in which each path may be wrapped in single quotes.
type ImageList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *ImageList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = ImageList(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("images must be a list or a comma separated string: %w", err)
	}
	*l = ParseImageList(s)
	return nil
}

// ParseImageList splits "'a.jpg', 'b.jpg'" into its paths.
func ParseImageList(s string) ImageList {
	var out ImageList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if len(part) >= 2 && strings.HasPrefix(part, "'") && strings.HasSuffix(part, "'") {
			part = part[1 : len(part)-1]
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ActionSpec is one action of a user.
type ActionSpec struct {
	Name        task.Kind `json:"action_name"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Images      ImageList `json:"images"`
}

// User is one profile and the actions to run on it.
type User struct {
	ID        task.UserID  `json:"id"`
	DesktopUA string       `json:"desktop_ua"`
	MobileUA  string       `json:"mobile_ua"`
	Actions   []ActionSpec `json:"actions"`
}

// File is the batch description document.
type File struct {
	Headless bool `json:"headless"`
	Mobile   bool `json:"mobile"`
	// Launch adds a launch task for every user before their actions.
	Launch bool   `json:"launch"`
	Users  []User `json:"users"`
}

// Decode reads a batch document.
func Decode(r io.Reader) (*File, error) {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("error decoding batch: %w", err)
	}
	return &f, nil
}

// Load reads the batch file at path and builds its tasks, placing each
// profile under userDataRoot.
func Load(path, userDataRoot string) ([]task.Task, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer fh.Close()

	f, err := Decode(fh)
	if err != nil {
		return nil, err
	}
	return f.Tasks(userDataRoot)
}

// Tasks builds the tasks of the batch in action-index-major order: the
// first action of every user, then the second action of every user, and so
// on. Users with fewer actions simply drop out of the later rounds.
func (f *File) Tasks(userDataRoot string) ([]task.Task, error) {
	rounds := 0
	for _, u := range f.Users {
		rounds = max(rounds, len(u.Actions))
	}

	var tasks []task.Task
	if f.Launch {
		for _, u := range f.Users {
			t, err := f.build(u, ActionSpec{Name: task.KindLaunch}, userDataRoot)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	for i := 0; i < rounds; i++ {
		for _, u := range f.Users {
			if i >= len(u.Actions) {
				continue
			}
			t, err := f.build(u, u.Actions[i], userDataRoot)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}

	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	return tasks, nil
}

func (f *File) build(u User, a ActionSpec, userDataRoot string) (task.Task, error) {
	profile, err := ProfileDir(userDataRoot, u.ID)
	if err != nil {
		return task.Task{}, err
	}

	ua := u.DesktopUA
	if f.Mobile {
		ua = u.MobileUA
	}

	t := task.Task{
		UserID:  u.ID,
		Profile: profile,
		Identity: task.Identity{
			UserAgent: ua,
			Mobile:    f.Mobile,
			Headless:  f.Headless,
		},
		Action: task.Action{Kind: a.Name},
	}
	switch a.Name {
	case task.KindDiscussion, task.KindMarketplace:
		t.Action.Post = &task.Post{
			Title:       a.Title,
			Description: a.Description,
			Images:      []string(a.Images),
		}
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// ProfileDir returns the absolute browser profile directory of a user.
func ProfileDir(userDataRoot string, id task.UserID) (string, error) {
	if id == "" {
		return "", fmt.Errorf("user without id")
	}
	if strings.ContainsAny(string(id), `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid user id %q", id)
	}
	dir, err := filepath.Abs(filepath.Join(userDataRoot, string(id)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve profile dir for user %q: %w", id, err)
	}
	return dir, nil
}
