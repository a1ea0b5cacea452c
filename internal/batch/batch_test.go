package batch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profile-robot/internal/task"
)

const sampleBatch = `{
  "headless": true,
  "mobile": false,
  "users": [
    {
      "id": 1,
      "desktop_ua": "UA-desktop-1",
      "mobile_ua": "UA-mobile-1",
      "actions": [
        {"action_name": "discussion", "title": "", "description": "hello", "images": "'a.jpg', 'b.jpg'"},
        {"action_name": "marketplace", "title": "Bike", "description": "red", "images": ["c.jpg"]}
      ]
    },
    {
      "id": "2",
      "desktop_ua": "UA-desktop-2",
      "actions": [
        {"action_name": "discussion", "description": "hi"}
      ]
    },
    {
      "id": 3,
      "actions": [
        {"action_name": "discussion", "description": "one"},
        {"action_name": "discussion", "description": "two"},
        {"action_name": "discussion", "description": "three"}
      ]
    }
  ]
}`

func decodeSample(t *testing.T) *File {
	t.Helper()
	f, err := Decode(strings.NewReader(sampleBatch))
	require.NoError(t, err)
	return f
}

func describe(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.String()
	}
	return out
}

func TestTasksActionIndexMajorOrder(t *testing.T) {
	tasks, err := decodeSample(t).Tasks("/data/udd")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"user 1 discussion",
		"user 2 discussion",
		"user 3 discussion",
		"user 1 marketplace",
		"user 3 discussion",
		"user 3 discussion",
	}, describe(tasks))

	assert.Equal(t, "two", tasks[4].Action.Post.Description)
	assert.Equal(t, "three", tasks[5].Action.Post.Description)
}

func TestTasksCarryIdentityAndProfile(t *testing.T) {
	tasks, err := decodeSample(t).Tasks("/data/udd")
	require.NoError(t, err)

	first := tasks[0]
	assert.EqualValues(t, "1", first.UserID)
	assert.Equal(t, filepath.Join("/data/udd", "1"), first.Profile)
	assert.Equal(t, task.Identity{UserAgent: "UA-desktop-1", Headless: true}, first.Identity)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, first.Action.Post.Images)

	assert.Equal(t, []string{"c.jpg"}, tasks[3].Action.Post.Images)
	assert.Equal(t, "Bike", tasks[3].Action.Post.Title)
}

func TestTasksMobileUsesMobileAgent(t *testing.T) {
	f := decodeSample(t)
	f.Mobile = true
	tasks, err := f.Tasks("/data/udd")
	require.NoError(t, err)
	assert.Equal(t, "UA-mobile-1", tasks[0].Identity.UserAgent)
	assert.True(t, tasks[0].Identity.Mobile)
	// No mobile agent given; the executor picks one.
	assert.Empty(t, tasks[1].Identity.UserAgent)
}

func TestTasksLaunchFirst(t *testing.T) {
	f := decodeSample(t)
	f.Launch = true
	tasks, err := f.Tasks("/data/udd")
	require.NoError(t, err)
	require.Len(t, tasks, 9)
	assert.Equal(t, []string{"user 1 launch", "user 2 launch", "user 3 launch"}, describe(tasks[:3]))
	assert.Nil(t, tasks[0].Action.Post)
}

func TestTasksErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{name: "no users", doc: `{"users": []}`, want: ErrNoTasks},
		{name: "users without actions", doc: `{"users": [{"id": 1, "actions": []}]}`, want: ErrNoTasks},
		{name: "missing id", doc: `{"users": [{"actions": [{"action_name": "discussion"}]}]}`},
		{name: "path in id", doc: `{"users": [{"id": "../etc", "actions": [{"action_name": "discussion"}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(strings.NewReader(tt.doc))
			require.NoError(t, err)
			_, err = f.Tasks("/data/udd")
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, doc := range []string{
		`{"users": [`,
		`{"users": [{"id": {"x": 1}}]}`,
		`{"users": [{"id": 1, "actions": [{"action_name": "discussion", "images": 5}]}]}`,
	} {
		_, err := Decode(strings.NewReader(doc))
		assert.Error(t, err, doc)
	}
}

func TestUnknownActionIsKept(t *testing.T) {
	f, err := Decode(strings.NewReader(`{"users": [{"id": 1, "actions": [{"action_name": "dance"}]}]}`))
	require.NoError(t, err)
	tasks, err := f.Tasks("/data/udd")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.Kind("dance"), tasks[0].Action.Kind)
	assert.Nil(t, tasks[0].Action.Post)
}

func TestParseImageList(t *testing.T) {
	assert.Equal(t, ImageList{"a.jpg", "b c.jpg"}, ParseImageList("'a.jpg', 'b c.jpg'"))
	assert.Equal(t, ImageList{"a.jpg", "b.jpg"}, ParseImageList("a.jpg,b.jpg,"))
	assert.Nil(t, ParseImageList(""))
	assert.Nil(t, ParseImageList(" , ''"))
}

func TestProfileDir(t *testing.T) {
	dir, err := ProfileDir("relative/udd", "42")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
	assert.Equal(t, "42", filepath.Base(dir))

	for _, id := range []task.UserID{"", ".", "..", "a/b", `a\b`} {
		_, err := ProfileDir("/data/udd", id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleBatch), 0o600))

	tasks, err := Load(path, "/data/udd")
	require.NoError(t, err)
	assert.Len(t, tasks, 6)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"), "/data/udd")
	assert.Error(t, err)
}
