package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    UserID
		wantErr bool
	}{
		{name: "string", input: `"42"`, want: "42"},
		{name: "number", input: `42`, want: "42"},
		{name: "large number", input: `9007199254740993`, want: "9007199254740993"},
		{name: "text id", input: `"user-a"`, want: "user-a"},
		{name: "object", input: `{"id":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id UserID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestTaskValidate(t *testing.T) {
	valid := Task{UserID: "1", Profile: "/tmp/udd/1", Action: Launch()}
	assert.NoError(t, valid.Validate())

	missingUser := valid
	missingUser.UserID = ""
	assert.Error(t, missingUser.Validate())

	missingProfile := valid
	missingProfile.Profile = ""
	assert.Error(t, missingProfile.Validate())

	postWithoutContent := valid
	postWithoutContent.Action = Action{Kind: KindDiscussion}
	assert.Error(t, postWithoutContent.Validate())

	unknown := valid
	unknown.Action = Action{Kind: "<empty>"}
	assert.NoError(t, unknown.Validate(), "unknown kinds are left to the executor")
}

func TestActionConstructors(t *testing.T) {
	p := Post{Title: "t", Description: "d", Images: []string{"a.jpg"}}

	d := Discussion(p)
	assert.Equal(t, KindDiscussion, d.Kind)
	require.NotNil(t, d.Post)
	assert.Equal(t, p, *d.Post)

	m := Marketplace(p)
	assert.Equal(t, KindMarketplace, m.Kind)

	assert.Nil(t, Launch().Post)
	assert.Equal(t, "<empty>", Action{}.String())
}

func TestResultHelpers(t *testing.T) {
	assert.Equal(t, Success, Succeeded().Outcome)

	f := Failed("step %d broke", 3)
	assert.Equal(t, Failure, f.Outcome)
	assert.Equal(t, "step 3 broke", f.Reason)
	assert.False(t, f.Permanent)
	assert.Equal(t, "failure: step 3 broke", f.String())

	c := Interrupted("stop")
	assert.Equal(t, Canceled, c.Outcome)
	assert.Equal(t, "canceled: stop", c.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
