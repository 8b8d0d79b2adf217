package channel_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/channel"
)

func TestParseStatus_Valid(t *testing.T) {
	doc := `{
		"task_id": "t-1",
		"attempt": 2,
		"status": "completed",
		"progress": 100,
		"message": "done",
		"result": "added field X",
		"artifacts": ["a.go", "", "b.go"],
		"branch": "feature/x",
		"updated_at": "2026-03-01T12:00:00Z",
		"agent_notes": "unknown fields are tolerated"
	}`
	rec, err := channel.ParseStatus([]byte(doc), "t-1")
	require.NoError(t, err)
	assert.Equal(t, channel.StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "added field X", *rec.Result)
	assert.Equal(t, []string{"a.go", "b.go"}, rec.Artifacts)
	assert.Equal(t, "feature/x", rec.Branch)
	assert.True(t, rec.Status.Terminal())
}

func TestParseStatus_MissingTaskIDUsesFileName(t *testing.T) {
	rec, err := channel.ParseStatus([]byte(`{"status":"in_progress","progress":40,"updated_at":"2026-03-01T12:00:00Z"}`), "t-9")
	require.NoError(t, err)
	assert.Equal(t, "t-9", rec.TaskID)
	assert.Zero(t, rec.Attempt)
	assert.False(t, rec.Status.Terminal())
}

func TestParseStatus_Incomplete(t *testing.T) {
	for _, doc := range []string{
		"",
		"   \n",
		`{"status":"completed","progress":10`,
		`{"status":"in_pro`,
	} {
		_, err := channel.ParseStatus([]byte(doc), "t-1")
		assert.True(t, errors.Is(err, channel.ErrIncomplete), "doc %q: got %v", doc, err)
	}
}

func TestParseStatus_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing status", `{"progress":1,"updated_at":"2026-03-01T12:00:00Z"}`, "status"},
		{"unknown status", `{"status":"done","progress":1,"updated_at":"2026-03-01T12:00:00Z"}`, "status"},
		{"missing progress", `{"status":"pending","updated_at":"2026-03-01T12:00:00Z"}`, "progress"},
		{"fractional progress", `{"status":"pending","progress":1.5,"updated_at":"2026-03-01T12:00:00Z"}`, "progress"},
		{"progress over 100", `{"status":"pending","progress":101,"updated_at":"2026-03-01T12:00:00Z"}`, "progress"},
		{"negative progress", `{"status":"pending","progress":-1,"updated_at":"2026-03-01T12:00:00Z"}`, "progress"},
		{"progress as string", `{"status":"pending","progress":"50","updated_at":"2026-03-01T12:00:00Z"}`, "progress"},
		{"missing updated_at", `{"status":"pending","progress":0}`, "updated_at"},
		{"bad updated_at", `{"status":"pending","progress":0,"updated_at":"yesterday"}`, "updated_at"},
		{"foreign task id", `{"task_id":"other","status":"pending","progress":0,"updated_at":"2026-03-01T12:00:00Z"}`, "task_id"},
		{"negative attempt", `{"attempt":-1,"status":"pending","progress":0,"updated_at":"2026-03-01T12:00:00Z"}`, "attempt"},
		{"not an object", `[1,2,3]`, ""},
		{"garbage", `not json at all}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := channel.ParseStatus([]byte(tt.doc), "t-1")
			var verr *channel.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.False(t, errors.Is(err, channel.ErrIncomplete))
		})
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name string
		kind string
		id   string
		ok   bool
	}{
		{"status_20260301-abc.json", channel.KindStatus, "20260301-abc", true},
		{"/srv/app/.relay/task_t-1.json", channel.KindTask, "t-1", true},
		{"cancel_x.json", channel.KindCancel, "x", true},
		{".tmp-12345", "", "", false},
		{"status_.json", "", "", false},
		{"status_t-1.json.swp", "", "", false},
		{"notes.json", "", "", false},
	}
	for _, tt := range tests {
		kind, id, ok := channel.ParseFileName(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.kind, kind, tt.name)
		assert.Equal(t, tt.id, id, tt.name)
	}
}
