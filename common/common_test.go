package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeKey(t *testing.T) {
	tests := []struct {
		name   string
		entity string
		scope  Scope
		want   string
	}{
		{"unscoped", "courses", Scope{}, "courses:global:all-users"},
		{"org", "courses", Scope{OrganizationID: "org-1"}, "courses:org-1:all-users"},
		{"user", "progress", Scope{UserID: "u1"}, "progress:global:u1"},
		{"both", "progress", Scope{OrganizationID: "org-1", UserID: "u1"}, "progress:org-1:u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScopeKey(tt.entity, tt.scope))
		})
	}
	assert.Equal(t, ScopeKey("courses", Scope{OrganizationID: "org-1"}), ScopeKey("courses", Scope{OrganizationID: "org-1"}))
}

func TestScopeMatches(t *testing.T) {
	rec := Record{"id": "c1", "org_id": "org-1", "user_id": "u1"}

	assert.True(t, Scope{}.Matches(rec))
	assert.True(t, Scope{OrganizationID: "org-1"}.Matches(rec))
	assert.True(t, Scope{OrganizationID: "org-1", UserID: "u1"}.Matches(rec))
	assert.False(t, Scope{OrganizationID: "org-2"}.Matches(rec))
	assert.False(t, Scope{UserID: "u2"}.Matches(rec))
	assert.False(t, Scope{OrganizationID: "org-1"}.Matches(Record{"id": "c2"}), "missing scoped field is rejected")
}

func TestParseTime(t *testing.T) {
	ref := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ms := ref.UnixMilli()

	tests := []struct {
		name string
		in   any
		ok   bool
	}{
		{"rfc3339", ref.Format(time.RFC3339Nano), true},
		{"millis string", "1714564800000", true},
		{"int64", ms, true},
		{"float64", float64(ms), true},
		{"json number", json.Number("1714564800000"), true},
		{"time", ref, true},
		{"pointer", &ref, true},
		{"nil", nil, false},
		{"empty", "", false},
		{"garbage", "yesterday", false},
		{"zero time", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTime(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, got.Equal(ref), "got %s", got)
			}
		})
	}
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{"id": float64(42), "title": "Intro", "updated_at": "2024-05-01T12:00:00Z"}

	assert.Equal(t, "42", rec.ID())
	assert.Equal(t, "Intro", rec.String("title"))
	assert.Equal(t, "", rec.String("missing"))
	_, ok := rec.UpdatedAt()
	assert.True(t, ok)

	clone := rec.Clone()
	clone["title"] = "Changed"
	assert.Equal(t, "Intro", rec["title"])
	assert.Nil(t, Record(nil).Clone())
}

func TestEntityTopic(t *testing.T) {
	assert.Equal(t, "courses_updated", EntityTopic("courses", ChangeUpdate))
	assert.Equal(t, "notifications_created", EntityTopic("Notifications", ChangeInsert))
	assert.Equal(t, "surveys_deleted", EntityTopic("surveys", ChangeDelete))
}

func TestChangeTypeValid(t *testing.T) {
	assert.True(t, ChangeInsert.Valid())
	assert.True(t, ChangeDelete.Valid())
	assert.False(t, ChangeType("UPSERT").Valid())
}
