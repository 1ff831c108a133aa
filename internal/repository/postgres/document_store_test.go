package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/vedran77/pulsesync/internal/repository"
	"github.com/vedran77/pulsesync/internal/timeconv"
)

func TestBuildFind(t *testing.T) {
	tests := []struct {
		name     string
		q        repository.Query
		contains string
		args     int
	}{
		{name: "whole collection", q: repository.Query{Collection: "channels"}, contains: "collection = $1 ORDER BY", args: 1},
		{name: "by id", q: repository.ByID("channels", "c1"), contains: "AND id = $2", args: 2},
		{name: "field equality", q: repository.Where("messages", "channelId", "c1"), contains: "data @> $2::jsonb", args: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := buildFind(tt.q)
			if err != nil {
				t.Fatalf("buildFind failed: %v", err)
			}
			if !strings.Contains(query, tt.contains) {
				t.Errorf("query %q does not contain %q", query, tt.contains)
			}
			if len(args) != tt.args {
				t.Errorf("got %d args, want %d", len(args), tt.args)
			}
		})
	}

	_, args, _ := buildFind(repository.Where("messages", "channelId", "c1"))
	if args[1] != `{"channelId":"c1"}` {
		t.Errorf("containment filter = %v", args[1])
	}
}

func TestResolve_ProviderTimestamp(t *testing.T) {
	fixed := time.Date(2024, 2, 3, 4, 5, 6, 7, time.UTC)
	orig := timeconv.Now
	timeconv.Now = func() time.Time { return fixed }
	defer func() { timeconv.Now = orig }()

	out := resolve(map[string]any{"timestamp": repository.ServerTimestamp{}, "message": "hi"})
	ts, ok := out["timestamp"].(map[string]any)
	if !ok {
		t.Fatalf("timestamp not rendered as provider map: %T", out["timestamp"])
	}
	if !timeconv.Normalize(ts).Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", timeconv.Normalize(ts), fixed)
	}
	if out["message"] != "hi" {
		t.Errorf("other fields must pass through")
	}
}
