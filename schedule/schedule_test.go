package schedule

import (
	"testing"
	"time"
)

func TestParseExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"daily at nine", "0 9 * * *", false},
		{"weekday mornings", "30 8 * * 1-5", false},
		{"empty", "", true},
		{"six fields", "0 0 9 * * *", true},
		{"garbage", "not a cron", true},
		{"tz prefix rejected", "CRON_TZ=America/New_York 0 9 * * *", true},
		{"lowercase tz prefix rejected", "tz=UTC 0 9 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpression(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseExpression(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestNextRunUTC(t *testing.T) {
	now := time.Date(2026, 8, 1, 8, 30, 0, 0, time.UTC)
	next, err := NextRunUTC("0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunUTC_NormalizesLocalTime(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2026, 8, 1, 13, 30, 0, 0, loc) // 08:30 UTC
	next, err := NextRunUTC("0 9 * * *", local)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want schedule evaluated in UTC", next)
	}
}

func TestScheduler_AddValidatesAndReplaces(t *testing.T) {
	s := New(func(string) {}, nil)

	if err := s.Add("flow-1", "bad"); err == nil {
		t.Fatal("want error for invalid expression")
	}
	if s.Has("flow-1") {
		t.Error("invalid expression must not register an entry")
	}
	if err := s.Add("flow-1", "* * * * *"); err != nil {
		t.Fatal(err)
	}
	if !s.Has("flow-1") {
		t.Error("Has = false after Add")
	}
	// Replacing keeps a single entry.
	if err := s.Add("flow-1", "0 9 * * *"); err != nil {
		t.Fatal(err)
	}
	if len(s.entries) != 1 {
		t.Fatalf("entries = %d, want 1 after replace", len(s.entries))
	}

	s.Remove("flow-1")
	s.Remove("flow-1") // no-op
	if s.Has("flow-1") || len(s.entries) != 0 {
		t.Fatalf("entries = %d after remove", len(s.entries))
	}
}
