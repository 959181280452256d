package heartbeat

import (
	"testing"
	"time"
)

func TestDeduperExactMatch(t *testing.T) {
	d := NewDeduper(DedupWindow)

	if d.Seen("backup failed on worker-3") {
		t.Fatal("Seen() true before Remember")
	}
	d.Remember("backup failed on worker-3")
	if !d.Seen("backup failed on worker-3") {
		t.Fatal("Seen() false after Remember")
	}
	if d.Seen("backup failed on worker-4") {
		t.Error("Seen() matched a different text")
	}
}

func TestDeduperNormalization(t *testing.T) {
	d := NewDeduper(DedupWindow)
	d.Remember("Backup   FAILED\non worker-3")

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"case folded", "backup failed on worker-3", true},
		{"extra whitespace", "  backup\tfailed  on worker-3  ", true},
		{"different words", "backup succeeded on worker-3", false},
		{"empty never matches", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Seen(tt.text); got != tt.want {
				t.Errorf("Seen(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDeduperWindowExpiry(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	d := NewDeduper(DedupWindow)
	d.now = func() time.Time { return now }

	d.Remember("disk nearly full")
	if !d.Seen("disk nearly full") {
		t.Fatal("Seen() false immediately after Remember")
	}

	now = now.Add(23 * time.Hour)
	if !d.Seen("disk nearly full") {
		t.Error("Seen() false inside the 24h window")
	}

	now = now.Add(2 * time.Hour)
	if d.Seen("disk nearly full") {
		t.Error("Seen() true after the 24h window expired")
	}
}

func TestDeduperEmptyRemember(t *testing.T) {
	d := NewDeduper(DedupWindow)
	d.Remember("   ")
	if d.Seen("") || d.Seen("   ") {
		t.Error("blank text should never dedup")
	}
}
