package catalog

import (
	"strings"
	"testing"
)

func TestDefault_Loads(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Modules()) == 0 {
		t.Fatal("expected at least one module")
	}
	for _, m := range c.Modules() {
		if len(m.VideoIDs) == 0 {
			t.Errorf("module %q has no videos", m.ID)
		}
		for _, id := range m.VideoIDs {
			owner, ok := c.ModuleForVideo(id)
			if !ok || owner != m.ID {
				t.Errorf("expected video %q to belong to %q, got %q", id, m.ID, owner)
			}
		}
	}
}

func TestParseDurationLabel(t *testing.T) {
	tests := []struct {
		label   string
		want    float64
		wantErr bool
	}{
		{"4:12", 252, false},
		{"0:59", 59, false},
		{"1:02:03", 3723, false},
		{"12", 0, true},
		{"1:60", 0, true},
		{"a:10", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationLabel(tt.label)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDurationLabel(%q): expected error", tt.label)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDurationLabel(%q): unexpected error %v", tt.label, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDurationLabel(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestParse_RejectsUnknownVideo(t *testing.T) {
	data := []byte(`
modules:
  - id: m1
    title: One
    videos: [missing]
videos: []
`)
	_, err := Parse(data)
	if err == nil || !strings.Contains(err.Error(), "unknown video") {
		t.Fatalf("expected unknown video error, got %v", err)
	}
}

func TestParse_DefaultsPassingScore(t *testing.T) {
	data := []byte(`
modules:
  - id: m1
    title: One
    videos: [v1]
videos:
  - id: v1
    title: V
    durationLabel: "1:40"
    provider: youtube
    providerId: abc
`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := c.Module("m1")
	if !ok {
		t.Fatal("expected module m1")
	}
	if m.PassingScore != DefaultPassingScore {
		t.Errorf("expected passing score %d, got %d", DefaultPassingScore, m.PassingScore)
	}
	v, _ := c.Video("v1")
	if v.DurationSeconds() != 100 {
		t.Errorf("expected 100 seconds, got %v", v.DurationSeconds())
	}
	if v.OriginalURL() != "https://www.youtube.com/watch?v=abc" {
		t.Errorf("unexpected original URL %q", v.OriginalURL())
	}
}

func TestParse_RejectsDuplicateVideo(t *testing.T) {
	data := []byte(`
videos:
  - {id: v1, title: A, durationLabel: "1:00", provider: youtube, providerId: a}
  - {id: v1, title: B, durationLabel: "1:00", provider: youtube, providerId: b}
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected duplicate video error")
	}
}
