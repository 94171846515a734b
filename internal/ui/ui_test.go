package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/stats"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"minutes", now.Add(-3 * time.Minute), "3 minutes ago"},
		{"hours", now.Add(-2 * time.Hour), "2 hours ago"},
		{"future", now.Add(time.Hour), "1 hour from now"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RelativeTime(tt.t, now); got != tt.want {
				t.Errorf("RelativeTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct   int
		width int
		want  string
	}{
		{0, 4, "░░░░   0%"},
		{50, 4, "██░░  50%"},
		{100, 4, "████ 100%"},
		{150, 4, "████ 100%"},
		{-5, 2, "░░   0%"},
	}
	for _, tt := range tests {
		if got := ProgressBar(tt.pct, tt.width); got != tt.want {
			t.Errorf("ProgressBar(%d, %d) = %q, want %q", tt.pct, tt.width, got, tt.want)
		}
	}
}

func TestRenderProjects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &schema.Project{
		ID: "p1", Name: "shop", Path: "/src/shop",
		CurrentPhase: schema.PhaseSolutioning,
		LastActivity: now.Add(-5 * time.Minute),
	}
	out := RenderProjects([]ProjectRow{{Project: p, Stats: stats.Stats{ProgressPercentage: 40}, Active: true}}, now)

	for _, want := range []string{"NAME", "shop", "Solutioning", "40%", "5 minutes ago", "* ", "/src/shop"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderProjects() output missing %q:\n%s", want, out)
		}
	}

	if empty := RenderProjects(nil, now); !strings.Contains(empty, "bmd add") {
		t.Errorf("empty output = %q", empty)
	}
}

func TestRenderStats(t *testing.T) {
	p := &schema.Project{ID: "p1", Name: "shop", Path: "/src/shop", CurrentPhase: schema.PhaseImplementation}
	s := stats.Stats{
		TotalEpics: 2, CompletedEpics: 1,
		TotalStories: 4, CompletedStories: 3,
		ProgressPercentage: 75,
		TotalTasks:         1200, CompletedTasks: 1000,
		StoriesByStatus: map[schema.StoryStatus]int{schema.StoryDone: 3, schema.StoryBacklog: 1},
	}
	out := RenderStats(p, s)
	for _, want := range []string{"shop", "Implementation", "75%", "Epics     1/2", "Stories   3/4", "1,000/1,200", "done", "backlog"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderStats() output missing %q:\n%s", want, out)
		}
	}
}

func TestSelectDocsDir_NoPrompt(t *testing.T) {
	if _, err := SelectDocsDir("/src/a", nil); err == nil {
		t.Error("SelectDocsDir() with no candidates should fail")
	}
	got, err := SelectDocsDir("/src/a", []string{"/src/a/docs"})
	if err != nil || got != "/src/a/docs" {
		t.Errorf("SelectDocsDir() = %q, %v", got, err)
	}
}
