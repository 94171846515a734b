package stats

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bmad-dash/bmd/internal/schema"
)

func storiesWith(statuses ...schema.StoryStatus) []schema.Story {
	out := make([]schema.Story, len(statuses))
	for i, st := range statuses {
		out[i] = schema.Story{ID: fmt.Sprintf("s%d", i), Status: st}
	}
	return out
}

func TestProject(t *testing.T) {
	tests := []struct {
		name         string
		project      *schema.Project
		wantProgress int
		wantDone     int
		wantPhases   map[schema.Phase]bool
	}{
		{
			name:         "nil project",
			project:      nil,
			wantProgress: 0,
			wantPhases:   map[schema.Phase]bool{1: false, 2: false, 3: false, 4: false},
		},
		{
			name:         "no stories",
			project:      &schema.Project{Epics: []schema.Epic{{ID: "e1"}}},
			wantProgress: 0,
			wantPhases:   map[schema.Phase]bool{1: false, 2: false, 3: false, 4: true},
		},
		{
			name: "three done one backlog",
			project: &schema.Project{
				Epics: []schema.Epic{{ID: "e1", Status: schema.EpicDone, Stories: storiesWith(
					schema.StoryDone, schema.StoryDone, schema.StoryDone, schema.StoryBacklog)}},
				Documents: []schema.Document{{Type: schema.DocPRD}, {Type: schema.DocArchitecture}},
			},
			wantProgress: 75,
			wantDone:     3,
			wantPhases:   map[schema.Phase]bool{1: false, 2: true, 3: true, 4: true},
		},
		{
			name: "rounds half up",
			project: &schema.Project{
				Epics: []schema.Epic{{ID: "e1", Stories: storiesWith(
					schema.StoryDone, schema.StoryReview, schema.StoryInProgress,
					schema.StoryBacklog, schema.StoryBacklog, schema.StoryBacklog,
					schema.StoryBacklog, schema.StoryBacklog)}},
				Documents: []schema.Document{{Type: schema.DocProjectContext}},
			},
			wantProgress: 13, // 12.5
			wantDone:     1,
			wantPhases:   map[schema.Phase]bool{1: true, 2: false, 3: false, 4: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(tt.project)
			if got.ProgressPercentage != tt.wantProgress {
				t.Errorf("ProgressPercentage = %d, want %d", got.ProgressPercentage, tt.wantProgress)
			}
			if got.StoriesByStatus[schema.StoryDone] != tt.wantDone {
				t.Errorf("done = %d, want %d", got.StoriesByStatus[schema.StoryDone], tt.wantDone)
			}
			if len(got.StoriesByStatus) != len(schema.StoryStatuses) {
				t.Errorf("StoriesByStatus has %d keys, want %d", len(got.StoriesByStatus), len(schema.StoryStatuses))
			}
			if diff := cmp.Diff(tt.wantPhases, got.PhaseProgress); diff != "" {
				t.Errorf("PhaseProgress mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProject_Deterministic(t *testing.T) {
	p := &schema.Project{Epics: []schema.Epic{{ID: "e1", Stories: []schema.Story{
		{ID: "a", Status: schema.StoryDone, Tasks: []schema.Task{{Completed: true}, {Completed: false}}},
		{ID: "b", Status: schema.StoryReview},
	}}}}

	first := Project(p)
	second := Project(p)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Project() not deterministic (-first +second):\n%s", diff)
	}
	if first.TotalTasks != 2 || first.CompletedTasks != 1 {
		t.Errorf("tasks = %d/%d, want 1/2", first.CompletedTasks, first.TotalTasks)
	}
}

func TestProjector_MemoizesByPointer(t *testing.T) {
	pr := NewProjector(2)
	p := &schema.Project{Epics: []schema.Epic{{ID: "e1", Stories: storiesWith(schema.StoryDone)}}}

	a := pr.Project(p)
	b := pr.Project(p)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("cached result differs:\n%s", diff)
	}
	if hits, misses := pr.CacheStats(); hits != 1 || misses != 1 {
		t.Errorf("CacheStats() = %d hits, %d misses, want 1, 1", hits, misses)
	}

	// Callers cannot poison the cache through the returned maps.
	a.StoriesByStatus[schema.StoryDone] = 99
	if c := pr.Project(p); c.StoriesByStatus[schema.StoryDone] != 1 {
		t.Errorf("cache poisoned: done = %d", c.StoriesByStatus[schema.StoryDone])
	}

	// A new snapshot pointer is never served from the cache.
	q := p.Clone()
	q.Epics[0].Stories[0].Status = schema.StoryBacklog
	if got := pr.Project(q); got.ProgressPercentage != 0 {
		t.Errorf("new snapshot ProgressPercentage = %d, want 0", got.ProgressPercentage)
	}
}

func TestProjector_Evicts(t *testing.T) {
	pr := NewProjector(2)
	ps := []*schema.Project{{}, {}, {}}
	for _, p := range ps {
		pr.Project(p)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(pr.cache) != 2 {
		t.Errorf("cache size = %d, want 2", len(pr.cache))
	}
	if _, ok := pr.cache[ps[0]]; ok {
		t.Error("oldest snapshot was not evicted")
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		part, total, want int
	}{
		{0, 0, 0},
		{3, 4, 75},
		{1, 3, 33},
		{2, 3, 67},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := Percent(tt.part, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.part, tt.total, got, tt.want)
		}
	}
}
