package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bmad-dash/bmd/internal/schema"
)

func testProject() *schema.Project {
	return &schema.Project{
		ID: "p1", Path: "/src/a", CurrentPhase: schema.PhaseImplementation,
		Epics: []schema.Epic{
			{ID: "e1", Number: 1, Title: "Auth", Status: schema.EpicDone, Stories: []schema.Story{
				{ID: "s11", Number: "1.1", Title: "Login form", Status: schema.StoryDone,
					Tasks: []schema.Task{{ID: "t1", Completed: true}, {ID: "t2", Completed: true}}},
				{ID: "s12", Number: "1.2", Title: "Password reset", Status: schema.StoryReview,
					Tasks: []schema.Task{{ID: "t1", Completed: true}, {ID: "t2"}}, FilePath: "/src/a/docs/stories/1-2.md"},
			}},
			{ID: "e2", Number: 2, Title: "Catalog", Status: schema.EpicInProgress, Stories: []schema.Story{
				{ID: "s21", Number: "2.1", Title: "Product list", Status: schema.StoryInProgress},
				{ID: "s22", Number: "2.2", Title: "Search", Status: schema.StoryBacklog},
			}},
		},
	}
}

func storyIDs(stories []schema.Story) []string {
	ids := make([]string, 0, len(stories))
	for _, s := range stories {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestFilter_Stories(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want []string
	}{
		{"empty matches all", "", []string{"s11", "s12", "s21", "s22"}},
		{"by status", `status == "in-progress"`, []string{"s21"}},
		{"by epic", `epic == 2`, []string{"s21", "s22"}},
		{"open tasks", `done_tasks < tasks`, []string{"s12"}},
		{"title contains", `title contains "Pass"`, []string{"s12"}},
		{"epic title", `epic_title == "Auth" && status != "done"`, []string{"s12"}},
		{"has file", `has_file`, []string{"s12"}},
		{"status set", `status in ["backlog", "review"]`, []string{"s12", "s22"}},
		{"no match", `number == "9.9"`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) failed: %v", tt.expr, err)
			}
			got, err := f.Stories(testProject())
			if err != nil {
				t.Fatalf("Stories() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, storyIDs(got)); diff != "" {
				t.Errorf("Stories() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []string{
		`status ==`,
		`unknown_field == 1`,
		`tasks + 1`,
	}
	for _, expr := range tests {
		if _, err := Compile(expr); err == nil {
			t.Errorf("Compile(%q) error = nil, want error", expr)
		}
	}
}

func TestNewEnv(t *testing.T) {
	p := testProject()
	got := NewEnv(p.Epics[0], p.Epics[0].Stories[1])
	want := Env{
		Status:    "review",
		Epic:      1,
		EpicTitle: "Auth",
		Number:    "1.2",
		Title:     "Password reset",
		Tasks:     2,
		DoneTasks: 1,
		HasFile:   true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NewEnv() mismatch (-want +got):\n%s", diff)
	}
}

func TestFilter_NilMatchesAll(t *testing.T) {
	var f *Filter
	got, err := f.Stories(testProject())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Errorf("nil filter matched %d stories, want 4", len(got))
	}
	if f.String() != "" {
		t.Errorf("String() = %q", f.String())
	}
}

func TestFilter_EachPassesEpic(t *testing.T) {
	f, err := Compile(`status != "done"`)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	err = f.Each(testProject(), func(e schema.Epic, s schema.Story) {
		got = append(got, e.ID+"/"+s.ID)
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"e1/s12", "e2/s21", "e2/s22"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Each() mismatch (-want +got):\n%s", diff)
	}
}
