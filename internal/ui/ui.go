// Package ui renders CLI output and interactive prompts.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/stats"
)

var (
	// Colors
	Primary = lipgloss.Color("#7C3AED") // Purple
	Success = lipgloss.Color("#10B981") // Green
	Muted   = lipgloss.Color("#6B7280") // Gray
	Warning = lipgloss.Color("#F59E0B") // Amber
	Danger  = lipgloss.Color("#EF4444") // Red

	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(Primary)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Danger).Bold(true)
	ActiveStyle  = lipgloss.NewStyle().Bold(true).Foreground(Success)

	phaseColors = map[schema.Phase]lipgloss.Color{
		schema.PhaseAnalysis:       lipgloss.Color("#60A5FA"),
		schema.PhasePlanning:       lipgloss.Color("#8B5CF6"),
		schema.PhaseSolutioning:    lipgloss.Color("#F97316"),
		schema.PhaseImplementation: Success,
	}

	statusColors = map[schema.StoryStatus]lipgloss.Color{
		schema.StoryBacklog:     Muted,
		schema.StoryReadyForDev: lipgloss.Color("#60A5FA"),
		schema.StoryInProgress:  Warning,
		schema.StoryReview:      lipgloss.Color("#8B5CF6"),
		schema.StoryDone:        Success,
	}
)

// ErrNotInteractive is returned by prompts when there is no terminal.
var ErrNotInteractive = errors.New("not running in an interactive terminal")

// Init picks the color profile for w from the environment (NO_COLOR,
// CLICOLOR_FORCE, TERM). Output that is not a terminal gets no colors.
func Init(w io.Writer) {
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// IsInteractive reports whether both stdin and stdout are terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// RelativeTime renders t relative to now ("3 minutes ago"). A zero time is
// "never".
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Phase renders a phase name in its color.
func Phase(p schema.Phase) string {
	return lipgloss.NewStyle().Foreground(phaseColors[p]).Render(p.String())
}

// Status renders a story status in its color.
func Status(s schema.StoryStatus) string {
	return lipgloss.NewStyle().Foreground(statusColors[s]).Render(string(s))
}

// ProgressBar renders pct (0-100) as a bar of width cells followed by the
// percentage.
func ProgressBar(pct, width int) string {
	if width < 1 {
		width = 1
	}
	pct = max(0, min(100, pct))
	filled := pct * width / 100
	bar := SuccessStyle.Render(strings.Repeat("█", filled)) +
		MutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, pct)
}

// ProjectRow is one line of RenderProjects.
type ProjectRow struct {
	Project *schema.Project
	Stats   stats.Stats
	Active  bool
}

// RenderProjects renders the project list shown by bmd list.
func RenderProjects(rows []ProjectRow, now time.Time) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No projects tracked. Add one with: bmd add <path>") + "\n"
	}

	nameWidth := len("NAME")
	for _, r := range rows {
		nameWidth = max(nameWidth, lipgloss.Width(r.Project.Name))
	}
	name := lipgloss.NewStyle().Width(nameWidth + 2)
	phase := lipgloss.NewStyle().Width(16)
	progress := lipgloss.NewStyle().Width(20)

	var sb strings.Builder
	sb.WriteString("  ")
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		name.Render(TitleStyle.Render("NAME")),
		phase.Render(TitleStyle.Render("PHASE")),
		progress.Render(TitleStyle.Render("PROGRESS")),
		TitleStyle.Render("ACTIVITY"),
	))
	sb.WriteString("\n")

	for _, r := range rows {
		marker := "  "
		if r.Active {
			marker = ActiveStyle.Render("* ")
		}
		sb.WriteString(marker)
		sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			name.Render(r.Project.Name),
			phase.Render(Phase(r.Project.CurrentPhase)),
			progress.Render(ProgressBar(r.Stats.ProgressPercentage, 10)),
			MutedStyle.Render(RelativeTime(r.Project.LastActivity, now)),
		))
		sb.WriteString("\n")
		sb.WriteString("  ")
		sb.WriteString(MutedStyle.Render(r.Project.ID + "  " + r.Project.Path))
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderStats renders the detailed statistics of one project.
func RenderStats(p *schema.Project, s stats.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s\n", TitleStyle.Render(p.Name), Phase(p.CurrentPhase))
	fmt.Fprintf(&sb, "%s\n\n", MutedStyle.Render(p.Path))
	fmt.Fprintf(&sb, "Progress  %s\n", ProgressBar(s.ProgressPercentage, 20))
	fmt.Fprintf(&sb, "Epics     %d/%d done\n", s.CompletedEpics, s.TotalEpics)
	fmt.Fprintf(&sb, "Stories   %d/%d done\n", s.CompletedStories, s.TotalStories)
	if s.TotalTasks > 0 {
		fmt.Fprintf(&sb, "Tasks     %s/%s done\n", humanize.Comma(int64(s.CompletedTasks)), humanize.Comma(int64(s.TotalTasks)))
	}
	sb.WriteString("\n")
	for _, status := range schema.StoryStatuses {
		fmt.Fprintf(&sb, "  %-*s %d\n", 14, Status(status), s.StoriesByStatus[status])
	}
	return sb.String()
}

// SelectDocsDir asks which planning folder to use when a project has more
// than one candidate. A single candidate is returned without asking.
func SelectDocsDir(projectPath string, candidates []string) (string, error) {
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no BMAD docs folder found in %s", projectPath)
	case 1:
		return candidates[0], nil
	}
	if !IsInteractive() {
		return "", ErrNotInteractive
	}

	options := make([]huh.Option[string], 0, len(candidates))
	for _, c := range candidates {
		options = append(options, huh.NewOption(c, c))
	}
	var choice string
	err := huh.NewSelect[string]().
		Title("Several planning folders were found").
		Description(projectPath).
		Options(options...).
		Value(&choice).
		Run()
	if err != nil {
		return "", err
	}
	return choice, nil
}

// Confirm asks a yes/no question. Without a terminal it returns def.
func Confirm(title string, def bool) (bool, error) {
	if !IsInteractive() {
		return def, nil
	}
	answer := def
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&answer).
		Run()
	return answer, err
}
