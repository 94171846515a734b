package parser

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmad-dash/bmd/internal/schema"
)

var (
	epicHeaderRe   = regexp.MustCompile(`(?m)^#{2,3}[ \t]+Epic[ \t]+(\d+):[ \t]*(.+)$`)
	storyHeaderRe  = regexp.MustCompile(`(?m)^#{2,3}[ \t]*Story[ \t]*(\d+)\.(\d+)[: \t]*(.*)$`)
	epicFileNumRe  = regexp.MustCompile(`epic-?(\d+)`)
	epicsFileSites = []string{
		"epics.md",
		filepath.Join("planning-artifacts", "epics.md"),
		filepath.Join("epics", "epics.md"),
	}
)

// readEpics collects epics from epics/*.md and epic*.md in the docs root,
// then fills in numbers they do not cover from the epics.md files.
func (p *Parser) readEpics(ctx context.Context, docsDir string, ss *schema.SprintStatus) ([]schema.Epic, error) {
	var fromFiles []schema.Epic

	epicsDir := filepath.Join(docsDir, "epics")
	if dirExists(epicsDir) {
		epics, err := p.readEpicFiles(docsDir, epicsDir, ss, func(string) bool { return true })
		if err != nil {
			return nil, err
		}
		fromFiles = append(fromFiles, epics...)
	}

	rootEpics, err := p.readEpicFiles(docsDir, docsDir, ss, func(name string) bool {
		return strings.HasPrefix(name, "epic")
	})
	if err != nil {
		return nil, err
	}
	fromFiles = append(fromFiles, rootEpics...)

	byNumber := mergeEpicsByNumber(fromFiles)

	var fromDocs []schema.Epic
	for _, rel := range epicsFileSites {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(docsDir, rel)
		if !fileExists(path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		fromDocs = append(fromDocs, p.epicsFromSingleFile(docsDir, path, string(data), ss)...)
	}
	for n, e := range mergeEpicsByNumber(fromDocs) {
		if _, ok := byNumber[n]; !ok {
			byNumber[n] = e
		}
	}

	epics := make([]schema.Epic, 0, len(byNumber))
	for _, e := range byNumber {
		epics = append(epics, e)
	}
	slices.SortFunc(epics, func(a, b schema.Epic) int { return a.Number - b.Number })
	return epics, nil
}

func (p *Parser) readEpicFiles(docsDir, dir string, ss *schema.SprintStatus, keep func(name string) bool) ([]schema.Epic, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var epics []schema.Epic
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".md" || !keep(name) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if e, ok := p.epicFromFile(docsDir, path, string(data), ss); ok {
			epics = append(epics, e)
		}
	}
	return epics, nil
}

// epicFromFile reads a single-epic file such as epic-1.md or epic-2-auth.md.
func (p *Parser) epicFromFile(docsDir, path, content string, ss *schema.SprintStatus) (schema.Epic, bool) {
	m := epicFileNumRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return schema.Epic{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 {
		return schema.Epic{}, false
	}

	title, ok := extractTitle(content)
	if !ok {
		title = fmt.Sprintf("Epic %d", n)
	}
	goal, ok := extractSection(content, "Goal")
	if !ok {
		goal, _ = extractSection(content, "Objective")
	}

	mtime := p.fileTime(path)
	return p.newEpic(docsDir, n, title, goal, path, content, mtime, ss), true
}

// epicsFromSingleFile splits an epics.md document on its epic headers.
func (p *Parser) epicsFromSingleFile(docsDir, path, content string, ss *schema.SprintStatus) []schema.Epic {
	mtime := p.fileTime(path)
	locs := epicHeaderRe.FindAllStringSubmatchIndex(content, -1)

	var epics []schema.Epic
	for i, loc := range locs {
		n, err := strconv.Atoi(content[loc[2]:loc[3]])
		if err != nil || n == 0 {
			continue
		}
		title := strings.TrimSpace(content[loc[4]:loc[5]])

		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		section := content[loc[1]:end]

		goal, ok := extractSection(section, "Goal")
		if !ok {
			goal, _ = extractSection(section, "User Outcome")
		}
		epics = append(epics, p.newEpic(docsDir, n, title, goal, path, section, mtime, ss))
	}
	return epics
}

func (p *Parser) newEpic(docsDir string, n int, title, goal, path, content string, mtime time.Time, ss *schema.SprintStatus) schema.Epic {
	status, retro := epicStatusFromSprint(ss, n)
	id := epicID(docsDir, n)
	return schema.Epic{
		ID:            id,
		Number:        n,
		Title:         title,
		Goal:          goal,
		Stories:       storiesFromContent(docsDir, id, n, content, ss, mtime),
		Status:        status,
		Retrospective: retro,
		FilePath:      path,
		CreatedAt:     mtime,
		UpdatedAt:     mtime,
	}
}

// storiesFromContent reads "### Story N.M: Title" sections belonging to
// epic n. The first header wins when a number repeats.
func storiesFromContent(docsDir, epicID string, n int, content string, ss *schema.SprintStatus, mtime time.Time) []schema.Story {
	locs := storyHeaderRe.FindAllStringSubmatchIndex(content, -1)
	stories := make([]schema.Story, 0, len(locs))
	seen := make(map[string]bool)

	for i, loc := range locs {
		en, _ := strconv.Atoi(content[loc[2]:loc[3]])
		sn, _ := strconv.Atoi(content[loc[4]:loc[5]])
		if en != n {
			continue
		}
		number := fmt.Sprintf("%d.%d", en, sn)
		if seen[number] {
			continue
		}
		seen[number] = true

		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		section := content[loc[1]:end]

		title := strings.TrimSpace(content[loc[6]:loc[7]])
		if title == "" {
			title = fmt.Sprintf("Story %s", number)
		}
		userType, capability, benefit := extractUserStory(section)
		id := storyID(docsDir, number)

		stories = append(stories, schema.Story{
			ID:                 id,
			EpicID:             epicID,
			Number:             number,
			Title:              title,
			UserType:           userType,
			Capability:         capability,
			ValueBenefit:       benefit,
			AcceptanceCriteria: extractAcceptanceCriteria(section),
			Status:             storyStatusFromSprint(ss, en, sn, ""),
			Tasks:              extractTasks(section, id),
			CreatedAt:          mtime,
			UpdatedAt:          mtime,
		})
	}
	return stories
}

// mergeEpicsByNumber keeps the most recently updated epic per number.
func mergeEpicsByNumber(epics []schema.Epic) map[int]schema.Epic {
	out := make(map[int]schema.Epic, len(epics))
	for _, e := range epics {
		if cur, ok := out[e.Number]; !ok || e.UpdatedAt.After(cur.UpdatedAt) {
			out[e.Number] = e
		}
	}
	return out
}

type storyFile struct {
	epic  int
	story schema.Story
}

// readStoryFiles finds N-M-slug.md files up to four levels deep.
func (p *Parser) readStoryFiles(ctx context.Context, docsDir string, ss *schema.SprintStatus) (map[int][]schema.Story, error) {
	var files []storyFile

	err := walkDepth(docsDir, 4, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := storyFileRe.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		en, _ := strconv.Atoi(m[1])
		sn, _ := strconv.Atoi(m[2])
		if en == 0 || sn == 0 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = append(files, storyFile{
			epic:  en,
			story: p.storyFromFile(docsDir, path, string(data), en, sn, ss),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	byEpic := make(map[int][]schema.Story)
	index := make(map[string]int)
	for _, f := range files {
		key := f.story.Number
		if i, ok := index[key]; ok {
			list := byEpic[f.epic]
			if f.story.UpdatedAt.After(list[i].UpdatedAt) {
				list[i] = f.story
			}
			continue
		}
		index[key] = len(byEpic[f.epic])
		byEpic[f.epic] = append(byEpic[f.epic], f.story)
	}
	for n := range byEpic {
		sortStories(byEpic[n])
	}
	return byEpic, nil
}

func (p *Parser) storyFromFile(docsDir, path, content string, en, sn int, ss *schema.SprintStatus) schema.Story {
	key := strings.TrimSuffix(filepath.Base(path), ".md")
	number := fmt.Sprintf("%d.%d", en, sn)

	title, ok := extractTitle(content)
	if !ok {
		title = storyTitleFromFilename(key, en, sn)
	}
	userType, capability, benefit := extractUserStory(content)
	id := storyID(docsDir, number)
	mtime := p.fileTime(path)

	return schema.Story{
		ID:                 id,
		Number:             number,
		Title:              title,
		UserType:           userType,
		Capability:         capability,
		ValueBenefit:       benefit,
		AcceptanceCriteria: extractAcceptanceCriteria(content),
		Status:             storyStatusFromSprint(ss, en, sn, key),
		Tasks:              extractTasks(content, id),
		FilePath:           path,
		CreatedAt:          mtime,
		UpdatedAt:          mtime,
	}
}

func storyTitleFromFilename(key string, en, sn int) string {
	cleaned := strings.TrimPrefix(key, fmt.Sprintf("%d-%d-", en, sn))
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, "-", " "))
	if cleaned == "" {
		return fmt.Sprintf("Story %d.%d", en, sn)
	}
	return cleaned
}

// attachStoryFiles replaces the stories of each epic that has story files and
// creates placeholder epics for the rest.
func attachStoryFiles(docsDir string, epics []schema.Epic, byEpic map[int][]schema.Story, ss *schema.SprintStatus) []schema.Epic {
	index := make(map[int]int, len(epics))
	for i, e := range epics {
		index[e.Number] = i
	}

	numbers := make([]int, 0, len(byEpic))
	for n := range byEpic {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)

	for _, n := range numbers {
		stories := byEpic[n]
		if i, ok := index[n]; ok {
			for j := range stories {
				stories[j].EpicID = epics[i].ID
			}
			epics[i].Stories = stories
			continue
		}

		id := epicID(docsDir, n)
		for j := range stories {
			stories[j].EpicID = id
		}
		status, retro := epicStatusFromSprint(ss, n)
		created, updated := storyTimes(stories)
		epics = append(epics, schema.Epic{
			ID:            id,
			Number:        n,
			Title:         fmt.Sprintf("Epic %d", n),
			Stories:       stories,
			Status:        status,
			Retrospective: retro,
			CreatedAt:     created,
			UpdatedAt:     updated,
		})
		index[n] = len(epics) - 1
	}

	slices.SortFunc(epics, func(a, b schema.Epic) int { return a.Number - b.Number })
	return epics
}

func storyTimes(stories []schema.Story) (earliest, latest time.Time) {
	for _, s := range stories {
		if earliest.IsZero() || s.CreatedAt.Before(earliest) {
			earliest = s.CreatedAt
		}
		if s.UpdatedAt.After(latest) {
			latest = s.UpdatedAt
		}
	}
	return earliest, latest
}

// sortStories orders stories by their numeric "E.S" key.
func sortStories(stories []schema.Story) {
	slices.SortFunc(stories, func(a, b schema.Story) int {
		ae, as := splitStoryNumber(a.Number)
		be, bs := splitStoryNumber(b.Number)
		if ae != be {
			return ae - be
		}
		return as - bs
	})
}

func splitStoryNumber(number string) (int, int) {
	e, s, _ := strings.Cut(number, ".")
	en, _ := strconv.Atoi(e)
	sn, _ := strconv.Atoi(s)
	return en, sn
}
