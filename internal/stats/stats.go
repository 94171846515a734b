// Package stats derives dashboard counters from project snapshots.
//
// Project is a pure function of its input. Projector memoizes it by snapshot
// pointer, which is safe because the store never edits a snapshot in place:
// a structurally different project is always a different pointer.
package stats

import (
	"maps"
	"math"
	"sync"

	"github.com/bmad-dash/bmd/internal/schema"
)

// Stats are the aggregate counters for one project snapshot.
type Stats struct {
	TotalEpics         int                        `json:"totalEpics"`
	CompletedEpics     int                        `json:"completedEpics"`
	TotalStories       int                        `json:"totalStories"`
	CompletedStories   int                        `json:"completedStories"`
	StoriesByStatus    map[schema.StoryStatus]int `json:"storiesByStatus"`
	ProgressPercentage int                        `json:"progressPercentage"`
	PhaseProgress      map[schema.Phase]bool      `json:"phaseProgress"`
	TotalTasks         int                        `json:"totalTasks"`
	CompletedTasks     int                        `json:"completedTasks"`
}

// Project computes the stats of p in a single pass over its epics.
// A nil project yields zeroed stats with every status and phase key present.
func Project(p *schema.Project) Stats {
	s := Stats{
		StoriesByStatus: make(map[schema.StoryStatus]int, len(schema.StoryStatuses)),
		PhaseProgress:   make(map[schema.Phase]bool, len(schema.Phases)),
	}
	for _, status := range schema.StoryStatuses {
		s.StoriesByStatus[status] = 0
	}
	for _, phase := range schema.Phases {
		s.PhaseProgress[phase] = false
	}
	if p == nil {
		return s
	}

	s.TotalEpics = len(p.Epics)
	for _, e := range p.Epics {
		if e.Status == schema.EpicDone {
			s.CompletedEpics++
		}
		for _, story := range e.Stories {
			s.TotalStories++
			s.StoriesByStatus[story.Status]++
			for _, task := range story.Tasks {
				s.TotalTasks++
				if task.Completed {
					s.CompletedTasks++
				}
			}
		}
	}
	s.CompletedStories = s.StoriesByStatus[schema.StoryDone]
	s.ProgressPercentage = Percent(s.CompletedStories, s.TotalStories)

	for _, d := range p.Documents {
		switch d.Type {
		case schema.DocProjectContext:
			s.PhaseProgress[schema.PhaseAnalysis] = true
		case schema.DocPRD:
			s.PhaseProgress[schema.PhasePlanning] = true
		case schema.DocArchitecture:
			s.PhaseProgress[schema.PhaseSolutioning] = true
		}
	}
	s.PhaseProgress[schema.PhaseImplementation] = len(p.Epics) > 0

	return s
}

// Percent returns round(100*part/total), or 0 when total is 0.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}

// DefaultCacheSize is the number of snapshots a Projector remembers.
const DefaultCacheSize = 256

// Projector memoizes Project by snapshot pointer. It is safe for concurrent
// use. The cache is bounded; the oldest entry is evicted first.
type Projector struct {
	mu    sync.Mutex
	max   int
	cache map[*schema.Project]Stats
	order []*schema.Project

	hits, misses uint64
}

// NewProjector creates a Projector remembering up to size snapshots.
// A size below 1 uses DefaultCacheSize.
func NewProjector(size int) *Projector {
	if size < 1 {
		size = DefaultCacheSize
	}
	return &Projector{
		max:   size,
		cache: make(map[*schema.Project]Stats, size),
	}
}

// Project returns the stats of p, computing them at most once per snapshot.
// The returned maps are private copies.
func (pr *Projector) Project(p *schema.Project) Stats {
	if p == nil {
		return Project(nil)
	}

	pr.mu.Lock()
	s, ok := pr.cache[p]
	if ok {
		pr.hits++
		pr.mu.Unlock()
		return s.clone()
	}
	pr.misses++
	pr.mu.Unlock()

	s = Project(p)

	pr.mu.Lock()
	if _, ok := pr.cache[p]; !ok {
		if len(pr.order) >= pr.max {
			oldest := pr.order[0]
			pr.order = pr.order[1:]
			delete(pr.cache, oldest)
		}
		pr.cache[p] = s
		pr.order = append(pr.order, p)
	}
	pr.mu.Unlock()

	return s.clone()
}

// CacheStats reports cache hits and misses since construction.
func (pr *Projector) CacheStats() (hits, misses uint64) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.hits, pr.misses
}

func (s Stats) clone() Stats {
	s.StoriesByStatus = maps.Clone(s.StoriesByStatus)
	s.PhaseProgress = maps.Clone(s.PhaseProgress)
	return s
}
