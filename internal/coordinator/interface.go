package coordinator

import (
	"context"

	"github.com/bmad-dash/bmd/internal/events"
	"github.com/bmad-dash/bmd/internal/schema"
)

// Parser turns a project folder into a structural snapshot.
//
// ParseProject must be idempotent and must not write to the filesystem.
// docsPathHint may be empty, in which case the parser resolves the docs
// folder itself. The returned snapshot's ID and CreatedAt are ignored by the
// coordinator; only structural fields are merged into the store.
//
// Example:
//
//	p, err := parser.ParseProject(ctx, "/src/shop", "/src/shop/bmad-docs")
type Parser interface {
	ParseProject(ctx context.Context, projectPath, docsPathHint string) (*schema.Project, error)
}

// Watcher owns the OS-level file watches, one per project id.
//
// StartWatch replaces any existing watch for the same id. StopWatch is
// idempotent. Failures are reported as errors; the coordinator logs them and
// carries on.
type Watcher interface {
	StartWatch(projectID, path string) error
	StopWatch(projectID string) error
	StopAll() error
}

// Notifier receives refresh failures so they can be shown to the user.
type Notifier interface {
	RefreshFailed(projectID string, err error)
}

// StartNotifier is an optional extension of Notifier. When the configured
// Notifier implements it, RefreshStarted is called before each parse.
type StartNotifier interface {
	RefreshStarted(projectID string)
}

// SuccessNotifier is an optional extension of Notifier. RefreshSucceeded is
// called after a parsed snapshot has been merged into the store.
type SuccessNotifier interface {
	RefreshSucceeded(projectID string)
}

// Notifiers fans every notice out to each of its members in order.
type Notifiers []Notifier

func (ns Notifiers) RefreshFailed(projectID string, err error) {
	for _, n := range ns {
		n.RefreshFailed(projectID, err)
	}
}

func (ns Notifiers) RefreshStarted(projectID string) {
	for _, n := range ns {
		if sn, ok := n.(StartNotifier); ok {
			sn.RefreshStarted(projectID)
		}
	}
}

func (ns Notifiers) RefreshSucceeded(projectID string) {
	for _, n := range ns {
		if sn, ok := n.(SuccessNotifier); ok {
			sn.RefreshSucceeded(projectID)
		}
	}
}

// EventSource is the subscription side of the change event bus.
type EventSource interface {
	Subscribe(fn func(events.ChangeEvent)) (unsubscribe func())
}

type nopNotifier struct{}

func (nopNotifier) RefreshFailed(string, error) {}
