// Package store holds the authoritative in-memory set of tracked projects.
//
// # Snapshots
//
// Every project the store hands out is an immutable snapshot. Mutations never
// edit a snapshot in place: they clone the current project, apply the change
// to the clone and swap the pointer under the write lock. Readers therefore
// never observe a partially applied mutation, and two reads that return the
// same pointer are guaranteed to describe the same structure. The stats
// package relies on this to memoize by pointer.
//
// Callers must treat returned *schema.Project values as read-only.
//
// # Versions
//
// Each committed mutation bumps the per-project version and the store-wide
// version. Operations that turn out to change nothing (unknown project, epic
// or story, a status that already has the requested value, a move onto the
// same epic) return false and leave both versions and the snapshot pointer
// untouched.
//
// # Change notifications
//
// Subscribe registers a listener that is invoked after each committed
// mutation, once the write lock has been released. Changes reach listeners
// one at a time and in commit order, so Version never goes backwards. When
// mutations race, the goroutine already delivering also delivers the changes
// committed meanwhile; every change is delivered before the mutating calls
// that are running concurrently have all returned. Listeners may read from
// the store but should not block for long.
//
//	st := store.New()
//	unsubscribe := st.Subscribe(func(c store.Change) {
//	    log.Printf("%s %s v%d", c.Kind, c.ProjectID, c.Version)
//	})
//	defer unsubscribe()
//
//	if err := st.Add(project); err != nil {
//	    return err
//	}
//	st.SetStoryStatus(project.ID, epicID, storyID, schema.StoryReview)
package store
