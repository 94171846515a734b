package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bmad-dash/bmd/internal/docs"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/stats"
	"github.com/bmad-dash/bmd/internal/store"
)

// ProjectUpdateData describes an added or changed project
type ProjectUpdateData struct {
	ProjectID string       `json:"projectId"`
	Name      string       `json:"name"`
	Action    string       `json:"action"` // added, updated, active
	Phase     schema.Phase `json:"currentPhase"`
	Version   uint64       `json:"version"`
}

// ProjectRemovedData identifies a project that is no longer tracked
type ProjectRemovedData struct {
	ProjectID string `json:"projectId"`
}

// RefreshData reports a refresh notice
type RefreshData struct {
	ProjectID string `json:"projectId"`
	Error     string `json:"error,omitempty"`
}

// StatsData carries the statistics of one project
type StatsData struct {
	ProjectID string      `json:"projectId"`
	Stats     stats.Stats `json:"stats"`
}

// ProjectSummary is one entry of GET /api/projects
type ProjectSummary struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Path         string       `json:"path"`
	DocsPath     string       `json:"bmadDocsPath,omitempty"`
	CurrentPhase schema.Phase `json:"currentPhase"`
	LastActivity time.Time    `json:"lastActivity"`
	Active       bool         `json:"active"`
	Refreshing   bool         `json:"refreshing"`
	Stats        stats.Stats  `json:"stats"`
}

// ProjectDetail is the body of GET /api/projects/{id}
type ProjectDetail struct {
	Project *schema.Project `json:"project"`
	Stats   stats.Stats     `json:"stats"`
}

// DocumentBody is the body of the document endpoints
type DocumentBody struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content"`
}

// maxDocumentSize bounds PUT bodies.
const maxDocumentSize = 4 << 20

// Refresher re-reads a project on request.
type Refresher interface {
	Refresh(ctx context.Context, id string) (*schema.Project, error)
	InFlight(id string) bool
}

// Handler turns store changes and refresh notices into dashboard messages
// and serves the project API.
type Handler struct {
	server    *Server
	store     *store.Store
	projector *stats.Projector
	refresher Refresher
	logger    *log.Logger

	unsubscribe func()
}

// NewHandler creates a handler connected to a dashboard server and
// registers the /api routes on it.
func NewHandler(server *Server, st *store.Store, projector *stats.Projector, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if projector == nil {
		projector = stats.NewProjector(stats.DefaultCacheSize)
	}

	h := &Handler{
		server:    server,
		store:     st,
		projector: projector,
		logger:    logger,
	}
	server.HandleFunc("GET /api/projects", h.handleList)
	server.HandleFunc("GET /api/projects/{id}", h.handleGet)
	server.HandleFunc("POST /api/projects/{id}/refresh", h.handleRefresh)
	server.HandleFunc("GET /api/projects/{id}/documents/{ref...}", h.handleReadDocument)
	server.HandleFunc("PUT /api/projects/{id}/documents/{ref...}", h.handleWriteDocument)
	server.OnConnect(h.initialMessages)
	return h
}

// SetRefresher wires the coordinator in once it exists.
func (h *Handler) SetRefresher(r Refresher) {
	h.refresher = r
}

// Subscribe starts forwarding store changes to clients.
func (h *Handler) Subscribe() {
	if h.unsubscribe == nil {
		h.unsubscribe = h.store.Subscribe(h.OnStoreChange)
	}
}

// Close stops forwarding store changes.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
}

// OnStoreChange handles a committed store mutation
func (h *Handler) OnStoreChange(ch store.Change) {
	switch ch.Kind {
	case store.ChangeRemoved:
		h.send(MessageTypeProjectRemoved, ProjectRemovedData{ProjectID: ch.ProjectID})

	case store.ChangeAdded, store.ChangeUpdated:
		if ch.Project == nil {
			return
		}
		h.send(MessageTypeProjectUpdate, ProjectUpdateData{
			ProjectID: ch.ProjectID,
			Name:      ch.Project.Name,
			Action:    ch.Kind.String(),
			Phase:     ch.Project.CurrentPhase,
			Version:   ch.Version,
		})
		h.send(MessageTypeStats, StatsData{ProjectID: ch.ProjectID, Stats: h.projector.Project(ch.Project)})

	case store.ChangeActive:
		h.send(MessageTypeProjectUpdate, ProjectUpdateData{
			ProjectID: ch.ProjectID,
			Action:    ch.Kind.String(),
			Version:   ch.Version,
		})

	case store.ChangeLoaded:
		for _, msg := range h.initialMessages() {
			h.server.Broadcast(msg)
		}
	}
}

// RefreshStarted implements coordinator.StartNotifier
func (h *Handler) RefreshStarted(projectID string) {
	h.send(MessageTypeRefreshStarted, RefreshData{ProjectID: projectID})
}

// RefreshFailed implements coordinator.Notifier
func (h *Handler) RefreshFailed(projectID string, err error) {
	h.logger.Printf("Refresh failed for %s: %v", projectID, err)
	h.send(MessageTypeRefreshFailed, RefreshData{ProjectID: projectID, Error: err.Error()})
}

// initialMessages is the current state of every project as stats messages
func (h *Handler) initialMessages() []Message {
	projects := h.store.List()
	msgs := make([]Message, 0, len(projects))
	for _, p := range projects {
		msg, err := newMessage(MessageTypeStats, StatsData{ProjectID: p.ID, Stats: h.projector.Project(p)})
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := newMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(msg)
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	active, _ := h.store.Active()
	projects := h.store.List()

	out := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, ProjectSummary{
			ID:           p.ID,
			Name:         p.Name,
			Path:         p.Path,
			DocsPath:     p.DocsPath,
			CurrentPhase: p.CurrentPhase,
			LastActivity: p.LastActivity,
			Active:       active != nil && active.ID == p.ID,
			Refreshing:   h.refresher != nil && h.refresher.InFlight(p.ID),
			Stats:        h.projector.Project(p),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ProjectDetail{Project: p, Stats: h.projector.Project(p)})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("refresh is not available"))
		return
	}
	id := r.PathValue("id")
	p, err := h.refresher.Refresh(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err)
	case p == nil:
		writeError(w, http.StatusNotFound, store.ErrNotFound)
	default:
		writeJSON(w, http.StatusOK, ProjectDetail{Project: p, Stats: h.projector.Project(p)})
	}
}

func (h *Handler) handleReadDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	content, path, err := docs.Read(p, r.PathValue("ref"))
	if err != nil {
		writeError(w, documentStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentBody{Path: path, Content: content})
}

// handleWriteDocument saves a document. The project is refreshed by the
// daemon's watcher, so writes need a live daemon behind the dashboard.
func (h *Handler) handleWriteDocument(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("editing is not available in read-only mode"))
		return
	}
	p, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	var body DocumentBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentSize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	path, err := docs.Write(p, r.PathValue("ref"), body.Content)
	if err != nil {
		writeError(w, documentStatus(err), err)
		return
	}
	h.logger.Printf("Wrote %s for %s", path, p.ID)
	writeJSON(w, http.StatusOK, DocumentBody{Path: path, Content: body.Content})
}

func documentStatus(err error) int {
	switch {
	case errors.Is(err, docs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, docs.ErrOutsideDocs), errors.Is(err, docs.ErrFileType):
		return http.StatusBadRequest
	case errors.Is(err, docs.ErrNoDocsDir):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
