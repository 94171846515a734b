// Package mcp exposes tracked BMAD projects to AI agents over the Model
// Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bmad-dash/bmd/internal/docs"
	"github.com/bmad-dash/bmd/internal/query"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/stats"
)

// Projects is the read side of the project store.
type Projects interface {
	List() []*schema.Project
	Active() (*schema.Project, bool)
	Resolve(ref string) (*schema.Project, error)
}

// Refresher re-reads a project from disk.
type Refresher interface {
	Refresh(ctx context.Context, id string) (*schema.Project, error)
}

// ProjectInfo is one entry of bmd_list_projects.
type ProjectInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	DocsPath     string `json:"docs_path,omitempty"`
	Phase        string `json:"phase"`
	Progress     int    `json:"progress"`
	Active       bool   `json:"active,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

// StoryInfo is one entry of bmd_list_stories.
type StoryInfo struct {
	Number    string `json:"number"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Epic      int    `json:"epic"`
	Tasks     int    `json:"tasks,omitempty"`
	DoneTasks int    `json:"done_tasks,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
}

// Server wraps the MCP server with bmd functionality.
type Server struct {
	mcpServer *server.MCPServer
	projects  Projects
	refresher Refresher
	projector *stats.Projector
}

// NewServer creates a new MCP server. refresher may be nil, in which case
// bmd_refresh_project is not registered.
func NewServer(projects Projects, refresher Refresher, version string) *Server {
	s := &Server{
		projects:  projects,
		refresher: refresher,
		projector: stats.NewProjector(stats.DefaultCacheSize),
	}
	s.mcpServer = server.NewMCPServer(
		"bmd",
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// Serve serves MCP over stdio until stdin closes.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	listTool := mcp.NewTool("bmd_list_projects",
		mcp.WithDescription("List tracked BMAD projects with their phase and overall story progress."),
	)
	s.mcpServer.AddTool(listTool, s.handleListProjects)

	statsTool := mcp.NewTool("bmd_project_stats",
		mcp.WithDescription("Get story, epic and task statistics for one project."),
		mcp.WithString("project",
			mcp.Description("Project id, name or path. Omit to use the active project."),
		),
	)
	s.mcpServer.AddTool(statsTool, s.handleProjectStats)

	storiesTool := mcp.NewTool("bmd_list_stories",
		mcp.WithDescription("List the stories of a project, optionally filtered with an expression over status, epic, epic_title, number, title, tasks, done_tasks and has_file (e.g. status == \"in-progress\" && epic == 2)."),
		mcp.WithString("project",
			mcp.Description("Project id, name or path. Omit to use the active project."),
		),
		mcp.WithString("filter",
			mcp.Description("Filter expression (optional)"),
		),
	)
	s.mcpServer.AddTool(storiesTool, s.handleListStories)

	readTool := mcp.NewTool("bmd_read_document",
		mcp.WithDescription("Read a planning document of a project."),
		mcp.WithString("project",
			mcp.Description("Project id, name or path. Omit to use the active project."),
		),
		mcp.WithString("document",
			mcp.Required(),
			mcp.Description("Document id, type (prd, architecture, ...) or path relative to the docs folder"),
		),
	)
	s.mcpServer.AddTool(readTool, s.handleReadDocument)

	if s.refresher != nil {
		writeTool := mcp.NewTool("bmd_write_document",
			mcp.WithDescription("Replace or create a planning document (.md or .yaml) in a project's docs folder. The project is re-read once the file watcher sees the change."),
			mcp.WithString("project",
				mcp.Description("Project id, name or path. Omit to use the active project."),
			),
			mcp.WithString("document",
				mcp.Required(),
				mcp.Description("Document id, type (prd, architecture, ...) or path relative to the docs folder"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("New file content"),
			),
		)
		s.mcpServer.AddTool(writeTool, s.handleWriteDocument)

		refreshTool := mcp.NewTool("bmd_refresh_project",
			mcp.WithDescription("Re-read a project's planning files from disk and return its updated statistics."),
			mcp.WithString("project",
				mcp.Required(),
				mcp.Description("Project id, name or path"),
			),
		)
		s.mcpServer.AddTool(refreshTool, s.handleRefreshProject)
	}
}

func (s *Server) handleListProjects(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active, _ := s.projects.Active()
	projects := s.projects.List()
	out := make([]ProjectInfo, 0, len(projects))
	for _, p := range projects {
		info := ProjectInfo{
			ID:       p.ID,
			Name:     p.Name,
			Path:     p.Path,
			DocsPath: p.DocsPath,
			Phase:    p.CurrentPhase.String(),
			Progress: s.projector.Project(p).ProgressPercentage,
			Active:   active != nil && active.ID == p.ID,
		}
		if !p.LastActivity.IsZero() {
			info.LastActivity = p.LastActivity.Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return jsonResult(out)
}

func (s *Server) handleProjectStats(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := s.resolve(request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Phase string      `json:"phase"`
		Stats stats.Stats `json:"stats"`
	}{p.ID, p.Name, p.CurrentPhase.String(), s.projector.Project(p)})
}

func (s *Server) handleListStories(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := s.resolve(request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter, err := query.Compile(request.GetString("filter", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := []StoryInfo{}
	err = filter.Each(p, func(e schema.Epic, story schema.Story) {
		env := query.NewEnv(e, story)
		out = append(out, StoryInfo{
			Number:    story.Number,
			Title:     story.Title,
			Status:    string(story.Status),
			Epic:      e.Number,
			Tasks:     env.Tasks,
			DoneTasks: env.DoneTasks,
			FilePath:  story.FilePath,
		})
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func (s *Server) handleReadDocument(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document parameter is required"), nil
	}
	p, err := s.resolve(request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, _, err := docs.Read(p, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleWriteDocument(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document parameter is required"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content parameter is required"), nil
	}
	p, err := s.resolve(request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := docs.Write(p, ref, content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wrote %s", path)), nil
}

func (s *Server) handleRefreshProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	p, err := s.resolve(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	updated, err := s.refresher.Refresh(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to refresh %s: %v", p.Name, err)), nil
	}
	if updated == nil {
		return mcp.NewToolResultError(fmt.Sprintf("project %s is no longer tracked", p.ID)), nil
	}
	return jsonResult(struct {
		ID    string      `json:"id"`
		Phase string      `json:"phase"`
		Stats stats.Stats `json:"stats"`
	}{updated.ID, updated.CurrentPhase.String(), s.projector.Project(updated)})
}

// resolve finds a project by id, path or name. An empty reference means
// the active project.
func (s *Server) resolve(ref string) (*schema.Project, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		if p, ok := s.projects.Active(); ok {
			return p, nil
		}
		return nil, fmt.Errorf("no project given and no active project set")
	}
	return s.projects.Resolve(ref)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
