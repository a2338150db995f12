package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/quota"
	"github.com/gmslzr/ephemeral-be/internal/store"
)

const dayFormat = "2006-01-02"

type projectUsageBody struct {
	ProjectID   uuid.UUID     `json:"project_id"`
	ProjectName string        `json:"project_name"`
	Date        string        `json:"date"`
	Inbound     quota.Metrics `json:"inbound"`
	Outbound    quota.Metrics `json:"outbound"`
}

// userUsageBody is the tenant-wide aggregate. Projects is null in the
// summary view and populated by the breakdown endpoint.
type userUsageBody struct {
	UserID        uuid.UUID          `json:"user_id"`
	Date          string             `json:"date"`
	TotalProjects int                `json:"total_projects"`
	Inbound       quota.Metrics      `json:"inbound"`
	Outbound      quota.Metrics      `json:"outbound"`
	Projects      []projectUsageBody `json:"projects"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	day := quota.Today()

	var projectID *uuid.UUID
	projectName := "Unknown"
	switch {
	case id.ProjectID != nil:
		// Key auth is always scoped to the key's project. The name lookup is
		// best-effort; counters read as zeros for a vanished project anyway.
		projectID = id.ProjectID
		if project, err := s.store.GetProject(ctx, *projectID, id.User.ID); err == nil {
			projectName = project.Name
		}
	case r.URL.Query().Get("project_id") != "":
		parsed, err := uuid.Parse(r.URL.Query().Get("project_id"))
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid project ID")
			return
		}
		project, err := s.store.GetProject(ctx, parsed, id.User.ID)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Project not found")
			return
		}
		if err != nil {
			internalError(w)
			return
		}
		projectID = &project.ID
		projectName = project.Name
	}

	usage, err := s.quota.Usage(ctx, id.User.ID, projectID, day)
	if err != nil {
		internalError(w)
		return
	}

	if projectID != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"usage": projectUsageBody{
				ProjectID:   *projectID,
				ProjectName: projectName,
				Date:        day.Format(dayFormat),
				Inbound:     quota.Snapshot(usage.MessagesIn, usage.BytesIn),
				Outbound:    quota.Snapshot(usage.MessagesOut, usage.BytesOut),
			},
			"is_project_specific": true,
		})
		return
	}

	count, err := s.store.CountProjects(ctx, id.User.ID)
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": userUsageBody{
			UserID:        id.User.ID,
			Date:          day.Format(dayFormat),
			TotalProjects: count,
			Inbound:       quota.Snapshot(usage.MessagesIn, usage.BytesIn),
			Outbound:      quota.Snapshot(usage.MessagesOut, usage.BytesOut),
		},
		"is_project_specific": false,
	})
}

func (s *Server) handleUsageProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	if id.Method != auth.MethodBearer {
		writeDetail(w, http.StatusForbidden, "This endpoint requires JWT authentication")
		return
	}
	day := quota.Today()

	aggregate, err := s.quota.Usage(ctx, id.User.ID, nil, day)
	if err != nil {
		internalError(w)
		return
	}
	perProject, err := s.quota.UsageByProject(ctx, id.User.ID, day)
	if err != nil {
		internalError(w)
		return
	}

	projects := make([]projectUsageBody, 0, len(perProject))
	for _, pu := range perProject {
		projects = append(projects, projectUsageBody{
			ProjectID:   pu.ProjectID,
			ProjectName: pu.ProjectName,
			Date:        day.Format(dayFormat),
			Inbound:     quota.Snapshot(pu.MessagesIn, pu.BytesIn),
			Outbound:    quota.Snapshot(pu.MessagesOut, pu.BytesOut),
		})
	}

	writeJSON(w, http.StatusOK, userUsageBody{
		UserID:        id.User.ID,
		Date:          day.Format(dayFormat),
		TotalProjects: len(projects),
		Inbound:       quota.Snapshot(aggregate.MessagesIn, aggregate.BytesIn),
		Outbound:      quota.Snapshot(aggregate.MessagesOut, aggregate.BytesOut),
		Projects:      projects,
	})
}
