package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/model"
)

// ProjectServiceInterface はプロジェクトハンドラーが必要とするゲートウェイ操作。
type ProjectServiceInterface interface {
	ListProjects(ctx context.Context) ([]*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	CreateProject(ctx context.Context, project *model.Project) (*model.Project, error)
	UpdateProject(ctx context.Context, project *model.Project) (*model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	ListMembers(ctx context.Context, projectID string) ([]*model.ProjectMembership, error)
	AddMember(ctx context.Context, m *model.ProjectMembership) (*model.ProjectMembership, error)
	RemoveMember(ctx context.Context, projectID, userID string) error
}

// ProjectHandler はプロジェクト管理のHTTPハンドラー。
type ProjectHandler struct {
	service ProjectServiceInterface
}

// NewProjectHandler はProjectHandlerを生成する。
func NewProjectHandler(service ProjectServiceInterface) *ProjectHandler {
	return &ProjectHandler{service: service}
}

// createProjectRequest はプロジェクト作成リクエストのボディ。
type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Personal    bool   `json:"personal"`
}

// updateProjectRequest はプロジェクト更新リクエストのボディ。
// nilのフィールドは変更しない。
type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// addMemberRequest はメンバー追加リクエストのボディ。
type addMemberRequest struct {
	UserID string           `json:"user_id"`
	Role   model.MemberRole `json:"role"`
}

// ListProjects は全プロジェクトの一覧を返す。
// GET /api/projects
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.service.ListProjects(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// GetProject はプロジェクト詳細を返す。
// GET /api/projects/{id}
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.service.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// CreateProject はプロジェクトを作成する。所有者は認証済み主体になる。
// POST /api/projects
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		handleError(w, model.NewAuthError(model.KindNoCredential, "authentication required", nil))
		return
	}

	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	project, err := h.service.CreateProject(r.Context(), &model.Project{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     principal.UserID,
		Personal:    req.Personal,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// UpdateProject はプロジェクト情報を更新する。
// PATCH /api/projects/{id}
func (h *ProjectHandler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	project, err := h.service.GetProject(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	if req.Name != nil {
		project.Name = *req.Name
	}
	if req.Description != nil {
		project.Description = *req.Description
	}

	updated, err := h.service.UpdateProject(r.Context(), project)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteProject はプロジェクトと配下のタスク・メンバーシップを削除する。
// DELETE /api/projects/{id}
func (h *ProjectHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers はプロジェクトのメンバー一覧を返す。
// GET /api/projects/{id}/members
func (h *ProjectHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// AddMember はプロジェクトにメンバーを追加する。
// POST /api/projects/{id}/members
func (h *ProjectHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	member, err := h.service.AddMember(r.Context(), &model.ProjectMembership{
		ProjectID: chi.URLParam(r, "id"),
		UserID:    req.UserID,
		Role:      req.Role,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// RemoveMember はプロジェクトからメンバーを外す。
// DELETE /api/projects/{id}/members/{userID}
func (h *ProjectHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
