package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/model"
)

// TaskServiceInterface はタスクハンドラーが必要とするゲートウェイ操作。
type TaskServiceInterface interface {
	ListTasks(ctx context.Context) ([]*model.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]*model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	CreateTask(ctx context.Context, task *model.Task) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) (*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// TaskHandler はタスク管理のHTTPハンドラー。
type TaskHandler struct {
	service TaskServiceInterface
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskServiceInterface) *TaskHandler {
	return &TaskHandler{service: service}
}

// createTaskRequest はタスク作成リクエストのボディ。
type createTaskRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	ProjectID   string             `json:"project_id"`
	AssigneeID  string             `json:"assigned_to_id"`
	DueDate     *time.Time         `json:"due_date"`
	Priority    model.TaskPriority `json:"priority"`
}

// updateTaskRequest はタスク更新リクエストのボディ。
// nilのフィールドは変更しない。
type updateTaskRequest struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	AssigneeID  *string             `json:"assigned_to_id"`
	DueDate     *time.Time          `json:"due_date"`
	Status      *model.TaskStatus   `json:"status"`
	Priority    *model.TaskPriority `json:"priority"`
	Archived    *bool               `json:"archived"`
}

// ListTasks はタスクの一覧を返す。project_idクエリで絞り込める。
// GET /api/tasks?project_id=xxx
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*model.Task
		err   error
	)
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		tasks, err = h.service.ListProjectTasks(r.Context(), projectID)
	} else {
		tasks, err = h.service.ListTasks(r.Context())
	}
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask はタスク詳細を返す。
// GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CreateTask はタスクを作成する。作成者は認証済み主体になる。
// POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		handleError(w, model.NewAuthError(model.KindNoCredential, "authentication required", nil))
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	task, err := h.service.CreateTask(r.Context(), &model.Task{
		Name:        req.Name,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		AssigneeID:  req.AssigneeID,
		CreatorID:   principal.UserID,
		DueDate:     req.DueDate,
		Priority:    req.Priority,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// UpdateTask はタスクを更新する。
// PATCH /api/tasks/{id}
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	task, err := h.service.GetTask(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.AssigneeID != nil {
		task.AssigneeID = *req.AssigneeID
	}
	if req.DueDate != nil {
		task.DueDate = req.DueDate
	}
	if req.Status != nil {
		task.Status = *req.Status
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Archived != nil {
		task.Archived = *req.Archived
	}

	updated, err := h.service.UpdateTask(r.Context(), task)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteTask はタスクを削除する。
// DELETE /api/tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
