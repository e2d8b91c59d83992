package model

import "time"

// TaskStatus はタスクの進行状態を表す。
type TaskStatus string

const (
	// TaskStatusTodo は未着手状態。
	TaskStatusTodo TaskStatus = "todo"
	// TaskStatusInProgress は進行中状態。
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusDone は完了状態。
	TaskStatusDone TaskStatus = "done"
)

// TaskPriority はタスクの優先度を表す。
type TaskPriority string

const (
	// TaskPriorityLow は低優先度。
	TaskPriorityLow TaskPriority = "low"
	// TaskPriorityNormal は通常優先度。
	TaskPriorityNormal TaskPriority = "normal"
	// TaskPriorityHigh は高優先度。
	TaskPriorityHigh TaskPriority = "high"
)

// Task はプロジェクトに属するタスクを表す。
// ProjectIDとCreatorIDは必須の外部参照、AssigneeIDは任意の外部参照。
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	ProjectID   string       `json:"project_id"`
	AssigneeID  string       `json:"assigned_to_id,omitempty"`
	CreatorID   string       `json:"creator_id"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Archived    bool         `json:"archived"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
