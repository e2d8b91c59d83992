package model

import "time"

// DefaultActivityCap は保存するアクティビティレコードの既定上限。
// 上限を超えた分は古い順（FIFO）に削除される。
const DefaultActivityCap = 500

// DefaultActivityQueryLimit はアクティビティ照会時の既定取得件数。
const DefaultActivityQueryLimit = 50

// ActivityRecord は全ミューテーションの監査証跡の1エントリを表す。
// 追記専用であり、上限到達時に古いものから削除される。
type ActivityRecord struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"timestamp"`
}
