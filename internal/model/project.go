package model

import "time"

// Project はタスクをまとめるプロジェクトを表す。
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id"`
	Personal    bool      `json:"personal"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MemberRole はプロジェクトメンバーのロールを表す。
type MemberRole string

const (
	// RoleOwner はプロジェクトの所有者ロール。
	RoleOwner MemberRole = "owner"
	// RoleMember は一般メンバーロール。
	RoleMember MemberRole = "member"
)

// ProjectMembership はプロジェクトとユーザーの所属関係を表す。
// バックエンドの物理表現（インライン配列か正規化された結合行か）に関わらず、
// ゲートウェイ境界ではこの値型のみが流通する。
type ProjectMembership struct {
	ProjectID string     `json:"project_id"`
	UserID    string     `json:"user_id"`
	Role      MemberRole `json:"role"`
	AddedAt   time.Time  `json:"added_at"`
}
