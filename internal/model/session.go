package model

import "time"

// Session はユーザーのログインセッションを表す。
// 有効期限を過ぎたセッションは削除されるか無視される。
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken はセッション再発行用のリフレッシュトークンを表す。
// 利用時にローテーションされ、使用済みトークンは削除される。
type RefreshToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
