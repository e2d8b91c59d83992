// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// ローカル認証（パスワード）と外部IdP認証（フェデレーテッドサブジェクト）の
// 両方またはいずれか一方の資格情報を持つ。
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Initials    string `json:"initials"`
	Color       string `json:"color"`
	IsAdmin     bool   `json:"is_admin"`

	// FederatedSubject は外部IdPが発行する安定した識別子。
	// 一度設定されたら不変であり、他ユーザーへの付け替えは許可されない。
	FederatedSubject string `json:"federated_subject,omitempty"`

	// CredentialHash はローカルパスワードのbcryptハッシュ。
	// 外部IdPのみで認証するユーザーの場合は空。
	CredentialHash string `json:"credential_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasFederatedSubject はフェデレーテッドサブジェクトが設定済みかどうかを返す。
func (u *User) HasFederatedSubject() bool {
	return u.FederatedSubject != ""
}
