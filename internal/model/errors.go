package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。
// 呼び出し元はKindに基づいてリトライ可否やHTTPステータスを決定する。
type ErrorKind string

const (
	// KindValidation は入力不正またはダングリング外部参照を示す。
	KindValidation ErrorKind = "validation"
	// KindNotFound は対象エンティティが存在しないことを示す。
	KindNotFound ErrorKind = "not_found"
	// KindConflict は一意性制約違反（ユーザー名重複、サブジェクト付け替え等）を示す。
	KindConflict ErrorKind = "conflict"
	// KindStorageUnavailable はバックエンドの一時的な障害を示す。
	// ゲートウェイ内部ではリトライせず、リトライ方針は呼び出し元に委ねる。
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	// KindNoCredential は資格情報が一切提示されなかったことを示す。
	KindNoCredential ErrorKind = "no_credential"
	// KindInvalidToken はトークンの署名・形式・クレームが不正であることを示す。
	KindInvalidToken ErrorKind = "invalid_token"
	// KindExpiredToken はトークンの有効期限切れを示す。
	KindExpiredToken ErrorKind = "expired_token"
	// KindUnknownIssuer はトークンの発行者が設定と一致しないことを示す。
	KindUnknownIssuer ErrorKind = "unknown_issuer"
)

// Error は分類付きのドメインエラーを表す。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error // 原因となった下位エラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError は入力不正エラーを生成する。
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError は未検出エラーを生成する。
func NewNotFoundError(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// NewConflictError は一意性制約違反エラーを生成する。
func NewConflictError(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewStorageUnavailableError はバックエンド一時障害エラーを生成する。
func NewStorageUnavailableError(message string, cause error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: message, Err: cause}
}

// NewAuthError は認証系エラーを生成する。
// kindにはKindNoCredential、KindInvalidToken、KindExpiredToken、
// KindUnknownIssuerのいずれかを指定する。
func NewAuthError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf はエラーチェーンからErrorKindを抽出する。
// 分類付きエラーが含まれない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind はエラーが指定の分類に属するかどうかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
