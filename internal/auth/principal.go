// Package auth は資格情報の解決、トークン検証、アカウントリンクを提供する。
package auth

import "context"

// Principal は認証済みの呼び出し主体を表す。
// 内部ユーザーIDと管理者フラグのみを持ち、資格情報の出所
// （トークンかセッションか）には依存しない。
type Principal struct {
	UserID  string
	IsAdmin bool
}

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストにPrincipalを格納するためのキー。
var principalContextKey = contextKey("principal")

// ContextWithPrincipal はコンテキストにPrincipalを注入する。
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext はリクエストコンテキストからPrincipalを取得する。
// 認証ミドルウェアを通過していないコンテキストではnilを返す。
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
