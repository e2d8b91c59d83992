// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/taskdeck/internal/auth"
)

// SessionCookieName はステートフルセッションIDを保持するCookieの名前。
const SessionCookieName = "taskdeck_session"

// IdentityResolver はリクエストの資格情報素材を認証済み主体に解決する
// インターフェース。auth.Resolverが実装する。
type IdentityResolver interface {
	Resolve(ctx context.Context, cred auth.Credential) (*auth.Principal, error)
}

// NewPrincipalMiddleware はリクエストから資格情報素材を取り出して
// 認証済み主体に解決するミドルウェアを返す。
// Authorizationヘッダーのベアラートークンが最優先で、無ければ
// セッションCookieを照合する。解決済みの主体はコンテキストに注入される。
//
// 検証済みトークンに対応するユーザーがまだ存在しない場合
// （プロフィール補完待ち）は、403とpendingペイロードを返す。
func NewPrincipalMiddleware(resolver IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := credentialFromRequest(r)

			principal, err := resolver.Resolve(r.Context(), cred)
			if err != nil {
				var pending *auth.NewIdentityPendingError
				if errors.As(err, &pending) {
					WritePendingIdentityResponse(w, pending)
					return
				}
				slog.Debug("identity resolution failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteError(w, err)
				return
			}

			ctx := auth.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// credentialFromRequest はリクエストから資格情報素材を取り出す。
// 両方が存在してもここでは選ばない。優先順位はResolverが決める。
func credentialFromRequest(r *http.Request) auth.Credential {
	cred := auth.Credential{}

	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			cred.BearerToken = strings.TrimSpace(token)
		}
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		cred.SessionID = cookie.Value
	}

	return cred
}
