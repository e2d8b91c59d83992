package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/middleware"
	"github.com/hitoshi/taskdeck/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, username, email, password, displayName string) (*model.User, error)
	Login(ctx context.Context, username, password string) (*model.Session, *model.RefreshToken, error)
	Refresh(ctx context.Context, token string) (*model.Session, *model.RefreshToken, error)
	Logout(ctx context.Context, sessionID string) error
	CompleteProfile(ctx context.Context, pending *auth.NewIdentityPendingError, username string) (*model.User, error)
}

// TokenClaimer はベアラートークンから検証済みクレームを取り出す
// インターフェース。auth.Resolverが実装する。
type TokenClaimer interface {
	VerifyToken(ctx context.Context, token string) (*auth.Claims, error)
}

// UserGetter は認証ハンドラーが現在ユーザーの取得に使うインターフェース。
type UserGetter interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	claimer TokenClaimer
	users   UserGetter
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, claimer TokenClaimer, users UserGetter, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		claimer: claimer,
		users:   users,
		config:  config,
	}
}

// registerRequest はユーザー登録リクエストのボディ。
type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// refreshRequest はトークン更新リクエストのボディ。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// completeProfileRequest はプロフィール補完リクエストのボディ。
type completeProfileRequest struct {
	Username string `json:"username"`
}

// sessionResponse はセッション発行のAPIレスポンス。
type sessionResponse struct {
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
}

// Register はローカルユーザー登録を処理する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	user, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password, req.DisplayName)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

// Login はユーザー名とパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	session, refresh, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    session.ID,
		RefreshToken: refresh.Token,
		ExpiresAt:    session.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// Refresh はリフレッシュトークンを引き換えて新しいセッションを発行する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	if req.RefreshToken == "" {
		handleError(w, model.NewValidationError("refresh_token is required"))
		return
	}

	session, refresh, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    session.ID,
		RefreshToken: refresh.Token,
		ExpiresAt:    session.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// CompleteProfile は検証済みフェデレーテッドアイデンティティから
// ユーザーを作成する。ベアラートークンを再検証し、クレームの
// サブジェクトとメールアドレスを使う。
// POST /auth/complete
func (h *AuthHandler) CompleteProfile(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		handleError(w, model.NewAuthError(model.KindNoCredential, "bearer token is required", nil))
		return
	}

	claims, err := h.claimer.VerifyToken(r.Context(), token)
	if err != nil {
		handleError(w, err)
		return
	}

	var req completeProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	user, err := h.service.CompleteProfile(r.Context(), &auth.NewIdentityPendingError{
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, req.Username)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

// Me は現在の認証済みユーザー情報を返す。
// GET /auth/me （PrincipalMiddlewareの後に配置）
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		handleError(w, model.NewAuthError(model.KindNoCredential, "authentication required", nil))
		return
	}

	user, err := h.users.GetUser(r.Context(), principal.UserID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// setSessionCookie はセッションCookieを設定またはクリアする。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// bearerToken はAuthorizationヘッダーからベアラートークンを取り出す。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
