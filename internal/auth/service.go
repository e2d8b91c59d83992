package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/taskdeck/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// Store はローカル認証サービスが必要とする永続化操作のインターフェース。
// gateway.Gatewayの部分集合として定義する。
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)

	CreateSession(ctx context.Context, session *model.Session) error
	DeleteSession(ctx context.Context, id string) error

	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge   int           // セッション有効期間（秒）
	RefreshTokenTTL time.Duration // リフレッシュトークン有効期間
}

// Service はローカル認証（パスワード）とセッション発行のビジネスロジックを提供する。
type Service struct {
	store  Store
	config ServiceConfig
}

// NewService はServiceを生成する。
func NewService(store Store, config ServiceConfig) *Service {
	return &Service{store: store, config: config}
}

// Register はローカルユーザーを新規登録する。
// パスワードはbcryptでハッシュ化して保存する。
func (s *Service) Register(ctx context.Context, username, email, password, displayName string) (*model.User, error) {
	if username == "" || password == "" {
		return nil, model.NewValidationError("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if displayName == "" {
		displayName = username
	}

	user, err := s.store.CreateUser(ctx, &model.User{
		Username:       username,
		Email:          email,
		DisplayName:    displayName,
		Initials:       deriveInitials(displayName),
		Color:          pickColor(username),
		CredentialHash: string(hash),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("local user registered",
		slog.String("user_id", user.ID),
		slog.String("username", username),
	)
	return user, nil
}

// Login はユーザー名とパスワードでログインし、セッションと
// リフレッシュトークンを発行する。
func (s *Service) Login(ctx context.Context, username, password string) (*model.Session, *model.RefreshToken, error) {
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || user.CredentialHash == "" {
		return nil, nil, model.NewAuthError(model.KindInvalidToken, "invalid username or password", nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.CredentialHash), []byte(password)); err != nil {
		return nil, nil, model.NewAuthError(model.KindInvalidToken, "invalid username or password", nil)
	}

	session, refresh, err := s.issueCredentials(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("local user logged in", slog.String("user_id", user.ID))
	return session, refresh, nil
}

// Refresh はリフレッシュトークンを引き換えて新しいセッションと
// リフレッシュトークンを発行する。使用済みトークンは失効する（ローテーション）。
func (s *Service) Refresh(ctx context.Context, token string) (*model.Session, *model.RefreshToken, error) {
	rt, err := s.store.FindRefreshToken(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	if rt == nil {
		return nil, nil, model.NewAuthError(model.KindInvalidToken, "refresh token not found or expired", nil)
	}

	if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
		return nil, nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return s.issueCredentials(ctx, rt.UserID)
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewValidationError("session ID is required")
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// CompleteProfile はNewIdentityPendingで保留になったフェデレーテッド
// アイデンティティからユーザーを作成する外部プロフィール補完ステップの入口。
// 作成後は次回ログイン時にサブジェクト一致で解決される。
func (s *Service) CompleteProfile(ctx context.Context, pending *NewIdentityPendingError, username string) (*model.User, error) {
	if pending == nil || pending.Subject == "" {
		return nil, model.NewValidationError("pending federated identity is required")
	}
	if username == "" {
		return nil, model.NewValidationError("username is required")
	}

	displayName := pending.DisplayName
	if displayName == "" {
		displayName = username
	}

	user, err := s.store.CreateUser(ctx, &model.User{
		Username:         username,
		Email:            pending.Email,
		DisplayName:      displayName,
		Initials:         deriveInitials(displayName),
		Color:            pickColor(username),
		FederatedSubject: pending.Subject,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("federated user created",
		slog.String("user_id", user.ID),
		slog.String("email", pending.Email),
	)
	return user, nil
}

// issueCredentials はセッションとリフレッシュトークンの組を発行する。
func (s *Service) issueCredentials(ctx context.Context, userID string) (*model.Session, *model.RefreshToken, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	refreshValue, err := generateToken()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	refresh := &model.RefreshToken{
		Token:     refreshValue,
		UserID:    userID,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to save session: %w", err)
	}
	if err := s.store.CreateRefreshToken(ctx, refresh); err != nil {
		return nil, nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return session, refresh, nil
}

// generateToken は暗号的に安全なランダムトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// deriveInitials は表示名から最大2文字のイニシャルを導出する。
// 各単語の先頭1文字はルーン単位で取るため、マルチバイトの表示名でも
// 不正なUTF-8にならない。
func deriveInitials(displayName string) string {
	var initials []rune
	for _, f := range strings.Fields(displayName) {
		r, _ := utf8.DecodeRuneInString(f)
		initials = append(initials, unicode.ToUpper(r))
		if len(initials) >= 2 {
			break
		}
	}
	return string(initials)
}

// userColors はユーザーアバターに割り当てる色のパレット。
var userColors = []string{
	"#e06055", "#f5a623", "#7cb342", "#26a69a",
	"#42a5f5", "#5c6bc0", "#ab47bc", "#ec407a",
}

// pickColor はユーザー名のハッシュからパレットの色を決定的に選ぶ。
func pickColor(username string) string {
	h := fnv.New32a()
	h.Write([]byte(username))
	return userColors[h.Sum32()%uint32(len(userColors))]
}
