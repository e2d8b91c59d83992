package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/taskdeck/internal/model"
)

// Credential は1リクエスト分の生の資格情報素材。
// 署名付きベアラートークンとステートフルなセッションIDのどちらか
// （または両方）が入るが、解決時に組み合わせて使われることはない。
type Credential struct {
	BearerToken string
	SessionID   string
}

// Directory はResolverがユーザーとセッションの解決に使うインターフェース。
// gateway.Gatewayの部分集合として定義する。
type Directory interface {
	// FindUserBySubject はサブジェクト一致のユーザーを返す。未検出はnil。
	FindUserBySubject(ctx context.Context, subject string) (*model.User, error)
	// GetUser は指定IDのユーザーを返す。存在しない場合はNotFoundエラー。
	GetUser(ctx context.Context, id string) (*model.User, error)
	// FindSession は有効なセッションを返す。期限切れ・未検出はnil。
	FindSession(ctx context.Context, id string) (*model.Session, error)
}

// Linker は未知のサブジェクトをユーザーに対応付けるインターフェース。
// LinkingPolicyが実装する。
type Linker interface {
	ResolveOrLink(ctx context.Context, subject, email, displayName string) (*model.User, error)
}

// MetricsRecorder は解決結果のメトリクス収集に必要なインターフェース。
// metrics.Collectorの部分集合として定義する。
type MetricsRecorder interface {
	RecordResolution(method, outcome string)
}

// Resolver はリクエストの資格情報素材からちょうど1つの認証済み主体を
// 決定する。優先順位は固定で、(1) ベアラートークンがあれば検証を試み、
// (2) なければセッションIDを直接照合し、(3) どちらも無ければNoCredential。
type Resolver struct {
	verifiers []TokenVerifier
	dir       Directory
	linker    Linker
	metrics   MetricsRecorder
}

// NewResolver はResolverを生成する。
// verifiersは優先順に並べる（フェデレーテッド → 対称シークレット）。
// metricsはnilを許容する。
func NewResolver(verifiers []TokenVerifier, dir Directory, linker Linker, metrics MetricsRecorder) *Resolver {
	return &Resolver{
		verifiers: verifiers,
		dir:       dir,
		linker:    linker,
		metrics:   metrics,
	}
}

// Resolve は資格情報素材を認証済み主体に解決する。
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (*Principal, error) {
	switch {
	case cred.BearerToken != "":
		p, err := r.resolveBearer(ctx, cred.BearerToken)
		r.observe("bearer", err)
		return p, err
	case cred.SessionID != "":
		p, err := r.resolveSession(ctx, cred.SessionID)
		r.observe("session", err)
		return p, err
	default:
		err := model.NewAuthError(model.KindNoCredential, "no credential material present", nil)
		r.observe("none", err)
		return nil, err
	}
}

// resolveBearer はベアラートークンを検証して主体に解決する。
func (r *Resolver) resolveBearer(ctx context.Context, token string) (*Principal, error) {
	claims, err := r.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return r.principalForClaims(ctx, claims)
}

// VerifyToken は検証手段を優先順に試し、検証済みクレームを返す。
// 手段不能（ErrVerifierUnavailable）の場合のみ次の手段へ進み、
// クレーム検証の失敗はその場で確定する。
func (r *Resolver) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	var lastUnavailable error

	for _, v := range r.verifiers {
		claims, err := v.Verify(ctx, token)
		if err != nil {
			if errors.Is(err, ErrVerifierUnavailable) {
				slog.Debug("token verifier unavailable, trying next",
					slog.String("verifier", v.Name()),
					slog.String("error", err.Error()),
				)
				lastUnavailable = err
				continue
			}
			return nil, err
		}
		return claims, nil
	}

	return nil, model.NewAuthError(model.KindInvalidToken,
		"no verification method could process the token", lastUnavailable)
}

// principalForClaims は検証済みクレームを内部ユーザーに対応付ける。
// サブジェクト一致の高速経路を先に試し、未知のサブジェクトは
// アカウントリンク方針に委ねる。
func (r *Resolver) principalForClaims(ctx context.Context, claims *Claims) (*Principal, error) {
	subject := claims.Subject
	if subject == "" {
		return nil, model.NewAuthError(model.KindInvalidToken, "token has no subject claim", nil)
	}

	user, err := r.dir.FindUserBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user, err = r.linker.ResolveOrLink(ctx, subject, claims.Email, claims.Name)
		if err != nil {
			return nil, err
		}
	}

	return &Principal{UserID: user.ID, IsAdmin: user.IsAdmin}, nil
}

// resolveSession はセッションIDを直接照合して主体を解決する。
// セッションは常に既存ユーザーを指すため、アカウントリンクは関与しない。
func (r *Resolver) resolveSession(ctx context.Context, sessionID string) (*Principal, error) {
	session, err := r.dir.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, model.NewAuthError(model.KindInvalidToken, "session not found or expired", nil)
	}

	user, err := r.dir.GetUser(ctx, session.UserID)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, model.NewAuthError(model.KindInvalidToken, "session user no longer exists", err)
		}
		return nil, err
	}

	return &Principal{UserID: user.ID, IsAdmin: user.IsAdmin}, nil
}

// observe は解決結果をメトリクスに記録する。
func (r *Resolver) observe(method string, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(model.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	r.metrics.RecordResolution(method, outcome)
}
