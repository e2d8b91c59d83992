package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/taskdeck/internal/model"
)

// ErrVerifierUnavailable は検証手段そのものが実行できなかったことを示す。
// （署名鍵素材が未取得・到達不能、アルゴリズム不一致など。）
// このエラーの場合のみ次の検証手段にフォールスルーする。
// クレーム検証の失敗（期限切れ、発行者・オーディエンス不一致）では
// 決してフォールスルーしない。
var ErrVerifierUnavailable = errors.New("verification method unavailable")

// Claims は署名付きトークンから取り出すクレームの集合。
// Subjectが正規のフェデレーテッドサブジェクトになる。
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TokenVerifier は1つのトークン検証手段を表す。
// ResolverはTokenVerifierのスライスを順番に試す。
type TokenVerifier interface {
	// Name はログ・メトリクス用の手段名を返す。
	Name() string
	// Verify はトークンを検証しクレームを返す。
	// 手段自体が実行できない場合はErrVerifierUnavailableを、
	// クレーム検証の失敗は分類付きの認証エラーを返す。
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// FederatedVerifier は外部IdPの公開鍵セット（JWKS）でRS256署名を検証する。
type FederatedVerifier struct {
	issuer   string
	audience string
	jwksURL  string

	mu   sync.Mutex
	keys keyfunc.Keyfunc // 初回検証時に遅延初期化
}

// NewFederatedVerifier はFederatedVerifierを生成する。
func NewFederatedVerifier(issuer, audience, jwksURL string) *FederatedVerifier {
	return &FederatedVerifier{
		issuer:   issuer,
		audience: audience,
		jwksURL:  jwksURL,
	}
}

// Name は手段名を返す。
func (v *FederatedVerifier) Name() string { return "federated" }

// keyfuncFor はJWKSクライアントを遅延初期化して返す。
// 鍵素材の取得に失敗した場合は手段不能として扱う。
func (v *FederatedVerifier) keyfuncFor(ctx context.Context) (keyfunc.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil {
		return v.keys, nil
	}
	k, err := keyfunc.NewDefaultCtx(ctx, []string{v.jwksURL})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch JWKS: %v", ErrVerifierUnavailable, err)
	}
	v.keys = k
	return k, nil
}

// Verify はトークンをフェデレーテッドトークンとして検証する。
func (v *FederatedVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if err := checkAlg(raw, jwt.SigningMethodRS256.Alg()); err != nil {
		return nil, err
	}

	keys, err := v.keyfuncFor(ctx)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		// 鍵が見つからない等のkeyfunc起因の失敗は手段不能として扱い、
		// クレーム検証の失敗はここで確定させる。
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
		}
		return nil, mapClaimError(err)
	}
	return claims, nil
}

// SymmetricVerifier は事前共有シークレットでHS256署名を検証する。
// フェデレーテッド検証が手段不能の場合のフォールバック、および
// ローカル発行トークンの検証に使う。クレーム検証は同一条件で行う。
type SymmetricVerifier struct {
	issuer   string
	audience string
	secret   []byte
}

// NewSymmetricVerifier はSymmetricVerifierを生成する。
func NewSymmetricVerifier(issuer, audience string, secret []byte) *SymmetricVerifier {
	return &SymmetricVerifier{
		issuer:   issuer,
		audience: audience,
		secret:   secret,
	}
}

// Name は手段名を返す。
func (v *SymmetricVerifier) Name() string { return "symmetric" }

// Verify はトークンを事前共有シークレットで検証する。
func (v *SymmetricVerifier) Verify(_ context.Context, raw string) (*Claims, error) {
	if err := checkAlg(raw, jwt.SigningMethodHS256.Alg()); err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(_ *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapClaimError(err)
	}
	return claims, nil
}

// checkAlg はトークンヘッダーのアルゴリズムが手段と一致するか確認する。
// 不一致はこの手段では検証できないことを意味し、フォールスルー対象になる。
func checkAlg(raw, alg string) error {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return model.NewAuthError(model.KindInvalidToken, "malformed token", err)
	}
	if token.Method.Alg() != alg {
		return fmt.Errorf("%w: token alg %s does not match %s",
			ErrVerifierUnavailable, token.Method.Alg(), alg)
	}
	return nil
}

// mapClaimError はJWTライブラリのエラーを分類付き認証エラーに変換する。
func mapClaimError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.NewAuthError(model.KindExpiredToken, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return model.NewAuthError(model.KindUnknownIssuer, "token issuer does not match", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return model.NewAuthError(model.KindInvalidToken, "token audience does not match", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return model.NewAuthError(model.KindInvalidToken, "malformed token", err)
	default:
		return model.NewAuthError(model.KindInvalidToken, "token verification failed", err)
	}
}

// compile-time interface checks
var (
	_ TokenVerifier = (*FederatedVerifier)(nil)
	_ TokenVerifier = (*SymmetricVerifier)(nil)
)
