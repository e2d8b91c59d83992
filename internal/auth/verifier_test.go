package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/taskdeck/internal/model"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "taskdeck-api"
	testKeyID    = "test-key-1"
)

var testSecret = []byte("symmetric-test-secret")

func signHS256(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(subject string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: subject + "@example.com",
		Name:  "Test User",
	}
}

// newJWKSServer は生成したRSA鍵の公開鍵セットを配信するテストサーバーを返す。
func newJWKSServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	jwks := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)
	return server, key
}

// TestSymmetricVerifier_ValidToken は正常なHS256トークンの検証を確認する。
func TestSymmetricVerifier_ValidToken(t *testing.T) {
	v := NewSymmetricVerifier(testIssuer, testAudience, testSecret)
	raw := signHS256(t, validClaims("user-1"))

	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", claims.Subject)
	}
	if claims.Email != "user-1@example.com" {
		t.Errorf("Email = %q", claims.Email)
	}
}

// TestSymmetricVerifier_ClaimFailures はクレーム検証の失敗が
// 分類付きの認証エラーとして確定することを検証する。
func TestSymmetricVerifier_ClaimFailures(t *testing.T) {
	v := NewSymmetricVerifier(testIssuer, testAudience, testSecret)

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims("user-1")
	wrongIssuer.Issuer = "https://evil.example.com"

	wrongAudience := validClaims("user-1")
	wrongAudience.Audience = jwt.ClaimStrings{"other-api"}

	cases := []struct {
		name string
		raw  string
		kind model.ErrorKind
	}{
		{"expired", signHS256(t, expired), model.KindExpiredToken},
		{"wrong issuer", signHS256(t, wrongIssuer), model.KindUnknownIssuer},
		{"wrong audience", signHS256(t, wrongAudience), model.KindInvalidToken},
		{"garbage", "not-a-jwt", model.KindInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.raw)
			if !model.IsKind(err, tc.kind) {
				t.Errorf("error kind = %v, want %v", model.KindOf(err), tc.kind)
			}
			// クレーム検証の失敗はフォールスルー対象ではない
			if errors.Is(err, ErrVerifierUnavailable) {
				t.Error("claim failure must not be ErrVerifierUnavailable")
			}
		})
	}
}

// TestSymmetricVerifier_WrongSignature は署名不一致がInvalidTokenになることを検証する。
func TestSymmetricVerifier_WrongSignature(t *testing.T) {
	v := NewSymmetricVerifier(testIssuer, testAudience, []byte("another-secret"))
	raw := signHS256(t, validClaims("user-1"))

	_, err := v.Verify(context.Background(), raw)
	if !model.IsKind(err, model.KindInvalidToken) {
		t.Errorf("error kind = %v, want invalid_token", model.KindOf(err))
	}
}

// TestSymmetricVerifier_AlgMismatchIsUnavailable はRS256トークンが
// 手段不能として次の検証手段に委ねられることを検証する。
func TestSymmetricVerifier_AlgMismatchIsUnavailable(t *testing.T) {
	_, key := newJWKSServer(t)
	v := NewSymmetricVerifier(testIssuer, testAudience, testSecret)
	raw := signRS256(t, key, validClaims("user-1"))

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("err = %v, want ErrVerifierUnavailable", err)
	}
}

// TestFederatedVerifier_ValidToken はJWKSで検証できるRS256トークンを確認する。
func TestFederatedVerifier_ValidToken(t *testing.T) {
	server, key := newJWKSServer(t)
	v := NewFederatedVerifier(testIssuer, testAudience, server.URL)
	raw := signRS256(t, key, validClaims("idp|42"))

	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "idp|42" {
		t.Errorf("Subject = %q, want idp|42", claims.Subject)
	}
}

// TestFederatedVerifier_ExpiredIsTerminal は期限切れがフォールスルーせずに
// 確定することを検証する。
func TestFederatedVerifier_ExpiredIsTerminal(t *testing.T) {
	server, key := newJWKSServer(t)
	v := NewFederatedVerifier(testIssuer, testAudience, server.URL)

	expired := validClaims("idp|42")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	raw := signRS256(t, key, expired)

	_, err := v.Verify(context.Background(), raw)
	if !model.IsKind(err, model.KindExpiredToken) {
		t.Errorf("error kind = %v, want expired_token", model.KindOf(err))
	}
	if errors.Is(err, ErrVerifierUnavailable) {
		t.Error("expired token must not be ErrVerifierUnavailable")
	}
}

// TestFederatedVerifier_JWKSUnreachableIsUnavailable は鍵素材が取得できない
// 場合に手段不能として扱われることを検証する。
func TestFederatedVerifier_JWKSUnreachableIsUnavailable(t *testing.T) {
	server, key := newJWKSServer(t)
	url := server.URL
	server.Close() // 即座に閉じて到達不能にする

	v := NewFederatedVerifier(testIssuer, testAudience, url)
	raw := signRS256(t, key, validClaims("idp|42"))

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("err = %v, want ErrVerifierUnavailable", err)
	}
}

// TestFederatedVerifier_HS256IsUnavailable はHS256トークンがこの手段では
// 検証できないことを検証する。
func TestFederatedVerifier_HS256IsUnavailable(t *testing.T) {
	server, _ := newJWKSServer(t)
	v := NewFederatedVerifier(testIssuer, testAudience, server.URL)
	raw := signHS256(t, validClaims("user-1"))

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("err = %v, want ErrVerifierUnavailable", err)
	}
}
