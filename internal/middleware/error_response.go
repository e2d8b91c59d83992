package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusForKind はエラー分類をHTTPステータスコードに対応付ける。
func StatusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case model.KindNoCredential, model.KindInvalidToken,
		model.KindExpiredToken, model.KindUnknownIssuer:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はエラーを分類に応じたステータスコードと統一フォーマットで
// 書き込む。分類の無いエラーは詳細を漏らさず500として返す。
func WriteError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := StatusForKind(kind)

	body := ErrorResponseBody{
		Code:    string(kind),
		Message: err.Error(),
	}
	if status == http.StatusInternalServerError {
		body = ErrorResponseBody{
			Code:    "internal",
			Message: "internal server error",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// PendingIdentityResponseBody はプロフィール補完待ちレスポンスのフォーマット。
// クライアントはこの情報からプロフィール補完ステップへ誘導する。
type PendingIdentityResponseBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Subject     string `json:"subject"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// WritePendingIdentityResponse は検証済みアイデンティティに対応する
// ユーザーが未作成であることを示す403レスポンスを書き込む。
func WritePendingIdentityResponse(w http.ResponseWriter, pending *auth.NewIdentityPendingError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(PendingIdentityResponseBody{
		Code:        "identity_pending",
		Message:     "no user exists for this identity; complete profile to continue",
		Subject:     pending.Subject,
		Email:       pending.Email,
		DisplayName: pending.DisplayName,
	})
}
