// Package security はユーザー入力のサニタイズ機能を提供する。
//
// TextSanitizer はタスク名・プロジェクト説明・表示名などの
// ユーザー入力フィールドからHTMLマークアップを除去する。
// これらのフィールドはプレーンテキストとして扱われるため、
// bluemondayのStrictPolicy（全タグ除去）を適用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキストフィールドのサニタイズを行う。
// bluemondayのポリシーを保持し、スレッドセーフに動作する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// ポリシーはStrictPolicy: 全てのHTMLタグを除去し、script/style要素は
// 内容ごと破棄する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力からHTMLマークアップを取り除いたプレーンテキストを返す。
// bluemondayはタグ除去後にテキストをエンティティエスケープするため、
// 保存用のプレーンテキストに戻すアンエスケープを行い、前後の空白を落とす。
// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) Sanitize(input string) string {
	if input == "" {
		return ""
	}
	stripped := s.policy.Sanitize(input)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
