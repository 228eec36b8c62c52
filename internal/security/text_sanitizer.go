// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は予約の住所・市区町村・備考など、顧客が入力する自由記述を
// プレーンテキストへ正規化する。bluemondayのStrictPolicyで全タグを除去し、
// スタッフ向け画面や通知にマークアップが混入しないようにする。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は自由記述テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は入力からHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// maxRunesを超える場合は切り詰める。maxRunesが0以下の場合は切り詰めない。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはゴルーチンセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// script・style要素は中身ごと除去される。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはテキスト中の & < > をエスケープするため、保存前に元の文字へ戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.TrimSpace(text)

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return text
}
