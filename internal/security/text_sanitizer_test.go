package security

import (
	"strings"
	"testing"
)

// TestSanitize_StripsMarkup はHTMLタグが除去されテキストのみが残ることを検証する。
func TestSanitize_StripsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "プレーンテキストはそのまま",
			input: "12 Olaya Street",
			want:  "12 Olaya Street",
		},
		{
			name:  "強調タグを除去",
			input: "<b>Villa</b> 4",
			want:  "Villa 4",
		},
		{
			name:  "scriptは中身ごと除去",
			input: "<script>alert('x')</script>Gate 3",
			want:  "Gate 3",
		},
		{
			name:  "イベント属性付きのimgを除去",
			input: `<img src=x onerror="alert(1)">Back door`,
			want:  "Back door",
		},
		{
			name:  "アンパサンドは元の文字で保存",
			input: "Tom & Jerry building",
			want:  "Tom & Jerry building",
		},
		{
			name:  "前後の空白を除去",
			input: "   Riyadh \n",
			want:  "Riyadh",
		},
		{
			name:  "空文字列",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input, 0)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_TruncatesByRunes は最大長をルーン単位で切り詰めることを検証する。
func TestSanitize_TruncatesByRunes(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.Sanitize(strings.Repeat("あ", 10), 4)
	if got != "ああああ" {
		t.Errorf("Sanitize = %q, want %q", got, "ああああ")
	}
}

// TestSanitize_OnlyMarkupBecomesEmpty はタグのみの入力が空文字列になることを検証する。
func TestSanitize_OnlyMarkupBecomesEmpty(t *testing.T) {
	sanitizer := NewTextSanitizer()

	if got := sanitizer.Sanitize("<div><span></span></div>", 0); got != "" {
		t.Errorf("Sanitize = %q, want empty", got)
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	input := "<p>Near the <em>mosque</em></p>"

	first := sanitizer.Sanitize(input, 0)
	second := sanitizer.Sanitize(input, 0)
	if first != second {
		t.Errorf("not idempotent: %q vs %q", first, second)
	}
}

func TestNewTextSanitizer_ImplementsInterface(t *testing.T) {
	var _ TextSanitizer = NewTextSanitizer()
}
