// Package logger はJSON構造化ログの出力を設定する。
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level はSetupで生成したロガーが共有するログレベル。
// 設定読み込み前にロガーを生成するため、後からSetLevelで変更できるようにする。
var level = new(slog.LevelVar)

// redactedKeys は値をログに出さない属性キー。
var redactedKeys = map[string]bool{
	"access_token":   true,
	"refresh_token":  true,
	"secret":         true,
	"oauth_token":    true,
	"oauth_verifier": true,
	"code":           true,
	"state":          true,
}

const redacted = "[REDACTED]"

// redactSecrets は資格情報を表す属性の値を置き換える。
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}
	return a
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
// トークンや認可コードを表す属性はマスクする。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerが指定された場合はそのwriterに出力する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
}

// SetLevel はログレベルを"debug"、"info"、"warn"、"error"のいずれかに変更する。
// 空文字列はinfoとして扱う。
func SetLevel(s string) error {
	if strings.TrimSpace(s) == "" {
		level.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s, err)
	}
	level.Set(l)
	return nil
}
