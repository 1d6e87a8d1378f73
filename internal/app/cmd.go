package app

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/connectbroker/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandProviders はプロバイダー定義を検証して一覧表示することを示す。
	CommandProviders Command = "providers"
)

// NewRootCommand はconnectbrokerのコマンドツリーを構築する。
// サブコマンドを省略した場合はserveとして動作する。
// ログとコマンド出力はwに書き込む。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "connectbroker",
		Short:         "OAuth connection broker for third-party identity providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, CommandServe, runServe)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	serveCmd := &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, CommandServe, runServe)
		},
	}

	var rollback int
	migrateCmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations for the configured driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, CommandMigrate, func(cfg *config.Config) error {
				return runMigrate(cfg, rollback)
			})
		},
	}
	migrateCmd.Flags().IntVar(&rollback, "rollback", 0, "Roll back the given number of migrations instead of applying")

	var port string
	healthcheckCmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe /health on the local server",
		Args:  cobra.NoArgs,
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(port)
		},
	}
	healthcheckCmd.Flags().StringVar(&port, "port", envOr("SERVER_PORT", "8080"), "Server port (env SERVER_PORT)")

	providersCmd := &cobra.Command{
		Use:   string(CommandProviders),
		Short: "Validate the providers file and list configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, CommandProviders, func(cfg *config.Config) error {
				return runProviders(cfg, cmd.OutOrStdout())
			})
		},
	}

	root.AddCommand(serveCmd, migrateCmd, healthcheckCmd, providersCmd)
	return root
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
