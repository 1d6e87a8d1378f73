package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/connectbroker/internal/config"
	"github.com/hitoshi/connectbroker/internal/database"
	"github.com/hitoshi/connectbroker/internal/logger"
	"github.com/hitoshi/connectbroker/internal/provider"
	"github.com/hitoshi/connectbroker/internal/security"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// runWithConfig は設定を読み込んでからfnを実行する。
func runWithConfig(w io.Writer, cmd Command, fn func(cfg *config.Config) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)
	return fn(cfg)
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, nil)
}

// serve は全依存関係をワイヤリングし、ctxがキャンセルされるまでHTTPサーバーを動かす。
// readyが指定された場合、待ち受けを開始したアドレスを通知する。
func serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			slog.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           comps.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// rollbackが正の場合は、その数だけマイグレーションを巻き戻す。
func runMigrate(cfg *config.Config, rollback int) error {
	dialect, err := database.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	if dialect == database.DialectMemory {
		slog.Info("memory driver has no schema; skipping migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("driver", string(dialect)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if rollback > 0 {
		if err := database.RollbackMigrations(dialect, cfg.DatabaseURL, rollback); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", rollback))
		return nil
	}

	if err := database.RunMigrations(dialect, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runProviders はプロバイダー定義を検証し、一覧をwに出力する。
// 資格情報は出力しない。
func runProviders(cfg *config.Config, w io.Writer) error {
	factory := security.NewSafeClientFactory()
	if !cfg.ProviderSafeHTTP {
		factory = security.NewPlainClientFactory()
	}
	defs, err := loadDefinitions(cfg.ProvidersFile, factory)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROTOCOL\tCALLBACK")
	for i := range defs {
		if _, err := defs[i].BuildStrategy(http.DefaultClient); err != nil {
			return fmt.Errorf("provider %q: %w", defs[i].ID, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/connect/%s\n", defs[i].ID, provider.Protocol(defs[i].Protocol), cfg.BaseURL, defs[i].ID)
	}
	return tw.Flush()
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを取り除く。
// URLとして解析できない場合は先頭のみを残す。
func maskDatabaseURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		u.RawQuery = ""
		return u.Redacted()
	}
	if len(raw) > 20 {
		return raw[:12] + "***@..."
	}
	return "***"
}
