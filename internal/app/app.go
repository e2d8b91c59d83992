// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/taskdeck/internal/activity"
	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/config"
	"github.com/hitoshi/taskdeck/internal/gateway"
	"github.com/hitoshi/taskdeck/internal/handler"
	"github.com/hitoshi/taskdeck/internal/logger"
	"github.com/hitoshi/taskdeck/internal/metrics"
	"github.com/hitoshi/taskdeck/internal/middleware"
	"github.com/hitoshi/taskdeck/internal/security"
	"github.com/hitoshi/taskdeck/internal/storage"
	"github.com/hitoshi/taskdeck/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

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

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// backendConfig はConfigからストレージバックエンドの構成を組み立てる。
func backendConfig(cfg *config.Config) storage.Config {
	sc := storage.Config{
		DataDir:       cfg.DataDir,
		RemoteTimeout: cfg.RemoteTimeout,
	}
	if cfg.RemoteEnabled() {
		sc.Remote = &storage.RemoteConfig{
			Endpoint: cfg.RemoteURL,
			Token:    cfg.RemoteToken,
			Dataset:  cfg.RemoteDataset,
		}
	}
	return sc
}

// runServe はAPIサーバーモードで起動する。
// ストレージバックエンドを開き、全依存関係をワイヤリングし、
// HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストレージバックエンドの構築
	backend, err := storage.Open(backendConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := backend.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach storage backend: %w", err)
	}

	slog.Info("storage backend ready",
		slog.Bool("remote", cfg.RemoteEnabled()),
	)

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. アクティビティレコーダーとゲートウェイの構築
	recorder := activity.NewRecorder(backend, cfg.ActivityCap, collector)
	gw := gateway.New(backend, recorder, collector, security.NewTextSanitizer())

	// 4. アイデンティティ解決の構築
	// 検証手段は優先順: フェデレーテッド（構成時のみ）→ 対称シークレット
	var verifiers []auth.TokenVerifier
	if cfg.FederatedEnabled() {
		verifiers = append(verifiers, auth.NewFederatedVerifier(
			cfg.FederatedIssuer, cfg.FederatedAudience, cfg.FederatedJWKSURL,
		))
	}
	verifiers = append(verifiers, auth.NewSymmetricVerifier(
		cfg.TokenIssuer, cfg.TokenAudience, []byte(cfg.TokenSecret),
	))

	linking := auth.NewLinkingPolicy(gw)
	resolver := auth.NewResolver(verifiers, gw, linking, collector)

	authService := auth.NewService(gw, auth.ServiceConfig{
		SessionMaxAge:   cfg.SessionMaxAge,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})

	// 5. バックグラウンドジョブの開始
	// アクティビティログの定期トリムと期限切れ資格情報の回収
	go recorder.StartTrimLoop(ctx, cfg.ActivityTrimInterval)
	janitor := cleanup.NewJob(backend, slog.Default())
	go janitor.StartLoop(ctx, cfg.SessionCleanupInterval)

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.MutationRate = rate.Limit(float64(cfg.RateLimitMutation) / 60.0)
	rateLimiterCfg.MutationBurst = cfg.RateLimitMutation
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Resolver:          resolver,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		HTTPMetrics:       collector,

		AuthService: authService,
		Claimer:     resolver,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Gateway: gw,
	}

	router := handler.NewRouter(deps)

	// 7. メトリクスサーバーの起動（Prometheusスクレイプ用）
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はリモートストアのスキーマブートストラップを実行する。
// 組み込みストアはスナップショットファイルを自動初期化するため対象外。
func runMigrate(cfg *config.Config) error {
	if !cfg.RemoteEnabled() {
		slog.Info("embedded store initializes itself, nothing to migrate")
		return nil
	}

	store := storage.NewHTTPStore(storage.RemoteConfig{
		Endpoint: cfg.RemoteURL,
		Token:    cfg.RemoteToken,
		Dataset:  cfg.RemoteDataset,
	}, cfg.RemoteTimeout)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	slog.Info("bootstrapping remote store schema",
		slog.String("dataset", cfg.RemoteDataset),
	)

	if err := store.Bootstrap(ctx); err != nil {
		return fmt.Errorf("schema bootstrap failed: %w", err)
	}

	slog.Info("remote store schema bootstrap completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
