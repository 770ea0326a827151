package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/coursefeed/internal/composer"
	"github.com/hitoshi/coursefeed/internal/config"
	"github.com/hitoshi/coursefeed/internal/database"
	"github.com/hitoshi/coursefeed/internal/handler"
	"github.com/hitoshi/coursefeed/internal/lms"
	"github.com/hitoshi/coursefeed/internal/logger"
	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/readstate"
	"github.com/hitoshi/coursefeed/internal/repository"
	"github.com/hitoshi/coursefeed/internal/security"
	"github.com/hitoshi/coursefeed/internal/unread"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。wはログの出力先。
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

	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("lms_base_url", cfg.LMSBaseURL),
		slog.Bool("durable_store", cfg.DatabaseURL != ""),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, l)
	case CommandFeed:
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("usage: feed <userID>")
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runFeed(ctx, cfg, l, os.Stdout, args[1])
	default:
		return runServe(cfg, l)
	}
}

// Components はフィードコントローラーを構成する依存関係一式。
type Components struct {
	Composer *composer.Composer
	Counter  *unread.Counter
	Metrics  *metrics.Collector
	Registry *prometheus.Registry
	DB       *sql.DB // DATABASE_URL未設定の場合はnil
}

// Close は保持しているリソースを解放する。
func (c *Components) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// Build は設定から全依存関係をワイヤリングする。
// DATABASE_URLが設定されている場合はPostgreSQLの既読ストアに接続し、
// 未設定の場合はプロセス内ストアを使用する。
func Build(ctx context.Context, cfg *config.Config, l *slog.Logger) (*Components, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. LMSクライアント（公開アドレス限定の場合はSSRFガード付き）
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	if cfg.LMSPublicOnly {
		guard := security.NewOutboundGuard(cfg.LMSBaseURL)
		if err := guard.ValidateBaseURL(cfg.LMSBaseURL); err != nil {
			return nil, fmt.Errorf("invalid LMS_API_BASE_URL: %w", err)
		}
		httpClient = guard.NewClient(cfg.FetchTimeout)
	}

	client := lms.NewClient(lms.ClientOptions{
		BaseURL:     cfg.LMSBaseURL,
		HTTPClient:  httpClient,
		Rate:        cfg.FetchRate,
		Burst:       cfg.FetchBurst,
		MaxBodySize: cfg.FetchMaxSize,
	}, l, collector)

	sanitizer := security.NewContentSanitizer()

	// 3. 既読ストア
	components := &Components{Metrics: collector, Registry: reg}

	var kv repository.KVStore
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		l.Info("database connection established")
		components.DB = db
		kv = repository.NewPostgresKVRepo(db)
	} else {
		l.Warn("DATABASE_URLが未設定のため、既読状態はプロセス内にのみ保持されます")
		kv = repository.NewMemoryKVRepo()
	}

	// 4. コンポーザー
	components.Counter = unread.NewCounter(0)
	components.Composer = composer.New(composer.Deps{
		Enrollments:   lms.NewEnrollmentResolver(client),
		Catalog:       lms.NewCourseCatalog(client),
		Announcements: lms.NewAnnouncementRepository(client, sanitizer, cfg.AnnouncementDefaultTTL),
		ReadState:     readstate.NewStore(kv, l, collector),
		Counter:       components.Counter,
		Logger:        l,
		Metrics:       collector,
		CatalogWait:   cfg.CatalogWait,
	})

	return components, nil
}

// runServe はフィードゲートウェイのAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config, l *slog.Logger) error {
	components, err := Build(context.Background(), cfg, l)
	if err != nil {
		return err
	}
	defer components.Close()

	deps := &handler.RouterDeps{
		Logger:            l,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Metrics:           components.Metrics,
		Gatherer:          components.Registry,
		Composer:          components.Composer,
		Counter:           components.Counter,
	}
	// *sql.DBをそのままインターフェースに入れるとnilチェックが効かなくなるため分岐する
	if components.DB != nil {
		deps.HealthChecker = components.DB
	}

	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		l.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	l.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	l.Info("API server stopped gracefully")
	return nil
}

// runFeed はuserIDのフィードを1回組み立て、結果をJSONでoutに書き出す。
func runFeed(ctx context.Context, cfg *config.Config, l *slog.Logger, out io.Writer, userID string) error {
	components, err := Build(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer components.Close()

	snap, err := components.Composer.Load(ctx, strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("failed to compose feed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(handler.NewSnapshotResponse(*snap)); err != nil {
		return fmt.Errorf("failed to write feed: %w", err)
	}
	return nil
}

// runMigrate は既読ストアのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	l.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		return u.Scheme + "://***@" + u.Host + u.Path
	}
	return u.Scheme + "://" + u.Host + u.Path
}
