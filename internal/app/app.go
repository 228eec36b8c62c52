package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/cleanbook/internal/assignment"
	"github.com/hitoshi/cleanbook/internal/auth"
	"github.com/hitoshi/cleanbook/internal/booking"
	"github.com/hitoshi/cleanbook/internal/config"
	"github.com/hitoshi/cleanbook/internal/database"
	"github.com/hitoshi/cleanbook/internal/events"
	"github.com/hitoshi/cleanbook/internal/handler"
	"github.com/hitoshi/cleanbook/internal/logger"
	"github.com/hitoshi/cleanbook/internal/metrics"
	"github.com/hitoshi/cleanbook/internal/middleware"
	"github.com/hitoshi/cleanbook/internal/realtime"
	"github.com/hitoshi/cleanbook/internal/repository"
	"github.com/hitoshi/cleanbook/internal/resilience"
	"github.com/hitoshi/cleanbook/internal/security"
	"github.com/hitoshi/cleanbook/internal/worker/cleanup"
	"github.com/hitoshi/cleanbook/internal/worker/sweep"
)

// 期限切れ予約のキャンセルは日次で行う
const expiryInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

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
		slog.String("event_bus", cfg.EventBus),
		slog.String("notify_broker", cfg.NotifyBroker),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openRedis はNOTIFY_BROKER=redisの場合にRedisクライアントを生成する。それ以外はnilを返す。
func openRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.NotifyBroker != config.NotifyBrokerRedis {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// assignmentCore は割り当てに関わるコンポーネント一式。serveとworkerで共通に使う。
type assignmentCore struct {
	bookings repository.BookingRepository
	users    repository.UserRepository
	registry *realtime.Registry
	fanout   *realtime.RedisFanout
	notifier realtime.Notifier
	selector *assignment.Selector
}

// newAssignmentCore はブレーカー付きリポジトリ、通知、Selectorを組み立てる。
// redisClientがnilの場合はプロセス内のRegistryへ直接配信する。
func newAssignmentCore(cfg *config.Config, db *sql.DB, redisClient *redis.Client, m metrics.MetricsCollector, log *slog.Logger) *assignmentCore {
	bookingRepo := repository.NewPostgresBookingRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)

	bookings := repository.NewBreakerBookingRepo(bookingRepo,
		resilience.NewCircuitBreaker("bookings", 30*time.Second, log))
	users := repository.NewBreakerUserRepo(userRepo,
		resilience.NewCircuitBreaker("users", 30*time.Second, log))

	c := &assignmentCore{bookings: bookings, users: users}
	c.registry = realtime.NewRegistry(m, log)
	c.notifier = c.registry
	if redisClient != nil {
		c.fanout = realtime.NewRedisFanout(redisClient, cfg.RedisChannel, c.registry, log)
		c.notifier = c.fanout
	}

	c.selector = assignment.NewSelector(bookings, users, c.notifier, m, cfg.AssignmentTimezone, log)
	c.registry.SetAssigner(c.selector)
	return c
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB・Redis接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established")

	redisClient, err := openRedis(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	// 3. 割り当てと通知
	core := newAssignmentCore(cfg, db, redisClient, m, log)
	if core.fanout != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := core.fanout.Run(ctx); err != nil {
				slog.Error("通知チャンネルの購読が終了しました", slog.String("error", err.Error()))
			}
		}()
	}

	// 4. イベントバス
	publisher, closeBus, err := setupEventBus(ctx, cfg, core.selector, &wg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// 5. 予約サービス
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTTTL)
	bookingService := booking.NewService(
		core.bookings,
		repository.NewPostgresServiceRepo(db),
		publisher,
		core.notifier,
		core.selector,
		security.NewTextSanitizer(),
		log,
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBooking),
	)
	defer rateLimiter.Stop()

	var redisPinger handler.RedisPinger
	if redisClient != nil {
		redisPinger = redisClient
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           m,
		Gatherer:          reg,
		Tokens:            tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Health:            handler.NewHealthHandler(db, redisPinger),
		WSPath:            cfg.WSPath,
		WSHandler: realtime.NewWSHandler(core.registry, tokens, realtime.WSHandlerConfig{
			SendBuffer:     cfg.WSSendBuffer,
			AllowedOrigin:  cfg.CORSAllowedOrigin,
			InboundTimeout: cfg.AssignmentTimeout,
		}, log),
		BookingService: bookingService,
	})

	// 7. HTTPサーバーの起動
	// WebSocket接続は長時間維持されるため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	cancel()
	wg.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// setupEventBus はEVENT_BUSに応じてPublisherを組み立て、Selectorを購読させる。
// 戻り値のcloseは接続の解放と処理中の購読者の完了待ちを行う。
func setupEventBus(
	ctx context.Context,
	cfg *config.Config,
	selector *assignment.Selector,
	wg *sync.WaitGroup,
	log *slog.Logger,
) (events.Publisher, func(), error) {
	if cfg.EventBus != config.EventBusRabbitMQ {
		bus := events.NewLocalBus(cfg.AssignmentTimeout, log)
		bus.Subscribe(selector)
		return bus, bus.Wait, nil
	}

	publisher, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange,
		resilience.NewCircuitBreaker("rabbitmq-publish", 15*time.Second, log), log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up rabbitmq publisher: %w", err)
	}
	consumer, err := events.NewRabbitMQConsumer(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQQueue,
		selector, cfg.AssignmentTimeout, log)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, fmt.Errorf("failed to set up rabbitmq consumer: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			slog.Error("予約作成イベントの購読が終了しました", slog.String("error", err.Error()))
		}
	}()

	closeFn := func() {
		_ = consumer.Close()
		_ = publisher.Close()
	}
	return publisher, closeFn, nil
}

// runWorker はワーカーモードで起動する。
// 未割り当て予約の再割り当てと、期限切れ予約のキャンセルを行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB・Redis接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established (worker)")

	redisClient, err := openRedis(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		slog.Warn("NOTIFY_BROKER=localのため、ワーカーからの通知はブラウザへ届きません")
	}

	// 2. 割り当て処理の組み立て（ワーカーは接続を持たないためメトリクスは記録しない）
	core := newAssignmentCore(cfg, db, redisClient, nil, log)

	scheduler := sweep.NewScheduler(core.bookings, core.selector, log, cfg.PendingGrace, cfg.SweepMaxConcurrent)
	expiry := cleanup.NewExpiryJob(core.bookings, log)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("max_concurrent", cfg.SweepMaxConcurrent),
	)

	// 期限切れ予約のキャンセルを日次でバックグラウンド実行
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		expiry.Start(ctx, expiryInterval)
	}()

	// 再割り当てスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SweepInterval)
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
