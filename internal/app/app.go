package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/events"
	"supportdesk/internal/handlers"
	"supportdesk/internal/middleware"
	"supportdesk/internal/observability"
	"supportdesk/internal/presence"
	"supportdesk/internal/realtime"
	"supportdesk/internal/repository"
	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const shutdownTimeout = 30 * time.Second

// App 组装好的服务进程
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *gorm.DB
	Hub    *realtime.Hub
	Router *gin.Engine

	Assignments *services.AssignmentService
	Escalations *services.EscalationService
	Handoff     *services.HandoffService
	Dashboard   *services.DashboardService

	closers []func(context.Context) error
}

// Options 启动选项
type Options struct {
	// Migrate 启动时执行自动迁移
	Migrate bool
	// DBLogLevel gorm 日志级别，默认 Warn
	DBLogLevel logger.LogLevel
}

// OpenDB 打开数据库并按需挂载追踪插件
func OpenDB(cfg *config.Config, level logger.LogLevel) (*gorm.DB, error) {
	if level == 0 {
		level = logger.Warn
	}
	db, err := repository.Open(cfg.Database, level)
	if err != nil {
		return nil, err
	}
	if err := observability.InstrumentDB(db, cfg); err != nil {
		return nil, fmt.Errorf("instrument db: %w", err)
	}
	return db, nil
}

// New 按配置连接依赖并组装服务与路由；返回错误时已打开的资源已释放
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Logger: log}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg, log := a.Config, a.Logger

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		log.Warnf("init tracing: %v", err)
	} else {
		a.closers = append(a.closers, shutdownTracing)
	}

	db, err := OpenDB(cfg, opts.DBLogLevel)
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if opts.Migrate {
		if err := repository.Migrate(db); err != nil {
			return err
		}
	}

	checks := []handlers.DependencyCheck{handlers.DatabaseCheck(db)}

	// 在线状态：本进程连接 + redis 心跳
	var recorder realtime.PresenceRecorder
	var tracker *presence.Tracker
	if cfg.Redis.Enabled {
		client := presence.NewClient(cfg.Redis, log)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		tracker = presence.NewTracker(client, cfg.Assignment.PresenceTTL, log)
		recorder = tracker
		checks = append(checks, redisCheck(client))
	}

	a.Hub = realtime.NewHub(log, recorder, cfg.Security.CORS.AllowedOrigins)
	online := presence.Any{a.Hub}
	if tracker != nil {
		online = append(online, tracker)
	}

	notifiers := []services.Notifier{a.Hub}
	if cfg.AMQP.Enabled {
		conn, err := events.Connect(ctx, cfg.AMQP, 5, log)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
		notifiers = append(notifiers, events.NewPublisher(conn.Channel(), cfg.AMQP.Exchange, cfg.AMQP.Producer, log))
		checks = append(checks, handlers.DependencyCheck{Name: "amqp", Check: conn.Ping})
	}
	notifier := events.NewFanout(notifiers...)

	a.Assignments = services.NewAssignmentService(db, log, notifier, online, cfg.Assignment)
	a.Escalations = services.NewEscalationService(db, log, a.Assignments, notifier, cfg.Assignment)
	a.Handoff = services.NewHandoffService(db, log, a.Assignments, notifier, cfg.Assignment)
	a.Dashboard = services.NewDashboardService(db, log, a.Assignments, cfg.Assignment)

	a.Router = a.router(handlers.NewHealthHandler(a.Hub, log, checks...))
	return nil
}

func redisCheck(client *redis.Client) handlers.DependencyCheck {
	return handlers.DependencyCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
}

func (a *App) router(health *handlers.HealthHandler) *gin.Engine {
	cfg := a.Config
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Security.CORS.Enabled {
		r.Use(middleware.CORS(cfg.Security.CORS))
	}
	if cfg.Monitoring.Tracing.Enabled {
		name := cfg.Monitoring.Tracing.ServiceName
		if name == "" {
			name = "supportdesk"
		}
		r.Use(otelgin.Middleware(name))
	}

	handlers.RegisterRoutes(r, handlers.Deps{
		Config:      cfg,
		Logger:      a.Logger,
		Assignments: a.Assignments,
		Escalations: a.Escalations,
		Handoff:     a.Handoff,
		Dashboard:   a.Dashboard,
		Hub:         a.Hub,
		Health:      health,
	})
	return r
}

// Run 启动 hub 与 HTTP 服务，ctx 取消后优雅关闭
func (a *App) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.Hub.Run(hubCtx)

	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	srv := &http.Server{Addr: addr, Handler: a.Router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.Logger.Info("Server exited")
	return nil
}

// Close 逆序释放资源
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
