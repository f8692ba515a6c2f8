package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-hospitalization/common/database"
	mqttcommon "wisefido-hospitalization/common/mqtt"
	rediscommon "wisefido-hospitalization/common/redis"
	"wisefido-hospitalization/internal/cache"
	"wisefido-hospitalization/internal/client"
	"wisefido-hospitalization/internal/config"
	httpapi "wisefido-hospitalization/internal/http"
	"wisefido-hospitalization/internal/realtime"
	"wisefido-hospitalization/internal/repository"
	"wisefido-hospitalization/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Dependencies 外部依赖，nil 表示未启用
type Dependencies struct {
	Fetcher     store.StatusFetcher
	RedisClient *redis.Client
	MQTT        realtime.MQTTSubscriber
	Journal     repository.EventJournal
}

// connectionChecker 可报告连接状态的客户端（mqtt.Client 实现）
type connectionChecker interface {
	IsConnected() bool
}

// HospitalizationService 床位状态服务，持有唯一的状态缓存
type HospitalizationService struct {
	config *config.Config
	logger *zap.Logger

	store      *store.StatusStore
	dispatcher *realtime.Dispatcher
	consumer   realtime.Consumer
	mirror     *cache.SnapshotMirror
	journal    repository.EventJournal
	router     *httpapi.Router
	server     *Server

	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	db          *sql.DB

	mu           sync.Mutex
	cancel       context.CancelFunc
	detachMirror func()
	wg           sync.WaitGroup
}

// NewHospitalizationService 按配置连接 Redis/MQTT/PostgreSQL 并创建服务
func NewHospitalizationService(cfg *config.Config, logger *zap.Logger) (*HospitalizationService, error) {
	deps := Dependencies{
		Fetcher: client.NewStatusClient(&cfg.Backend, logger),
	}

	var (
		redisClient *redis.Client
		mqttClient  *mqttcommon.Client
		db          *sql.DB
	)

	if cfg.NeedsRedis() {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.RedisClient = redisClient
	}

	if cfg.Realtime.Driver == config.DriverMQTT {
		c, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			closeRedis(redisClient)
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		mqttClient = c
		deps.MQTT = c
	}

	if cfg.DBEnabled {
		d, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			// 事件日志不是必需功能，连接失败时降级为 no-op
			logger.Warn("DB enabled but connection failed, event journal disabled", zap.Error(err))
		} else {
			journal := repository.NewPostgresEventJournal(d, logger)
			if err := journal.EnsureSchema(context.Background()); err != nil {
				logger.Warn("Failed to ensure event journal schema", zap.Error(err))
			}
			db = d
			deps.Journal = journal
		}
	}

	svc, err := NewHospitalizationServiceWithDeps(cfg, logger, deps)
	if err != nil {
		closeRedis(redisClient)
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		if db != nil {
			_ = database.Close(db)
		}
		return nil, err
	}
	svc.redisClient = redisClient
	svc.mqttClient = mqttClient
	svc.db = db
	return svc, nil
}

// NewHospitalizationServiceWithDeps 使用已建立的依赖创建服务（测试可注入替身）
func NewHospitalizationServiceWithDeps(cfg *config.Config, logger *zap.Logger, deps Dependencies) (*HospitalizationService, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("status fetcher is required")
	}

	var opts []store.Option
	if cfg.RejectStaleUpdates {
		opts = append(opts, store.WithStaleUpdateGuard())
	}
	statusStore := store.NewStatusStore(deps.Fetcher, logger, opts...)

	journal := deps.Journal
	if journal == nil {
		journal = repository.NoopJournal{}
	}
	dispatcher := realtime.NewDispatcher(statusStore, journal, logger)

	var consumer realtime.Consumer
	switch cfg.Realtime.Driver {
	case config.DriverRedis:
		if deps.RedisClient == nil {
			return nil, errors.New("redis client is required for realtime driver redis")
		}
		consumer = realtime.NewPubSubConsumer(deps.RedisClient, dispatcher, cfg.Realtime.Channel, logger)
	case config.DriverStream:
		if deps.RedisClient == nil {
			return nil, errors.New("redis client is required for realtime driver stream")
		}
		streamConsumer := realtime.NewStreamConsumer(
			deps.RedisClient,
			dispatcher,
			logger,
			cfg.Realtime.Stream,
			cfg.Realtime.ConsumerGroup,
			cfg.Realtime.ConsumerName,
			int64(cfg.Realtime.BatchSize),
		)
		streamConsumer.SetBlockTimeout(cfg.Realtime.BlockTimeout)
		consumer = streamConsumer
	case config.DriverMQTT:
		if deps.MQTT == nil {
			return nil, errors.New("mqtt client is required for realtime driver mqtt")
		}
		consumer = realtime.NewMQTTConsumer(deps.MQTT, dispatcher, cfg.Realtime.TopicPrefix, cfg.MQTT.QoS, logger)
	case config.DriverNone:
	default:
		return nil, fmt.Errorf("unsupported realtime driver: %s", cfg.Realtime.Driver)
	}

	var mirror *cache.SnapshotMirror
	if cfg.Mirror.Enabled && deps.RedisClient != nil {
		mirror = cache.NewSnapshotMirror(cache.NewRedisKVStore(deps.RedisClient), cfg.Mirror.Key, cfg.Mirror.TTL, logger)
	}

	handler := httpapi.NewHospitalizationHandler(statusStore, journal, logger)
	if c, ok := deps.MQTT.(connectionChecker); ok && cfg.Realtime.Driver == config.DriverMQTT {
		handler.AddHealthCheck("mqtt", c.IsConnected)
	}
	router := httpapi.NewRouter(logger)
	router.RegisterHospitalizationRoutes(handler)

	var server *Server
	if cfg.HTTPAddr != "" {
		server = NewServer(cfg.HTTPAddr, router, logger)
	}

	return &HospitalizationService{
		config:     cfg,
		logger:     logger,
		store:      statusStore,
		dispatcher: dispatcher,
		consumer:   consumer,
		mirror:     mirror,
		journal:    journal,
		router:     router,
		server:     server,
	}, nil
}

// Store 返回状态缓存
func (s *HospitalizationService) Store() *store.StatusStore {
	return s.store
}

// Handler 返回 HTTP 路由
func (s *HospitalizationService) Handler() http.Handler {
	return s.router
}

// Start 启动服务（阻塞直到 ctx 取消或后台任务出错）
func (s *HospitalizationService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Starting hospitalization service",
		zap.String("realtime_driver", s.config.Realtime.Driver),
		zap.Bool("mirror_enabled", s.mirror != nil),
		zap.Duration("resync_interval", s.config.ResyncInterval),
	)
	if s.mirror != nil {
		s.logger.Info("Hospitalization status mirror enabled", zap.String("key", s.mirror.Key()))
	}

	if s.mirror != nil {
		s.mirror.WarmUp(ctx, s.store)
		detach := s.mirror.Attach(s.store)
		s.mu.Lock()
		s.detachMirror = detach
		s.mu.Unlock()
	}

	// 首次全量拉取失败不阻止启动，等待实时事件或下一次重新同步
	if err := s.store.FetchStatus(ctx); err != nil {
		s.logger.Error("Failed to fetch hospitalization status on startup", zap.Error(err))
	}

	errChan := make(chan error, 2)

	if s.consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("realtime consumer: %w", err)
			}
		}()
	}

	if s.config.ResyncInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.startResync(ctx, s.config.ResyncInterval)
		}()
	}

	if s.server != nil {
		go func() {
			if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// startResync 周期性全量拉取
func (s *HospitalizationService) startResync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting periodic resync", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.FetchStatus(ctx); err != nil {
				s.logger.Error("Periodic resync failed", zap.Error(err))
			}
		}
	}
}

// Stop 停止服务并释放连接
func (s *HospitalizationService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping hospitalization service")

	s.mu.Lock()
	cancel := s.cancel
	detach := s.detachMirror
	s.cancel = nil
	s.detachMirror = nil
	s.mu.Unlock()

	var errs []error

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer: %w", err))
		}
	}

	if s.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.server.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop http server: %w", err))
		}
		shutdownCancel()
	}

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if detach != nil {
		detach()
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errors.Join(errs...)
}

func closeRedis(c *redis.Client) {
	if c != nil {
		_ = c.Close()
	}
}
