package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"plantops-data/common/database"
	"plantops-data/common/logger"
	commonmqtt "plantops-data/common/mqtt"
	commonredis "plantops-data/common/redis"
	"plantops-data/internal/config"
	"plantops-data/internal/domain"
	"plantops-data/internal/events"
	httpapi "plantops-data/internal/http"
	cyclemqtt "plantops-data/internal/mqtt"
	"plantops-data/internal/repository"
	"plantops-data/internal/service"
	"plantops-data/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "plantops-data")
	if err != nil {
		log, _ = zap.NewProduction()
	}
	defer log.Sync()

	// 周期状态 / 状态请求：DB 不可用时退回内存仓库（本地联调）
	var (
		db   *sql.DB
		repo repository.PlantRepository
	)
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			log.Info("DB enabled for plantops-data")
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory repository", zap.Error(err))
		}
	}
	if db != nil {
		defer database.Close(db)
		repo = repository.NewPostgresPlantRepository(db)
	} else {
		repo = repository.NewMemoryPlantRepo()
	}

	// Redis：cycle info 缓存 + 重复提交保护 + 事件流
	var (
		kv         store.KV
		publishers []events.Publisher
	)
	if cfg.RedisEnabled {
		redisClient := commonredis.NewRedisClient(&cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := commonredis.Ping(pingCtx, redisClient)
		cancel()
		if err == nil {
			defer commonredis.Close(redisClient)
			kv = store.NewRedisKV(redisClient)
			publishers = append(publishers, events.NewRedisStreamPublisher(redisClient, cfg.Events.Stream, cfg.Events.MaxLen))
			log.Info("Redis enabled for plantops-data", zap.String("addr", cfg.Redis.Addr))
		} else {
			log.Warn("Redis enabled but unreachable, running without cache", zap.Error(err))
			_ = commonredis.Close(redisClient)
		}
	}

	// MQTT：地图页面实时刷新
	if cfg.MQTT.Enabled {
		client, err := commonmqtt.NewClient(&cfg.MQTT.MQTTConfig, log)
		if err == nil {
			defer client.Disconnect()
			publishers = append(publishers, cyclemqtt.NewCycleMQTTPublisher(client, cfg.MQTT.TopicPrefix, log))
		} else {
			log.Warn("MQTT enabled but connection failed, cycle events will not be pushed", zap.Error(err))
		}
	}

	source, err := newLayoutSource(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tracker layout source", zap.String("source", cfg.Layout.Source), zap.Error(err))
	}
	trackers := repository.NewCachedTrackersRepo(source)

	publisher := events.NewMultiPublisher(log, publishers...)
	log.Info("Cycle event targets configured", zap.Int("targets", publisher.Len()))

	svc := service.NewPlantMapService(
		trackers,
		repo,
		kv,
		publisher,
		service.PlantMapConfig{
			TaskTypes:      cfg.PlantMap.TaskTypes,
			DebounceWindow: cfg.PlantMap.Debounce,
			CycleInfoTTL:   cfg.PlantMap.CycleInfoTTL,
			CabinetRule: domain.CabinetRule{
				GroupSize:    cfg.PlantMap.CabinetGroupSize,
				TrackerCount: cfg.PlantMap.TrackerCount,
				Prefix:       cfg.PlantMap.CabinetPrefix,
			},
		},
		log,
	)

	router := httpapi.NewRouter(log)
	router.RegisterPlantMapRoutes(httpapi.NewPlantMapHandler(svc, trackers, cfg.PlantMap.AdminRoles, log))
	router.RegisterOpsRoutes()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := service.NewServer(cfg.HTTP.Addr, router, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("HTTP server stopped", zap.Error(err))
	}
}

func newLayoutSource(cfg *config.Config, log *zap.Logger) (repository.TrackersRepository, error) {
	switch cfg.Layout.Source {
	case config.LayoutSourceFile:
		repo, err := repository.NewYAMLTrackersRepo(cfg.Layout.File)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.LayoutSourceRemote:
		return repository.NewRemoteTrackersRepo(cfg.Layout.URL, log), nil
	default:
		return repository.NewMemoryTrackersRepo(cfg.PlantMap.TrackerCount, cfg.Layout.PerRow), nil
	}
}
