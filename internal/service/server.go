package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/config"
	"github.com/cocovax/cuveris/internal/database"
	"github.com/cocovax/cuveris/internal/domain"
	"github.com/cocovax/cuveris/internal/events"
	"github.com/cocovax/cuveris/internal/gateway"
	"github.com/cocovax/cuveris/internal/push"
	"github.com/cocovax/cuveris/internal/store"
)

// Server wires the registry, the audit sinks, the gateway and the
// per-concern services into one process.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client

	Store    store.Store
	Gateway  *gateway.Gateway
	Hub      *push.Hub
	Tanks    *TankService
	Alarms   *AlarmService
	Settings *SettingsService
	Events   *EventService
}

// NewServer builds the full dependency graph from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	srv := &Server{cfg: cfg, logger: logger}

	initial := defaultSettings(cfg)
	switch cfg.DataProvider {
	case "postgres":
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		srv.db = db
		srv.Store = store.NewPostgresStore(db, logger)
		// seed the settings document on first boot
		pgStore := srv.Store.(*store.PostgresStore)
		if _, err := pgStore.GetSettings(context.Background()); err != nil {
			if _, err := pgStore.UpdateSettings(context.Background(), domain.SettingsPatch{
				AlarmThresholds: &initial.AlarmThresholds,
				Preferences:     &initial.Preferences,
				MQTT:            &initial.MQTT,
			}); err != nil {
				return nil, fmt.Errorf("failed to seed settings: %w", err)
			}
		}
	default:
		srv.Store = store.NewMemoryStore(initial)
	}

	sinks := events.MultiSink{events.NewStoreSink(srv.Store, logger)}
	if cfg.Redis.Addr != "" {
		srv.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := srv.redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sinks = append(sinks, events.NewRedisStreamSink(srv.redisClient, cfg.Gateway.EventStream, logger))
	}
	var sink events.Sink = sinks

	srv.Gateway = gateway.New(cfg, srv.Store, sink, logger)
	srv.Hub = push.NewHub(logger)
	srv.Hub.Bind(srv.Gateway)

	srv.Tanks = NewTankService(srv.Store, srv.Gateway, sink, logger)
	srv.Alarms = NewAlarmService(srv.Store, sink, logger)
	srv.Settings = NewSettingsService(srv.Store, logger)
	srv.Events = NewEventService(srv.Store, logger)

	return srv, nil
}

// Start brings the gateway up.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	s.logger.Info("Server started",
		zap.String("gateway_mode", string(s.Gateway.Mode())),
		zap.String("data_provider", s.cfg.DataProvider),
	)
	return nil
}

// Stop tears everything down in reverse order.
func (s *Server) Stop(ctx context.Context) error {
	s.Gateway.Stop()
	s.Hub.Close()
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	s.logger.Info("Server stopped")
	return nil
}

func defaultSettings(cfg *config.Config) domain.Settings {
	return domain.Settings{
		AlarmThresholds: domain.AlarmThresholds{High: 26, Low: 16},
		Preferences: domain.UserPreferences{
			Locale:          "fr-FR",
			TemperatureUnit: "C",
			Theme:           "auto",
		},
		MQTT: domain.MQTTSettings{
			URL:             cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			ReconnectPeriod: cfg.MQTT.ReconnectPeriod,
			EnableMock:      cfg.Gateway.EnableMock,
		},
	}
}
