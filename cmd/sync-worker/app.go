package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/ShipBridge/config"
	"github.com/BearBump/ShipBridge/internal/broker/kafka"
	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/cache/rediscache"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	carrierreg "github.com/BearBump/ShipBridge/internal/integrations/carriers/registry"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	marketreg "github.com/BearBump/ShipBridge/internal/integrations/marketplaces/registry"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/orderpipe"
	"github.com/BearBump/ShipBridge/internal/services/poller"
	"github.com/BearBump/ShipBridge/internal/services/syncer"
	"github.com/BearBump/ShipBridge/internal/services/tokens"
	"github.com/BearBump/ShipBridge/internal/storage/pgstore"
)

// workerStorage — всё, что воркеру нужно от базы. *pgstore.Storage
// закрывает интерфейс целиком; в тестах подставляются фейки.
type workerStorage interface {
	poller.Repository
	syncer.Repository
	orderpipe.Repository
	tokens.Repository

	ListActiveConnections(ctx context.Context) ([]*models.MarketplaceConnection, error)
}

type workerFactories struct {
	newStorage      func(cfg *config.Config) (workerStorage, func(), error)
	newProducer     func(cfg *config.Config) poller.Producer
	newRateLimiter  func(cfg *config.Config) poller.RateLimiter
	newCarriers     func(cfg *config.Config) poller.AdapterSource
	newMarketplaces func(cfg *config.Config) *marketplaces.Factory
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgstore.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCarriers: func(cfg *config.Config) poller.AdapterSource {
			creds := map[string]carriers.Credentials{}
			for code, kv := range cfg.ShipBridge.CarrierCredentials {
				creds[strings.ToUpper(code)] = carriers.Credentials(kv)
			}
			return carriers.NewSource(carrierreg.DefaultFactory(), creds)
		},
		newMarketplaces: func(cfg *config.Config) *marketplaces.Factory {
			return marketreg.DefaultFactory()
		},
	}
}

func RunSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.TrackingCheckedTopicName
	if topic == "" {
		topic = messages.TopicTrackingChecked
	}

	pollInterval := time.Duration(cfg.ShipBridge.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.ShipBridge.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ShipBridge.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ShipBridge.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.ShipBridge.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	carrierSource := f.newCarriers(cfg)
	mpFactory := f.newMarketplaces(cfg)

	p := poller.New(st, carrierSource, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithPlanner(plannerConfigFrom(cfg))
	for code, perMin := range cfg.ShipBridge.WorkerCarrierRateLimitsPerMinute {
		p = p.WithCarrierRateLimit(strings.ToUpper(code), int64(perMin))
	}

	tokenMgr := tokens.NewManager(st).
		WithRefreshBuffer(time.Duration(cfg.ShipBridge.TokenRefreshBufferSeconds) * time.Second)

	coord := syncer.New(st, orderpipe.New(st)).
		WithRate(cfg.ShipBridge.SyncRatePerSecond, cfg.ShipBridge.SyncRateBurst).
		WithBatchSize(cfg.ShipBridge.SyncInventoryBatchSize)
	for channel, pc := range cfg.ShipBridge.InventoryPolicies {
		coord = coord.WithPolicy(strings.ToUpper(channel), syncer.AllocationPolicy{
			Percent:      int(pc.Percent),
			MaxQuantity:  pc.MaxQuantity,
			SafetyBuffer: pc.SafetyBuffer,
		})
	}

	sched := newSyncScheduler(st, coord, tokenMgr, mpFactory, cfg)

	pollErr := make(chan error, 1)
	go func() { pollErr <- p.Run(ctx) }()

	go sched.run(ctx)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:  cfg.ShipBridge.WorkerHTTPAddr,
			poller:    p,
			scheduler: sched,
			cfg:       cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-pollErr:
		return err
	case err := <-httpErr:
		return err
	}
}

func plannerConfigFrom(cfg *config.Config) poller.PlannerConfig {
	secs := func(v int) time.Duration { return time.Duration(v) * time.Second }
	// Нули заполняются прод-умолчаниями внутри планировщика.
	return poller.PlannerConfig{
		InTransitMinDelay:   secs(cfg.ShipBridge.WorkerNextCheckInTransitMinSeconds),
		InTransitMaxDelay:   secs(cfg.ShipBridge.WorkerNextCheckInTransitMaxSeconds),
		OutForDeliveryDelay: secs(cfg.ShipBridge.WorkerNextCheckOFDSeconds),
		NDRDelay:            secs(cfg.ShipBridge.WorkerNextCheckNDRSeconds),
		PendingDelay:        secs(cfg.ShipBridge.WorkerNextCheckPendingSeconds),
		Backoff1:            secs(cfg.ShipBridge.WorkerBackoff1Seconds),
		Backoff2:            secs(cfg.ShipBridge.WorkerBackoff2Seconds),
		Backoff3:            secs(cfg.ShipBridge.WorkerBackoff3Seconds),
		Backoff4:            secs(cfg.ShipBridge.WorkerBackoff4Seconds),
	}
}
