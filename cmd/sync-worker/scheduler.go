package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipBridge/config"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/syncer"
	"github.com/BearBump/ShipBridge/internal/services/tokens"
)

type connectionLister interface {
	ListActiveConnections(ctx context.Context) ([]*models.MarketplaceConnection, error)
}

// syncScheduler гоняет цикл синхронизации по всем активным подключениям:
// выгрузка новых заказов и отправка остатков. Ошибки одного подключения
// не трогают остальные; итоги каждого прогона лежат в джобах.
type syncScheduler struct {
	store    connectionLister
	coord    *syncer.Coordinator
	tokens   *tokens.Manager
	factory  *marketplaces.Factory
	interval time.Duration
	lookback time.Duration

	triggerCh chan struct{}

	lastRunUnixNano atomic.Int64
	totalRuns       atomic.Int64
	totalConnErrors atomic.Int64
}

func newSyncScheduler(store connectionLister, coord *syncer.Coordinator, tm *tokens.Manager, factory *marketplaces.Factory, cfg *config.Config) *syncScheduler {
	interval := time.Duration(cfg.ShipBridge.SyncIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	lookback := time.Duration(cfg.ShipBridge.SyncOrderLookbackHours) * time.Hour
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &syncScheduler{
		store:     store,
		coord:     coord,
		tokens:    tm,
		factory:   factory,
		interval:  interval,
		lookback:  lookback,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger форсирует немедленный прогон (best-effort, без блокировки).
func (s *syncScheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *syncScheduler) run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.triggerCh:
		}
		s.runCycle(ctx)
	}
}

func (s *syncScheduler) runCycle(ctx context.Context) {
	s.totalRuns.Add(1)
	s.lastRunUnixNano.Store(time.Now().UTC().UnixNano())

	conns, err := s.store.ListActiveConnections(ctx)
	if err != nil {
		slog.Error("list active connections", "error", err)
		return
	}

	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncConnection(ctx, conn); err != nil {
			s.totalConnErrors.Add(1)
			slog.Error("connection sync failed",
				"connectionId", conn.ID, "channel", conn.Channel, "error", err)
		}
	}
}

func (s *syncScheduler) syncConnection(ctx context.Context, conn *models.MarketplaceConnection) error {
	adapter, err := s.adapterFor(ctx, conn)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	from := to.Add(-s.lookback)

	if job, err := s.coord.SyncOrders(ctx, conn, adapter, from, to); err != nil {
		return err
	} else {
		slog.Info("order pull finished",
			"connectionId", conn.ID, "channel", conn.Channel,
			"jobId", job.ID, "status", job.Status,
			"succeeded", job.Succeeded, "failed", job.Failed, "skipped", job.Skipped)
	}

	job, err := s.coord.PushInventory(ctx, conn, adapter)
	if err != nil {
		return err
	}
	slog.Info("inventory push finished",
		"connectionId", conn.ID, "channel", conn.Channel,
		"jobId", job.ID, "status", job.Status,
		"succeeded", job.Succeeded, "failed", job.Failed)
	return nil
}

// adapterFor строит адаптер подключения. Для OAuth-каналов действующий
// access token подкладывается в учётные данные; обновление до истечения
// берёт на себя менеджер токенов.
func (s *syncScheduler) adapterFor(ctx context.Context, conn *models.MarketplaceConnection) (marketplaces.Adapter, error) {
	creds := marketplaces.Credentials{}
	for k, v := range conn.Credentials {
		creds[k] = v
	}

	base, err := s.factory.New(conn.Channel, creds)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.GetValidToken(ctx, conn.ID, base)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return base, nil
	}

	creds["access_token"] = token.AccessToken
	if token.RefreshToken != nil {
		creds["refresh_token"] = *token.RefreshToken
	}
	return s.factory.New(conn.Channel, creds)
}
