package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBridge/config"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces/fake"
	marketreg "github.com/BearBump/ShipBridge/internal/integrations/marketplaces/registry"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/orderpipe"
	"github.com/BearBump/ShipBridge/internal/services/syncer"
	"github.com/BearBump/ShipBridge/internal/services/tokens"
	"github.com/BearBump/ShipBridge/internal/storage/pgstore"
)

// fakeStorage покрывает workerStorage в памяти ровно настолько, насколько
// нужно циклу синхронизации: джобы, пустые сопоставления SKU, реестр
// отказов по заказам.
type fakeStorage struct {
	mu sync.Mutex

	conns []*models.MarketplaceConnection

	jobSeq      int
	jobs        map[string]*models.MarketplaceSyncJob
	syncFails   int
	markedSync  int
	markedError []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{jobs: map[string]*models.MarketplaceSyncJob{}}
}

func (s *fakeStorage) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	return nil, nil
}

func (s *fakeStorage) ListActiveConnections(ctx context.Context) ([]*models.MarketplaceConnection, error) {
	return s.conns, nil
}

func (s *fakeStorage) CreateJob(ctx context.Context, companyID, connectionID uint64, jobType string) (*models.MarketplaceSyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobSeq++
	j := &models.MarketplaceSyncJob{
		ID: fmt.Sprintf("job-%d", s.jobSeq), CompanyID: companyID,
		ConnectionID: connectionID, JobType: jobType, Status: models.JobStatusPending,
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *fakeStorage) StartJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = models.JobStatusInProgress
	return nil
}

func (s *fakeStorage) BumpJobProgress(ctx context.Context, jobID string, processed, succeeded, failed, skipped int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Processed += processed
	j.Succeeded += succeeded
	j.Failed += failed
	j.Skipped += skipped
	return nil
}

func (s *fakeStorage) FinishJob(ctx context.Context, jobID, status string, errorLog []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Status = status
	j.ErrorLog = errorLog
	return nil
}

func (s *fakeStorage) GetJob(ctx context.Context, jobID string) (*models.MarketplaceSyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID], nil
}

func (s *fakeStorage) ListMappedSkus(ctx context.Context, companyID uint64, channel string) ([]*models.MarketplaceSkuMapping, error) {
	return nil, nil
}

func (s *fakeStorage) GetAvailable(ctx context.Context, companyID uint64, skuIDs []uint64) (map[uint64]int32, error) {
	return map[uint64]int32{}, nil
}

func (s *fakeStorage) MarkConnectionSynced(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedSync++
	return nil
}

func (s *fakeStorage) MarkConnectionError(ctx context.Context, id uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedError = append(s.markedError, reason)
	return nil
}

func (s *fakeStorage) GetOrderSync(ctx context.Context, companyID, connectionID uint64, externalOrderID string) (*models.MarketplaceOrderSync, error) {
	return nil, nil
}

func (s *fakeStorage) MapSkus(ctx context.Context, companyID uint64, channel string, channelSkus []string) (map[string]models.MarketplaceSkuMapping, error) {
	return map[string]models.MarketplaceSkuMapping{}, nil
}

func (s *fakeStorage) NextOrderSeq(ctx context.Context) (uint64, error) { return 1, nil }

func (s *fakeStorage) IngestOrder(ctx context.Context, in pgstore.OrderIngestInput) (*pgstore.OrderIngestResult, error) {
	return nil, fmt.Errorf("not expected in this test")
}

func (s *fakeStorage) MarkOrderSyncFailed(ctx context.Context, companyID, connectionID uint64, externalOrderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncFails++
	return nil
}

func (s *fakeStorage) GetValidToken(ctx context.Context, connectionID uint64) (*models.MarketplaceOAuthToken, error) {
	return nil, nil
}

func (s *fakeStorage) StoreToken(ctx context.Context, connectionID uint64, accessToken string, refreshToken *string, tokenType string, expiresAt *time.Time) (*models.MarketplaceOAuthToken, error) {
	return nil, nil
}

func (s *fakeStorage) InvalidateTokens(ctx context.Context, connectionID uint64) error { return nil }

func TestDefaultWorkerFactories_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
	require.NotNil(t, f.newCarriers(cfg))
	require.NotNil(t, f.newMarketplaces(cfg))
}

func TestSyncScheduler_RunCycle(t *testing.T) {
	st := newFakeStorage()
	st.conns = []*models.MarketplaceConnection{{
		ID: 1, CompanyID: 10, Channel: fake.Channel,
		Credentials: map[string]string{"seed": "t"},
		Status:      models.ConnectionStatusConnected,
	}}

	coord := syncer.New(st, orderpipe.New(st)).WithRate(1000, 1000)
	sched := newSyncScheduler(st, coord, tokens.NewManager(st), marketreg.DefaultFactory(), &config.Config{})

	sched.runCycle(context.Background())

	// Фейковый маркетплейс отдаёт 6 заказов без сопоставлений SKU: весь
	// прогон заказов падает, выгрузка пустых остатков завершается чисто.
	require.Len(t, st.jobs, 2)
	var pull, push *models.MarketplaceSyncJob
	for _, j := range st.jobs {
		switch j.JobType {
		case models.JobTypeOrderPull:
			pull = j
		case models.JobTypeInventoryPush:
			push = j
		}
	}
	require.NotNil(t, pull)
	require.NotNil(t, push)
	require.Equal(t, models.JobStatusFailed, pull.Status)
	require.Equal(t, int32(6), pull.Failed)
	require.Equal(t, models.JobStatusCompleted, push.Status)
	require.Equal(t, 6, st.syncFails)
	require.Equal(t, 1, st.markedSync)
}

func TestRunSyncWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := defaultWorkerFactories()
	f.newStorage = func(cfg *config.Config) (workerStorage, func(), error) {
		return newFakeStorage(), func() { calledClose = true }, nil
	}

	cfg := &config.Config{
		ShipBridge: config.ShipBridgeConfig{
			WorkerHTTPAddr:            "127.0.0.1:0",
			WorkerPollIntervalSeconds: 1,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunSyncWorker(ctx, cfg, f)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}
