package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/orderpipe"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	jobs   map[string]*models.MarketplaceSyncJob
	nextID int

	mappings []*models.MarketplaceSkuMapping
	stock    map[uint64]int32

	synced   bool
	connErrs []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]*models.MarketplaceSyncJob{}, stock: map[uint64]int32{}}
}

func (r *fakeRepo) CreateJob(ctx context.Context, companyID, connectionID uint64, jobType string) (*models.MarketplaceSyncJob, error) {
	r.nextID++
	j := &models.MarketplaceSyncJob{
		ID: string(rune('a' + r.nextID)), CompanyID: companyID, ConnectionID: connectionID,
		JobType: jobType, Status: models.JobStatusPending,
	}
	r.jobs[j.ID] = j
	return j, nil
}

func (r *fakeRepo) StartJob(ctx context.Context, jobID string) error {
	r.jobs[jobID].Status = models.JobStatusInProgress
	return nil
}

func (r *fakeRepo) BumpJobProgress(ctx context.Context, jobID string, processed, succeeded, failed, skipped int32) error {
	j := r.jobs[jobID]
	j.Processed += processed
	j.Succeeded += succeeded
	j.Failed += failed
	j.Skipped += skipped
	return nil
}

func (r *fakeRepo) FinishJob(ctx context.Context, jobID, status string, errorLog []string) error {
	j := r.jobs[jobID]
	j.Status = status
	j.ErrorLog = errorLog
	return nil
}

func (r *fakeRepo) GetJob(ctx context.Context, jobID string) (*models.MarketplaceSyncJob, error) {
	cp := *r.jobs[jobID]
	return &cp, nil
}

func (r *fakeRepo) ListMappedSkus(ctx context.Context, companyID uint64, channel string) ([]*models.MarketplaceSkuMapping, error) {
	return r.mappings, nil
}

func (r *fakeRepo) GetAvailable(ctx context.Context, companyID uint64, skuIDs []uint64) (map[uint64]int32, error) {
	return r.stock, nil
}

func (r *fakeRepo) MarkConnectionSynced(ctx context.Context, id uint64) error {
	r.synced = true
	return nil
}

func (r *fakeRepo) MarkConnectionError(ctx context.Context, id uint64, reason string) error {
	r.connErrs = append(r.connErrs, reason)
	return nil
}

// pagedAdapter отдаёт заказы страницами и записывает пуши остатков.
type pagedAdapter struct {
	marketplaces.Adapter

	pages    map[string][]marketplaces.Order // cursor -> page
	next     map[string]string
	fetchErr error

	pushed    [][]marketplaces.InventoryUpdate
	pushFail  map[string]string // channel sku -> error
	pushErr   error
	throttled bool
}

func (a *pagedAdapter) FetchOrders(ctx context.Context, req marketplaces.FetchOrdersRequest) ([]marketplaces.Order, string, error) {
	if a.fetchErr != nil {
		return nil, "", a.fetchErr
	}
	return a.pages[req.Cursor], a.next[req.Cursor], nil
}

func (a *pagedAdapter) PushInventory(ctx context.Context, updates []marketplaces.InventoryUpdate) ([]marketplaces.InventoryUpdateResult, error) {
	if a.pushErr != nil {
		return nil, a.pushErr
	}
	cp := make([]marketplaces.InventoryUpdate, len(updates))
	copy(cp, updates)
	a.pushed = append(a.pushed, cp)

	out := make([]marketplaces.InventoryUpdateResult, 0, len(updates))
	for _, u := range updates {
		if msg, bad := a.pushFail[u.ChannelSku]; bad {
			out = append(out, marketplaces.InventoryUpdateResult{ChannelSku: u.ChannelSku, Error: msg})
		} else {
			out = append(out, marketplaces.InventoryUpdateResult{ChannelSku: u.ChannelSku, Success: true})
		}
	}
	return out, nil
}

func (a *pagedAdapter) ShouldThrottle() bool { return a.throttled }

type scriptedProcessor struct {
	results map[string]*orderpipe.Result // external id -> result
	panicOn string
}

func (p *scriptedProcessor) ProcessOrder(ctx context.Context, companyID uint64, conn *models.MarketplaceConnection, mo marketplaces.Order) (*orderpipe.Result, error) {
	if mo.ExternalOrderID == p.panicOn {
		panic("corrupt payload")
	}
	if res, ok := p.results[mo.ExternalOrderID]; ok {
		return res, nil
	}
	return &orderpipe.Result{Status: orderpipe.StatusCreated}, nil
}

func testConn() *models.MarketplaceConnection {
	return &models.MarketplaceConnection{ID: 3, CompanyID: 1, Channel: models.ChannelAmazon}
}

func ord(id string) marketplaces.Order {
	return marketplaces.Order{ExternalOrderID: id, Channel: models.ChannelAmazon}
}

func TestSyncOrders_PagesAndClassifiesPartial(t *testing.T) {
	repo := newFakeRepo()
	adapter := &pagedAdapter{
		pages: map[string][]marketplaces.Order{
			"":   {ord("A-1"), ord("A-2")},
			"p2": {ord("A-3"), ord("A-4")},
		},
		next: map[string]string{"": "p2"},
	}
	proc := &scriptedProcessor{results: map[string]*orderpipe.Result{
		"A-2": {Status: orderpipe.StatusSkipped},
		"A-4": {Status: orderpipe.StatusFailed, Errors: []string{"all skus unmapped"}},
	}}

	c := New(repo, proc).WithRate(1000, 1000)
	job, err := c.SyncOrders(context.Background(), testConn(), adapter, time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)

	require.Equal(t, models.JobStatusPartial, job.Status)
	require.Equal(t, int32(4), job.Processed)
	require.Equal(t, int32(2), job.Succeeded)
	require.Equal(t, int32(1), job.Failed)
	require.Equal(t, int32(1), job.Skipped)
	require.Len(t, job.ErrorLog, 1)
	require.Contains(t, job.ErrorLog[0], "A-4")
	require.True(t, repo.synced)
}

func TestSyncOrders_FetchFailureFailsJob(t *testing.T) {
	repo := newFakeRepo()
	adapter := &pagedAdapter{fetchErr: errors.New("401 unauthorized")}

	c := New(repo, &scriptedProcessor{}).WithRate(1000, 1000)
	job, err := c.SyncOrders(context.Background(), testConn(), adapter, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	require.Equal(t, models.JobStatusFailed, job.Status)
	require.False(t, repo.synced)
	require.NotEmpty(t, repo.connErrs)
	require.Contains(t, repo.connErrs[0], "401")
}

func TestSyncOrders_PanicIsolatedToItem(t *testing.T) {
	repo := newFakeRepo()
	adapter := &pagedAdapter{
		pages: map[string][]marketplaces.Order{"": {ord("A-1"), ord("A-BAD"), ord("A-3")}},
		next:  map[string]string{},
	}
	proc := &scriptedProcessor{panicOn: "A-BAD"}

	c := New(repo, proc).WithRate(1000, 1000)
	job, err := c.SyncOrders(context.Background(), testConn(), adapter, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	require.Equal(t, models.JobStatusPartial, job.Status)
	require.Equal(t, int32(2), job.Succeeded)
	require.Equal(t, int32(1), job.Failed)
	require.Contains(t, job.ErrorLog[0], "panic")
}

func TestPushInventory_PolicyAndBatching(t *testing.T) {
	repo := newFakeRepo()
	repo.mappings = []*models.MarketplaceSkuMapping{
		{SkuID: 1, ChannelSku: "CH-1", SkuCode: "S1"},
		{SkuID: 2, ChannelSku: "CH-2", SkuCode: "S2"},
		{SkuID: 3, ChannelSku: "CH-3", SkuCode: "S3"},
	}
	repo.stock = map[uint64]int32{1: 100, 2: 4, 3: 0}

	adapter := &pagedAdapter{pushFail: map[string]string{"CH-2": "listing locked"}}

	c := New(repo, &scriptedProcessor{}).
		WithRate(1000, 1000).
		WithBatchSize(2).
		WithPolicy(models.ChannelAmazon, AllocationPolicy{Percent: 50, MaxQuantity: 40, SafetyBuffer: 2})

	job, err := c.PushInventory(context.Background(), testConn(), adapter)
	require.NoError(t, err)

	// 100 -> 50% = 50 -> потолок 40 -> буфер 38; 4 -> 2 -> 0; 0 -> 0.
	require.Len(t, adapter.pushed, 2) // батчи по 2
	require.Equal(t, int32(38), adapter.pushed[0][0].Quantity)
	require.Equal(t, int32(0), adapter.pushed[0][1].Quantity)
	require.Equal(t, int32(0), adapter.pushed[1][0].Quantity)

	require.Equal(t, models.JobStatusPartial, job.Status)
	require.Equal(t, int32(2), job.Succeeded)
	require.Equal(t, int32(1), job.Failed)
	require.Contains(t, job.ErrorLog[0], "CH-2")
}

func TestPushInventory_TransportErrorFailsWholeBatch(t *testing.T) {
	repo := newFakeRepo()
	repo.mappings = []*models.MarketplaceSkuMapping{
		{SkuID: 1, ChannelSku: "CH-1"},
		{SkuID: 2, ChannelSku: "CH-2"},
	}
	repo.stock = map[uint64]int32{1: 5, 2: 5}

	adapter := &pagedAdapter{pushErr: errors.New("gateway timeout")}

	c := New(repo, &scriptedProcessor{}).WithRate(1000, 1000)
	job, err := c.PushInventory(context.Background(), testConn(), adapter)
	require.NoError(t, err)

	require.Equal(t, models.JobStatusFailed, job.Status)
	require.Equal(t, int32(2), job.Failed)
}

func TestAllocationPolicy_Pushable(t *testing.T) {
	p := AllocationPolicy{}
	require.Equal(t, int32(7), p.Pushable(7)) // нулевая политика: как есть

	p = AllocationPolicy{Percent: 30, SafetyBuffer: 1}
	require.Equal(t, int32(2), p.Pushable(10))

	p = AllocationPolicy{MaxQuantity: 3}
	require.Equal(t, int32(3), p.Pushable(50))

	p = AllocationPolicy{SafetyBuffer: 10}
	require.Equal(t, int32(0), p.Pushable(4))
}
