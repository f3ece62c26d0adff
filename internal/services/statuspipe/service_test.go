package statuspipe

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/BearBump/ShipBridge/internal/storage/pgstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []published
	err  error
}

func (p *fakeProducer) PublishJSON(ctx context.Context, topic, key string, payload any) error {
	if p.err != nil {
		return p.err
	}
	b, _ := json.Marshal(payload)
	p.msgs = append(p.msgs, published{topic, key, b})
	return nil
}

func (p *fakeProducer) ofType(topic, evType string) []published {
	var out []published
	for _, m := range p.msgs {
		if m.topic != topic {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(m.value, &probe)
		if probe.Type == evType {
			out = append(out, m)
		}
	}
	return out
}

type checkMark struct {
	deliveryID uint64
	err        *string
	next       time.Time
}

// fakeRepo повторяет семантику pgstore в памяти: оптимистичная запись
// статуса, одна открытая NDR на отправление, дедуп событий не нужен.
type fakeRepo struct {
	deliveries map[uint64]*models.Delivery
	events     map[uint64][]models.DeliveryEvent
	ndrs       map[uint64]*models.NDR
	orders     map[uint64]*models.Order
	checks     []checkMark

	nextNDRID uint64
	failAWB   string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		deliveries: map[uint64]*models.Delivery{},
		events:     map[uint64][]models.DeliveryEvent{},
		ndrs:       map[uint64]*models.NDR{},
		orders:     map[uint64]*models.Order{},
	}
}

func (r *fakeRepo) addDelivery(d models.Delivery) *models.Delivery {
	cp := d
	r.deliveries[d.ID] = &cp
	return &cp
}

func (r *fakeRepo) GetDeliveriesByIDs(ctx context.Context, ids []uint64) ([]*models.Delivery, error) {
	var out []*models.Delivery
	for _, id := range ids {
		if d, ok := r.deliveries[id]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetDeliveryByAWB(ctx context.Context, carrierCode, awb string) (*models.Delivery, error) {
	if awb == r.failAWB && r.failAWB != "" {
		return nil, errors.New("storage unavailable")
	}
	for _, d := range r.deliveries {
		if d.CarrierCode == carrierCode && d.AWB == awb {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) ApplyDeliveryStatus(ctx context.Context, deliveryID uint64, prevStatus string, patch pgstore.DeliveryStatusPatch) (bool, error) {
	d, ok := r.deliveries[deliveryID]
	if !ok || d.Status != prevStatus {
		return false, nil
	}
	d.Status = patch.Status
	d.StatusRaw = patch.StatusRaw
	if patch.ShipDate != nil {
		d.ShipDate = patch.ShipDate
	}
	if patch.DeliveryDate != nil {
		d.DeliveryDate = patch.DeliveryDate
	}
	if patch.EDD != nil {
		d.EDD = patch.EDD
	}
	if patch.Remarks != nil {
		d.Remarks = patch.Remarks
	}
	return true, nil
}

func (r *fakeRepo) AddDeliveryEvents(ctx context.Context, deliveryID uint64, events []models.DeliveryEvent) (int, error) {
	r.events[deliveryID] = append(r.events[deliveryID], events...)
	return len(events), nil
}

func (r *fakeRepo) MarkCheckResult(ctx context.Context, deliveryID uint64, checkErr *string, next time.Time) error {
	r.checks = append(r.checks, checkMark{deliveryID, checkErr, next})
	return nil
}

func (r *fakeRepo) GetOpenNDRByDelivery(ctx context.Context, deliveryID uint64) (*models.NDR, error) {
	for _, n := range r.ndrs {
		if n.DeliveryID == deliveryID && !models.IsNDRTerminalStatus(n.Status) {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) OpenOrEscalateNDR(ctx context.Context, in models.NDR) (*models.NDR, bool, error) {
	for _, n := range r.ndrs {
		if n.DeliveryID == in.DeliveryID && !models.IsNDRTerminalStatus(n.Status) {
			n.AttemptNumber++
			n.Reason = in.Reason
			n.Priority = in.Priority
			n.RiskScore = in.RiskScore
			if in.CarrierRemark != nil {
				n.CarrierRemark = in.CarrierRemark
			}
			cp := *n
			return &cp, false, nil
		}
	}
	r.nextNDRID++
	n := in
	n.ID = r.nextNDRID
	n.AttemptNumber = 1
	n.Status = models.NDRStatusOpen
	r.ndrs[n.ID] = &n
	cp := n
	return &cp, true, nil
}

func (r *fakeRepo) ResolveOpenNDR(ctx context.Context, deliveryID uint64, terminalStatus string) (*models.NDR, error) {
	for _, n := range r.ndrs {
		if n.DeliveryID == deliveryID && !models.IsNDRTerminalStatus(n.Status) {
			n.Status = terminalStatus
			now := time.Now().UTC()
			n.ResolvedAt = &now
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) SetNDRStatus(ctx context.Context, ndrID uint64, status string) (bool, error) {
	n, ok := r.ndrs[ndrID]
	if !ok || models.IsNDRTerminalStatus(n.Status) {
		return false, nil
	}
	n.Status = status
	return true, nil
}

func (r *fakeRepo) GetNDRByID(ctx context.Context, ndrID uint64) (*models.NDR, error) {
	if n, ok := r.ndrs[ndrID]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	if o, ok := r.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) ApplyOrderStatus(ctx context.Context, orderID uint64, prevStatus, newStatus string) (bool, error) {
	o, ok := r.orders[orderID]
	if !ok || o.Status != prevStatus {
		return false, nil
	}
	o.Status = newStatus
	return true, nil
}

func (r *fakeRepo) openNDRs(deliveryID uint64) []*models.NDR {
	var out []*models.NDR
	for _, n := range r.ndrs {
		if n.DeliveryID == deliveryID && !models.IsNDRTerminalStatus(n.Status) {
			out = append(out, n)
		}
	}
	return out
}

func shiprocketUpdate(awb, raw string, at time.Time) TrackingUpdate {
	return TrackingUpdate{
		CarrierCode: models.CarrierShiprocket,
		AWB:         awb,
		StatusRaw:   raw,
		EventTime:   at,
	}
}

func TestTerminalGuard_DiscardsLateUpdates(t *testing.T) {
	repo := newFakeRepo()
	orderID := uint64(7)
	repo.orders[orderID] = &models.Order{ID: orderID, Status: models.OrderStatusShipped}
	repo.addDelivery(models.Delivery{
		ID: 1, CompanyID: 10, OrderID: &orderID,
		AWB: "SR123", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusShipped,
	})

	prod := &fakeProducer{}
	svc := New(repo, prod, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, raw := range []string{"In Transit", "Out For Delivery", "Delivered"} {
		res, err := svc.ProcessUpdate(context.Background(), shiprocketUpdate("SR123", raw, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		require.True(t, res.Found)
		require.False(t, res.Discarded)
	}

	// Опоздавшее нетерминальное обновление отбрасывается без мутаций.
	res, err := svc.ProcessUpdate(context.Background(), shiprocketUpdate("SR123", "In Transit", base.Add(4*time.Hour)))
	require.NoError(t, err)
	require.True(t, res.Discarded)

	d := repo.deliveries[1]
	require.Equal(t, models.DeliveryStatusDelivered, d.Status)
	require.NotNil(t, d.DeliveryDate)
	require.Equal(t, models.OrderStatusDelivered, repo.orders[orderID].Status)

	require.Len(t, prod.ofType(messages.TopicDeliveryEvents, messages.EventDeliveryDelivered), 1)
	require.Empty(t, repo.openNDRs(1))
}

// Случайные последовательности статусов: первый достигнутый терминал
// замораживает отправление, всё после него отбрасывается.
func TestTerminalGuard_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	raws := []string{
		"Picked Up", "In Transit", "Out For Delivery", "Undelivered",
		"Delivered", "RTO Initiated", "RTO Delivered", "Cancelled",
	}

	for i := 0; i < 50; i++ {
		repo := newFakeRepo()
		id := uint64(i + 1)
		awb := fmt.Sprintf("SR-%03d", i)
		repo.addDelivery(models.Delivery{
			ID: id, CompanyID: 10,
			AWB: awb, CarrierCode: models.CarrierShiprocket,
			Status: models.DeliveryStatusManifested,
		})
		svc := New(repo, &fakeProducer{}, nil)

		base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		var frozen string
		steps := 3 + rng.Intn(10)
		for j := 0; j < steps; j++ {
			raw := raws[rng.Intn(len(raws))]
			res, err := svc.ProcessUpdate(context.Background(),
				shiprocketUpdate(awb, raw, base.Add(time.Duration(j)*time.Hour)))
			require.NoError(t, err)
			require.True(t, res.Found)

			if frozen != "" {
				require.True(t, res.Discarded, "seq %d step %d raw %q", i, j, raw)
				require.Equal(t, frozen, repo.deliveries[id].Status)
				continue
			}
			require.False(t, res.Discarded, "seq %d step %d raw %q", i, j, raw)
			mapped := statusmap.MapStatus(models.CarrierShiprocket, raw)
			require.Equal(t, mapped, repo.deliveries[id].Status)
			if statusmap.IsTerminal(mapped) {
				frozen = mapped
			}
		}
		if frozen != "" {
			require.Equal(t, frozen, repo.deliveries[id].Status)
		}
	}
}

func TestNDR_EscalatesOnRepeatFailures(t *testing.T) {
	repo := newFakeRepo()
	repo.addDelivery(models.Delivery{
		ID: 2, CompanyID: 10,
		AWB: "SR777", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusOutForDelivery,
	})

	prod := &fakeProducer{}
	svc := New(repo, prod, nil)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	remarks := []string{"consignee absent", "consignee absent", "consignee absent"}
	for i := range remarks {
		upd := shiprocketUpdate("SR777", "Undelivered", base.Add(time.Duration(i)*24*time.Hour))
		upd.Remark = &remarks[i]
		res, err := svc.ProcessUpdate(context.Background(), upd)
		require.NoError(t, err)
		require.NotNil(t, res.NDR)
		require.Equal(t, i == 0, res.NDRCreated)
	}

	open := repo.openNDRs(2)
	require.Len(t, open, 1)
	n := open[0]
	require.Equal(t, int32(3), n.AttemptNumber)
	require.Equal(t, models.NDRPriorityCritical, n.Priority)
	require.Equal(t, int32(65), n.RiskScore)
	require.Equal(t, models.NDRReasonCustomerNotAvailable, n.Reason)

	require.Len(t, prod.ofType(messages.TopicNDREvents, messages.EventNDRCreated), 1)
	require.Len(t, prod.ofType(messages.TopicNDREvents, messages.EventNDREscalated), 2)
}

func TestDelivered_ResolvesOpenNDR(t *testing.T) {
	repo := newFakeRepo()
	repo.addDelivery(models.Delivery{
		ID: 3, CompanyID: 10,
		AWB: "SR555", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusOutForDelivery,
	})

	prod := &fakeProducer{}
	svc := New(repo, prod, nil)

	_, err := svc.ProcessUpdate(context.Background(), shiprocketUpdate("SR555", "Undelivered", time.Now().UTC()))
	require.NoError(t, err)
	require.Len(t, repo.openNDRs(3), 1)

	_, err = svc.ProcessUpdate(context.Background(), shiprocketUpdate("SR555", "Delivered", time.Now().UTC()))
	require.NoError(t, err)

	require.Empty(t, repo.openNDRs(3))
	var resolved *models.NDR
	for _, n := range repo.ndrs {
		resolved = n
	}
	require.NotNil(t, resolved)
	require.Equal(t, models.NDRStatusResolved, resolved.Status)
	require.Len(t, prod.ofType(messages.TopicNDREvents, messages.EventNDRResolved), 1)
}

func TestOrderCascade_SkipsTerminalOrder(t *testing.T) {
	repo := newFakeRepo()
	orderID := uint64(8)
	repo.orders[orderID] = &models.Order{ID: orderID, Status: models.OrderStatusCancelled}
	repo.addDelivery(models.Delivery{
		ID: 4, CompanyID: 10, OrderID: &orderID,
		AWB: "SR888", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusInTransit,
	})

	svc := New(repo, &fakeProducer{}, nil)
	_, err := svc.ProcessUpdate(context.Background(), shiprocketUpdate("SR888", "Out For Delivery", time.Now().UTC()))
	require.NoError(t, err)

	require.Equal(t, models.OrderStatusCancelled, repo.orders[orderID].Status)
	require.Equal(t, models.DeliveryStatusOutForDelivery, repo.deliveries[4].Status)
}

func TestApplyKafkaUpdate_ErrorOnlyMarksCheck(t *testing.T) {
	repo := newFakeRepo()
	repo.addDelivery(models.Delivery{
		ID: 5, CompanyID: 10,
		AWB: "SR999", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusInTransit,
	})

	svc := New(repo, &fakeProducer{}, nil)

	msg := messages.TrackingChecked{
		DeliveryID:  5,
		CarrierCode: models.CarrierShiprocket,
		AWB:         "SR999",
		CheckedAt:   time.Now().UTC(),
		NextCheckAt: time.Now().UTC().Add(15 * time.Minute),
	}
	e := "track: 502 from carrier"
	msg.Error = &e

	require.NoError(t, svc.ApplyKafkaUpdate(context.Background(), msg))
	require.Len(t, repo.checks, 1)
	require.NotNil(t, repo.checks[0].err)
	require.Equal(t, models.DeliveryStatusInTransit, repo.deliveries[5].Status)
	require.Empty(t, repo.events[5])
}

func TestApplyKafkaUpdate_AppliesStatusAndEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.addDelivery(models.Delivery{
		ID: 6, CompanyID: 10,
		AWB: "SR100", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusInTransit,
	})

	prod := &fakeProducer{}
	svc := New(repo, prod, nil)

	now := time.Now().UTC()
	loc := "Mumbai Hub"
	msg := messages.TrackingChecked{
		DeliveryID:  6,
		CarrierCode: models.CarrierShiprocket,
		AWB:         "SR100",
		CheckedAt:   now,
		Status:      models.DeliveryStatusDelivered,
		StatusRaw:   "Delivered",
		NextCheckAt: now.Add(365 * 24 * time.Hour),
		Events: []messages.TrackingCheckedEvent{
			{Status: models.DeliveryStatusOutForDelivery, StatusRaw: "Out For Delivery", EventTime: now.Add(-2 * time.Hour), Location: &loc},
			{Status: models.DeliveryStatusDelivered, StatusRaw: "Delivered", EventTime: now.Add(-10 * time.Minute), Location: &loc},
		},
	}

	require.NoError(t, svc.ApplyKafkaUpdate(context.Background(), msg))
	require.Len(t, repo.checks, 1)
	require.Nil(t, repo.checks[0].err)
	require.Len(t, repo.events[6], 2)
	require.Equal(t, models.DeliveryStatusDelivered, repo.deliveries[6].Status)
	require.Len(t, prod.ofType(messages.TopicDeliveryEvents, messages.EventDeliveryDelivered), 1)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	repo := newFakeRepo()
	repo.failAWB = "BROKEN"
	repo.addDelivery(models.Delivery{
		ID: 9, CompanyID: 10,
		AWB: "OK1", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusInTransit,
	})

	svc := New(repo, &fakeProducer{}, nil)
	st := svc.ProcessBatch(context.Background(), []TrackingUpdate{
		shiprocketUpdate("OK1", "Undelivered", time.Now().UTC()),
		shiprocketUpdate("BROKEN", "Delivered", time.Now().UTC()),
		shiprocketUpdate("NOSUCH", "Delivered", time.Now().UTC()),
	})

	require.Equal(t, 2, st.Processed) // unknown awb не ошибка
	require.Equal(t, 1, st.Errors)
	require.Equal(t, 1, st.NDRsCreated)
}

func TestShipDate_SetOnce(t *testing.T) {
	repo := newFakeRepo()
	shipped := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	repo.addDelivery(models.Delivery{
		ID: 11, CompanyID: 10,
		AWB: "SR200", CarrierCode: models.CarrierShiprocket,
		Status:   models.DeliveryStatusManifested,
		ShipDate: &shipped,
	})

	svc := New(repo, &fakeProducer{}, nil)
	_, err := svc.ProcessUpdate(context.Background(), shiprocketUpdate("SR200", "Shipped", time.Now().UTC()))
	require.NoError(t, err)
	require.Equal(t, shipped, *repo.deliveries[11].ShipDate)
}
