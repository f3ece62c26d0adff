package statuspipe

import (
	"context"
	"testing"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/stretchr/testify/require"
)

// ndrAdapter подменяет только обработку NDR; остальное не вызывается.
type ndrAdapter struct {
	carriers.Adapter

	awb  string
	req  carriers.NDRActionRequest
	resp carriers.NDRActionResponse
	err  error
}

func (a *ndrAdapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	a.awb, a.req = awb, req
	return a.resp, a.err
}

// staticSource отдаёт один и тот же адаптер для любого перевозчика.
type staticSource struct{ a carriers.Adapter }

func (s staticSource) Adapter(string) (carriers.Adapter, error) { return s.a, nil }

func seedNDR(repo *fakeRepo, reason string, attempt int32) (*models.Delivery, *models.NDR) {
	d := repo.addDelivery(models.Delivery{
		ID: 1, CompanyID: 10,
		AWB: "SR321", CarrierCode: models.CarrierShiprocket,
		Status: models.DeliveryStatusNDR,
	})
	repo.nextNDRID++
	n := &models.NDR{
		ID: repo.nextNDRID, CompanyID: 10, DeliveryID: d.ID,
		AttemptNumber: attempt, Reason: reason,
		Priority: models.NDRPriorityMedium, RiskScore: 30,
		Status: models.NDRStatusOpen,
	}
	repo.ndrs[n.ID] = n
	return d, n
}

func TestClassifyNDR_ReasonDrivesAction(t *testing.T) {
	cases := []struct {
		reason  string
		attempt int32
		action  string
		auto    bool
	}{
		{models.NDRReasonCustomerRefused, 1, carriers.NDRActionRTO, true},
		{models.NDRReasonOutOfDeliveryArea, 1, carriers.NDRActionRTO, true},
		{models.NDRReasonFutureDelivery, 1, carriers.NDRActionReattempt, true},
		{models.NDRReasonCustomerNotAvailable, 1, carriers.NDRActionReattempt, true},
		{models.NDRReasonCustomerNotAvailable, 3, carriers.NDRActionRTO, true},
		{models.NDRReasonCODNotReady, 1, carriers.NDRActionReattempt, false},
		{models.NDRReasonCODNotReady, 2, carriers.NDRActionRTO, true},
		{models.NDRReasonAddressIssue, 1, carriers.NDRActionUpdateAddress, false},
		{models.NDRReasonPhoneUnreachable, 1, carriers.NDRActionUpdatePhone, false},
		{models.NDRReasonOther, 1, carriers.NDRActionReattempt, false},
	}
	for _, tc := range cases {
		cls := ClassifyNDR(&models.NDR{Reason: tc.reason, AttemptNumber: tc.attempt})
		require.Equal(t, tc.action, cls.Action, "reason %s attempt %d", tc.reason, tc.attempt)
		require.Equal(t, tc.auto, cls.Confidence >= AutoActionConfidence, "reason %s attempt %d", tc.reason, tc.attempt)
	}
}

func TestAutoActNDR_BelowThresholdGoesToManualReview(t *testing.T) {
	repo := newFakeRepo()
	_, n := seedNDR(repo, models.NDRReasonAddressIssue, 1)

	adapter := &ndrAdapter{}
	svc := New(repo, &fakeProducer{}, nil)

	cls, executed, err := svc.AutoActNDR(context.Background(), n.ID, staticSource{adapter})
	require.NoError(t, err)
	require.False(t, executed)
	require.Less(t, cls.Confidence, AutoActionConfidence)
	require.Equal(t, models.NDRStatusActionRequested, repo.ndrs[n.ID].Status)
	require.Empty(t, adapter.awb) // до перевозчика не дошли
}

func TestAutoActNDR_SchedulesReattempt(t *testing.T) {
	repo := newFakeRepo()
	_, n := seedNDR(repo, models.NDRReasonCustomerNotAvailable, 1)

	adapter := &ndrAdapter{resp: carriers.NDRActionResponse{Success: true}}
	svc := New(repo, &fakeProducer{}, nil)

	cls, executed, err := svc.AutoActNDR(context.Background(), n.ID, staticSource{adapter})
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, carriers.NDRActionReattempt, cls.Action)
	require.Equal(t, "SR321", adapter.awb)
	require.NotNil(t, adapter.req.ScheduledDate)
	require.Equal(t, models.NDRStatusReattemptScheduled, repo.ndrs[n.ID].Status)
}

func TestAutoActNDR_InitiatesRTO(t *testing.T) {
	repo := newFakeRepo()
	d, n := seedNDR(repo, models.NDRReasonCustomerRefused, 1)

	adapter := &ndrAdapter{resp: carriers.NDRActionResponse{Success: true}}
	prod := &fakeProducer{}
	svc := New(repo, prod, nil)

	_, executed, err := svc.AutoActNDR(context.Background(), n.ID, staticSource{adapter})
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, models.NDRStatusRTO, repo.ndrs[n.ID].Status)
	require.Equal(t, models.DeliveryStatusRTOInitiated, repo.deliveries[d.ID].Status)
	require.Len(t, prod.ofType(messages.TopicNDREvents, messages.EventNDRRTODecided), 1)
}

func TestAutoActNDR_CarrierRejectionGoesToManualReview(t *testing.T) {
	repo := newFakeRepo()
	_, n := seedNDR(repo, models.NDRReasonCustomerRefused, 1)

	adapter := &ndrAdapter{resp: carriers.NDRActionResponse{Success: false, Error: "awb not in ndr state"}}
	svc := New(repo, &fakeProducer{}, nil)

	_, executed, err := svc.AutoActNDR(context.Background(), n.ID, staticSource{adapter})
	require.NoError(t, err)
	require.False(t, executed)
	require.Equal(t, models.NDRStatusActionRequested, repo.ndrs[n.ID].Status)
}

func TestResolveNDR_DeliveredCascades(t *testing.T) {
	repo := newFakeRepo()
	orderID := uint64(5)
	repo.orders[orderID] = &models.Order{ID: orderID, Status: models.OrderStatusShipped}
	d, n := seedNDR(repo, models.NDRReasonCustomerNotAvailable, 2)
	repo.deliveries[d.ID].OrderID = &orderID

	prod := &fakeProducer{}
	svc := New(repo, prod, nil)

	require.NoError(t, svc.ResolveNDR(context.Background(), n.ID, models.DeliveryStatusDelivered))
	require.Equal(t, models.DeliveryStatusDelivered, repo.deliveries[d.ID].Status)
	require.Equal(t, models.OrderStatusDelivered, repo.orders[orderID].Status)
	require.Equal(t, models.NDRStatusResolved, repo.ndrs[n.ID].Status)
	require.Len(t, prod.ofType(messages.TopicNDREvents, messages.EventNDRResolved), 1)

	// Повторный разбор уже закрытого кейса отклоняется.
	require.Error(t, svc.ResolveNDR(context.Background(), n.ID, models.DeliveryStatusDelivered))
}
