package poller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/fake"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	topic string
	key   string
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) PublishJSON(ctx context.Context, topic, key string, payload any) error {
	p.calls++
	p.topic, p.key = topic, key
	b, _ := json.Marshal(payload)
	p.value = b
	return p.err
}

type fakeRL struct {
	allowed bool
	count   int64
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.count++
	return r.allowed, r.count, nil
}

type fakeSource struct {
	adapter carriers.Adapter
	err     error
}

func (s *fakeSource) Adapter(carrierCode string) (carriers.Adapter, error) {
	return s.adapter, s.err
}

func newTestDelivery(awb string) *models.Delivery {
	return &models.Delivery{
		ID:          42,
		CompanyID:   1,
		AWB:         awb,
		CarrierCode: models.CarrierShiprocket,
		Status:      models.DeliveryStatusInTransit,
	}
}

func TestPoller_ProcessOne_PublishesStatus(t *testing.T) {
	adapter, err := fake.New(carriers.Credentials{})
	require.NoError(t, err)

	fp := &fakeProducer{}
	p := New(nil, &fakeSource{adapter: adapter}, fp, &fakeRL{allowed: true}, "topic")

	// fake-перевозчик детерминирован по AWB
	awb := "FAKE-DELIVERED-0"
	for i := 0; i < 200; i++ {
		res, err := adapter.TrackShipment(context.Background(), awb)
		require.NoError(t, err)
		if res.CurrentStatus == models.DeliveryStatusDelivered {
			break
		}
		awb = awb + "x"
	}

	d := newTestDelivery(awb)
	require.NoError(t, p.processOne(context.Background(), d))
	require.Equal(t, 1, fp.calls)
	require.Equal(t, "topic", fp.topic)
	require.Equal(t, "42", fp.key)

	var msg messages.TrackingChecked
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.Equal(t, uint64(42), msg.DeliveryID)
	require.Equal(t, d.AWB, msg.AWB)
	require.Nil(t, msg.Error)
	require.NotEmpty(t, msg.Status)
	require.True(t, msg.NextCheckAt.After(msg.CheckedAt))
	if statusmap.IsTerminal(msg.Status) {
		require.True(t, msg.NextCheckAt.Sub(msg.CheckedAt) > 300*24*time.Hour)
	}
}

func TestPoller_ProcessOne_AdapterSourceError(t *testing.T) {
	fp := &fakeProducer{}
	p := New(nil, &fakeSource{err: errors.New("no credentials")}, fp, nil, "topic")

	require.NoError(t, p.processOne(context.Background(), newTestDelivery("AWB1")))
	require.Equal(t, 1, fp.calls)

	var msg messages.TrackingChecked
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.NotNil(t, msg.Error)
	require.Contains(t, *msg.Error, "no credentials")
	require.False(t, msg.NextCheckAt.IsZero())
}

func TestPoller_ProcessOne_PublishRetryExhausted(t *testing.T) {
	adapter, err := fake.New(carriers.Credentials{})
	require.NoError(t, err)

	fp := &fakeProducer{err: errors.New("kafka down")}
	p := New(nil, &fakeSource{adapter: adapter}, fp, nil, "topic")

	err = p.processOne(context.Background(), newTestDelivery("AWB1"))
	require.Error(t, err)
	require.Equal(t, 10, fp.calls)
}
