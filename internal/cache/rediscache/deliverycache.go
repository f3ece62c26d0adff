package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// DeliverySnapshot — последнее известное состояние отправления; отдаётся
// из кэша, чтобы не ходить в базу на каждый запрос статуса.
type DeliverySnapshot struct {
	DeliveryID uint64     `json:"delivery_id"`
	Status     string     `json:"status"`
	StatusRaw  string     `json:"status_raw"`
	EDD        *time.Time `json:"edd,omitempty"`
	CheckedAt  time.Time  `json:"checked_at"`
}

func deliveryKey(carrierCode, awb string) string {
	return "delivery:" + carrierCode + ":" + awb
}

// CarrierRateKey — ключ окна лимита вызовов одного перевозчика.
func CarrierRateKey(carrierCode string) string {
	return "ratelimit:carrier:" + carrierCode
}

func (r *RedisCache) GetDeliverySnapshot(ctx context.Context, carrierCode, awb string) (*DeliverySnapshot, error) {
	b, ok, err := r.Get(ctx, deliveryKey(carrierCode, awb))
	if err != nil || !ok {
		return nil, err
	}
	var s DeliverySnapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "decode delivery snapshot")
	}
	return &s, nil
}

func (r *RedisCache) SetDeliverySnapshot(ctx context.Context, carrierCode, awb string, s DeliverySnapshot, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode delivery snapshot")
	}
	return r.Set(ctx, deliveryKey(carrierCode, awb), b, ttl)
}
