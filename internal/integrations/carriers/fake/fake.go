package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/shopspring/decimal"
)

// FakeAdapter — детерминированная заглушка перевозчика для тестов и
// локального окружения. Статус выводится из хэша AWB, поэтому прогоны
// воспроизводимы.
type FakeAdapter struct{}

func New(_ carriers.Credentials) (carriers.Adapter, error) {
	return &FakeAdapter{}, nil
}

func (f *FakeAdapter) Code() string { return "FAKE" }

func (f *FakeAdapter) Authenticate(ctx context.Context) (bool, error) { return true, nil }

func (f *FakeAdapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.OrderNo))
	awb := fmt.Sprintf("FAKE%08d", h.Sum32()%100_000_000)
	return carriers.ShipmentResponse{
		Success:     true,
		AWB:         awb,
		TrackingURL: "https://fake.example/track/" + awb,
	}, nil
}

func (f *FakeAdapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	return true, nil
}

func (f *FakeAdapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(awb))
	v := h.Sum32()

	// 20% доставлено, 10% недоставка, остальное в пути.
	raw := "In Transit"
	switch {
	case v%10 == 0:
		raw = "Undelivered"
	case v%5 == 0:
		raw = "Delivered"
	}

	mapped := statusmap.MapStatus(models.CarrierShiprocket, raw)
	ev := carriers.TrackingEvent{
		Timestamp: now,
		StatusRaw: raw,
		Remark:    "fake carrier update",
		Status:    mapped,
		IsNDR:     statusmap.IsNDR(mapped),
	}
	if ev.IsNDR {
		ev.NDRReason = models.NDRReasonCustomerNotAvailable
	}
	return carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: raw,
		Events:           []carriers.TrackingEvent{ev},
	}, nil
}

func (f *FakeAdapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	return carriers.RateResponse{
		Success: true,
		Rates: []carriers.RateOption{{
			CourierName:   "Fake Express",
			CourierID:     "1",
			Total:         decimal.NewFromInt(80),
			EstimatedDays: 3,
		}},
	}, nil
}

func (f *FakeAdapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	return carriers.ServiceabilityResponse{Success: true, Serviceable: true, CODAvailable: true}, nil
}

func (f *FakeAdapter) GetLabel(ctx context.Context, awb string) (string, error) {
	return "https://fake.example/label/" + awb + ".pdf", nil
}

func (f *FakeAdapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}
