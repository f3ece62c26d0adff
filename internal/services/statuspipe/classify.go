package statuspipe

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/BearBump/ShipBridge/internal/storage/pgstore"
	"github.com/pkg/errors"
)

// AutoActionConfidence — порог автоисполнения. Ниже порога кейс
// остаётся на ручной разбор, классификация только подсказка.
const AutoActionConfidence = 0.90

// Classification — рекомендованное действие по NDR с уверенностью.
// Сегодня правила табличные; интерфейс рассчитан и на внешний
// классификатор, лишь бы он отдавал confidence.
type Classification struct {
	Action     string
	Confidence float64
	Note       string
}

// ClassifyNDR выводит действие из причины и номера попытки.
func ClassifyNDR(n *models.NDR) Classification {
	switch n.Reason {
	case models.NDRReasonCustomerRefused:
		return Classification{carriers.NDRActionRTO, 0.95, "customer refused acceptance"}
	case models.NDRReasonOutOfDeliveryArea:
		return Classification{carriers.NDRActionRTO, 0.93, "address outside serviceable area"}
	case models.NDRReasonFutureDelivery:
		return Classification{carriers.NDRActionReattempt, 0.95, "customer asked for a later date"}
	case models.NDRReasonCustomerNotAvailable:
		if n.AttemptNumber >= 3 {
			return Classification{carriers.NDRActionRTO, 0.91, "customer unavailable three times"}
		}
		return Classification{carriers.NDRActionReattempt, 0.92, "customer not available"}
	case models.NDRReasonCODNotReady:
		if n.AttemptNumber >= 2 {
			return Classification{carriers.NDRActionRTO, 0.90, "cod not ready on repeat attempt"}
		}
		return Classification{carriers.NDRActionReattempt, 0.85, "cod amount not ready"}
	case models.NDRReasonAddressIssue:
		return Classification{carriers.NDRActionUpdateAddress, 0.60, "address needs correction"}
	case models.NDRReasonPhoneUnreachable:
		return Classification{carriers.NDRActionUpdatePhone, 0.55, "phone unreachable"}
	}
	return Classification{carriers.NDRActionReattempt, 0.40, "unclassified reason"}
}

// AdapterSource отдаёт готовый (авторизованный) адаптер перевозчика.
type AdapterSource interface {
	Adapter(carrierCode string) (carriers.Adapter, error)
}

// AutoActNDR классифицирует открытую NDR и, если уверенность не ниже
// порога, выполняет действие у перевозчика. Ниже порога запись
// переводится в ACTION_REQUESTED и ждёт оператора.
func (s *Service) AutoActNDR(ctx context.Context, ndrID uint64, adapters AdapterSource) (Classification, bool, error) {
	n, err := s.repo.GetNDRByID(ctx, ndrID)
	if err != nil {
		return Classification{}, false, errors.Wrap(err, "load ndr")
	}
	if n == nil {
		return Classification{}, false, errors.Errorf("ndr %d not found", ndrID)
	}
	if models.IsNDRTerminalStatus(n.Status) {
		return Classification{}, false, errors.Errorf("ndr %d already %s", ndrID, n.Status)
	}

	cls := ClassifyNDR(n)
	if cls.Confidence < AutoActionConfidence {
		if _, err := s.repo.SetNDRStatus(ctx, n.ID, models.NDRStatusActionRequested); err != nil {
			return cls, false, errors.Wrap(err, "request manual action")
		}
		slog.Info("ndr left for manual review",
			"ndrId", n.ID, "action", cls.Action, "confidence", cls.Confidence)
		return cls, false, nil
	}

	ds, err := s.repo.GetDeliveriesByIDs(ctx, []uint64{n.DeliveryID})
	if err != nil {
		return cls, false, errors.Wrap(err, "load delivery")
	}
	if len(ds) == 0 {
		return cls, false, errors.Errorf("delivery %d not found for ndr %d", n.DeliveryID, n.ID)
	}
	d := ds[0]

	adapter, err := adapters.Adapter(d.CarrierCode)
	if err != nil {
		return cls, false, errors.Wrapf(err, "adapter for %s", d.CarrierCode)
	}

	req := carriers.NDRActionRequest{Action: cls.Action, Remark: cls.Note}
	if cls.Action == carriers.NDRActionReattempt {
		next := s.now().Add(24 * time.Hour)
		req.ScheduledDate = &next
	}

	resp, err := adapter.HandleNDRAction(ctx, d.AWB, req)
	if err != nil {
		return cls, false, errors.Wrap(err, "carrier ndr action")
	}
	if !resp.Success {
		// Перевозчик отказал. Кейс уходит оператору, не повторяем молча.
		if _, err := s.repo.SetNDRStatus(ctx, n.ID, models.NDRStatusActionRequested); err != nil {
			return cls, false, errors.Wrap(err, "request manual action")
		}
		slog.Warn("carrier rejected ndr action",
			"ndrId", n.ID, "awb", d.AWB, "action", cls.Action, "error", resp.Error)
		return cls, false, nil
	}

	switch cls.Action {
	case carriers.NDRActionReattempt:
		if _, err := s.repo.SetNDRStatus(ctx, n.ID, models.NDRStatusReattemptScheduled); err != nil {
			return cls, false, errors.Wrap(err, "mark reattempt scheduled")
		}
		ndrEventsTotal.WithLabelValues("reattempt_scheduled").Inc()
	case carriers.NDRActionRTO:
		if err := s.decideRTO(ctx, d, n); err != nil {
			return cls, false, err
		}
	default:
		// Правки адреса/телефона не двигают state machine сами по себе.
	}
	return cls, true, nil
}

// ResolveNDR — внешний триггер разбора: повторная доставка удалась либо
// принято решение об RTO. Каскадирует статусы доставки и заказа.
func (s *Service) ResolveNDR(ctx context.Context, ndrID uint64, resolution string) error {
	n, err := s.repo.GetNDRByID(ctx, ndrID)
	if err != nil {
		return errors.Wrap(err, "load ndr")
	}
	if n == nil {
		return errors.Errorf("ndr %d not found", ndrID)
	}
	if models.IsNDRTerminalStatus(n.Status) {
		return errors.Errorf("ndr %d already %s", ndrID, n.Status)
	}

	ds, err := s.repo.GetDeliveriesByIDs(ctx, []uint64{n.DeliveryID})
	if err != nil {
		return errors.Wrap(err, "load delivery")
	}
	if len(ds) == 0 {
		return errors.Errorf("delivery %d not found for ndr %d", n.DeliveryID, n.ID)
	}
	d := ds[0]

	switch resolution {
	case models.DeliveryStatusDelivered:
		if _, err := s.applyStatus(ctx, d, models.DeliveryStatusDelivered, d.StatusRaw, nil, nil, s.now()); err != nil {
			return err
		}
	case "RTO":
		if err := s.decideRTO(ctx, d, n); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown resolution %q", resolution)
	}
	return nil
}

// decideRTO закрывает NDR решением RTO и переводит отправление в
// RTO_INITIATED. Дальше движение обратной логистики ведёт трекинг.
func (s *Service) decideRTO(ctx context.Context, d *models.Delivery, n *models.NDR) error {
	resolved, err := s.repo.ResolveOpenNDR(ctx, d.ID, models.NDRStatusRTO)
	if err != nil {
		return errors.Wrap(err, "resolve ndr as rto")
	}
	if resolved == nil {
		resolved = n
	}

	if !statusmap.IsTerminal(d.Status) && d.Status != models.DeliveryStatusRTOInitiated {
		ok, err := s.repo.ApplyDeliveryStatus(ctx, d.ID, d.Status, pgstore.DeliveryStatusPatch{
			Status:    models.DeliveryStatusRTOInitiated,
			StatusRaw: d.StatusRaw,
		})
		if err != nil {
			return errors.Wrap(err, "move delivery to rto")
		}
		if ok {
			transitionsTotal.WithLabelValues(d.CarrierCode, models.DeliveryStatusRTOInitiated).Inc()
			if d.OrderID != nil {
				if err := s.cascadeOrderStatus(ctx, *d.OrderID, models.DeliveryStatusRTOInitiated); err != nil {
					return err
				}
			}
		}
	}

	ndrEventsTotal.WithLabelValues("rto_decided").Inc()
	s.emitNDREvent(ctx, messages.EventNDRRTODecided, resolved, s.now())
	return nil
}
