// Package statuspipe — state machine статусов доставки. Принимает
// нормализованные обновления трекинга (из Kafka от воркера либо из
// вебхука перевозчика), применяет переход к отправлению, ведёт
// жизненный цикл NDR и каскадирует статус заказа.
package statuspipe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/cache/rediscache"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/BearBump/ShipBridge/internal/storage/pgstore"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Repository interface {
	GetDeliveriesByIDs(ctx context.Context, ids []uint64) ([]*models.Delivery, error)
	GetDeliveryByAWB(ctx context.Context, carrierCode, awb string) (*models.Delivery, error)
	ApplyDeliveryStatus(ctx context.Context, deliveryID uint64, prevStatus string, patch pgstore.DeliveryStatusPatch) (bool, error)
	AddDeliveryEvents(ctx context.Context, deliveryID uint64, events []models.DeliveryEvent) (int, error)
	MarkCheckResult(ctx context.Context, deliveryID uint64, checkErr *string, nextCheckAt time.Time) error

	GetOpenNDRByDelivery(ctx context.Context, deliveryID uint64) (*models.NDR, error)
	OpenOrEscalateNDR(ctx context.Context, in models.NDR) (*models.NDR, bool, error)
	ResolveOpenNDR(ctx context.Context, deliveryID uint64, terminalStatus string) (*models.NDR, error)
	SetNDRStatus(ctx context.Context, ndrID uint64, status string) (bool, error)
	GetNDRByID(ctx context.Context, ndrID uint64) (*models.NDR, error)

	GetOrderByID(ctx context.Context, id uint64) (*models.Order, error)
	ApplyOrderStatus(ctx context.Context, orderID uint64, prevStatus, newStatus string) (bool, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, payload any) error
}

// Cache — снапшот последнего состояния для читающих ручек. Лучшее усилие:
// ошибка кэша не ломает применение обновления.
type Cache interface {
	SetDeliverySnapshot(ctx context.Context, carrierCode, awb string, s rediscache.DeliverySnapshot, ttl time.Duration) error
}

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_delivery_transitions_total",
		Help: "Applied delivery status transitions by carrier and new status.",
	}, []string{"carrier", "status"})
	discardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_delivery_updates_discarded_total",
		Help: "Tracking updates discarded by the terminal-state guard.",
	}, []string{"carrier"})
	ndrEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_ndr_events_total",
		Help: "NDR lifecycle actions taken by the pipeline.",
	}, []string{"action"})
)

type Service struct {
	repo     Repository
	producer Producer
	cache    Cache

	snapshotTTL time.Duration
	now         func() time.Time
}

func New(repo Repository, producer Producer, cache Cache) *Service {
	return &Service{
		repo:        repo,
		producer:    producer,
		cache:       cache,
		snapshotTTL: 30 * time.Minute,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSnapshotTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.snapshotTTL = ttl
	}
	return s
}

// TrackingUpdate — одно нормализованное обновление с границы
// вебхук/поллер. Сырой статус ещё не сведён к внутреннему.
type TrackingUpdate struct {
	CarrierCode string
	AWB         string
	StatusRaw   string
	Remark      *string
	Location    *string
	EDD         *time.Time
	EventTime   time.Time
}

// Result — структурный итог обработки одного обновления. Ничего из
// перечисленного не является ошибкой Go: not found и отброс терминальной
// защитой — ожидаемые исходы.
type Result struct {
	Found      bool
	Applied    bool
	Discarded  bool
	PrevStatus string
	NewStatus  string

	NDR        *models.NDR
	NDRCreated bool
}

// BatchStats — агрегат пакетной обработки; ошибки по элементам
// считаются, но не прерывают пакет.
type BatchStats struct {
	Processed   int
	Errors      int
	NDRsCreated int
}

// ApplyKafkaUpdate — вход для сообщений воркера. Ошибка опроса
// фиксируется на отправлении (backoff уже посчитан воркером), успешный
// опрос прогоняется через state machine.
func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.TrackingChecked) error {
	if msg.DeliveryID == 0 {
		return errors.New("delivery id is required")
	}

	if msg.Error != nil {
		if err := s.repo.MarkCheckResult(ctx, msg.DeliveryID, msg.Error, msg.NextCheckAt); err != nil {
			return errors.Wrap(err, "mark check failure")
		}
		return nil
	}

	if err := s.repo.MarkCheckResult(ctx, msg.DeliveryID, nil, msg.NextCheckAt); err != nil {
		return errors.Wrap(err, "mark check success")
	}

	ds, err := s.repo.GetDeliveriesByIDs(ctx, []uint64{msg.DeliveryID})
	if err != nil {
		return errors.Wrap(err, "load delivery")
	}
	if len(ds) == 0 {
		slog.Warn("tracking update for unknown delivery", "deliveryId", msg.DeliveryID, "awb", msg.AWB)
		return nil
	}
	d := ds[0]

	if len(msg.Events) > 0 {
		evs := make([]models.DeliveryEvent, 0, len(msg.Events))
		for _, e := range msg.Events {
			evs = append(evs, models.DeliveryEvent{
				DeliveryID: d.ID,
				Status:     e.Status,
				StatusRaw:  e.StatusRaw,
				EventTime:  e.EventTime,
				Location:   e.Location,
				Remark:     e.Remark,
			})
		}
		if _, err := s.repo.AddDeliveryEvents(ctx, d.ID, evs); err != nil {
			return errors.Wrap(err, "store delivery events")
		}
	}

	if msg.Status == "" {
		return nil
	}

	var remark *string
	for i := len(msg.Events) - 1; i >= 0; i-- {
		if msg.Events[i].Remark != nil {
			remark = msg.Events[i].Remark
			break
		}
	}

	_, err = s.applyStatus(ctx, d, msg.Status, msg.StatusRaw, remark, msg.EDD, msg.CheckedAt)
	return err
}

// ProcessUpdate — вход для вебхуков перевозчиков. Сырой статус сводится
// к внутреннему здесь, событие пишется в историю, дальше общий путь.
func (s *Service) ProcessUpdate(ctx context.Context, upd TrackingUpdate) (*Result, error) {
	if upd.AWB == "" || upd.CarrierCode == "" {
		return nil, errors.New("carrierCode and awb are required")
	}

	d, err := s.repo.GetDeliveryByAWB(ctx, upd.CarrierCode, upd.AWB)
	if err != nil {
		return nil, errors.Wrap(err, "load delivery by awb")
	}
	if d == nil {
		slog.Info("tracking update for unknown awb", "carrier", upd.CarrierCode, "awb", upd.AWB)
		return &Result{Found: false}, nil
	}

	newStatus := statusmap.MapStatus(upd.CarrierCode, upd.StatusRaw)

	eventTime := upd.EventTime
	if eventTime.IsZero() {
		eventTime = s.now()
	}
	_, err = s.repo.AddDeliveryEvents(ctx, d.ID, []models.DeliveryEvent{{
		DeliveryID: d.ID,
		Status:     newStatus,
		StatusRaw:  upd.StatusRaw,
		EventTime:  eventTime,
		Location:   upd.Location,
		Remark:     upd.Remark,
	}})
	if err != nil {
		return nil, errors.Wrap(err, "store delivery event")
	}

	return s.applyStatus(ctx, d, newStatus, upd.StatusRaw, upd.Remark, upd.EDD, eventTime)
}

// ProcessBatch обрабатывает пачку обновлений, изолируя ошибки по
// элементам: один сломанный AWB не роняет остальные.
func (s *Service) ProcessBatch(ctx context.Context, updates []TrackingUpdate) BatchStats {
	var st BatchStats
	for _, upd := range updates {
		res, err := s.ProcessUpdate(ctx, upd)
		if err != nil {
			st.Errors++
			slog.Error("tracking update failed",
				"carrier", upd.CarrierCode, "awb", upd.AWB, "error", err)
			continue
		}
		st.Processed++
		if res.NDRCreated {
			st.NDRsCreated++
		}
	}
	return st
}

// applyStatus — ядро state machine: терминальная защита, оптимистичная
// запись перехода, ветка NDR, каскад заказа, доменные события, снапшот.
func (s *Service) applyStatus(ctx context.Context, d *models.Delivery, newStatus, statusRaw string, remark *string, edd *time.Time, occurredAt time.Time) (*Result, error) {
	res := &Result{Found: true, PrevStatus: d.Status, NewStatus: newStatus}

	// Терминальная защита: опоздавшие или продублированные данные по уже
	// завершённому отправлению молча отбрасываются. Это не ошибка.
	if statusmap.IsTerminal(d.Status) {
		discardedTotal.WithLabelValues(d.CarrierCode).Inc()
		slog.Info("stale update discarded for terminal delivery",
			"deliveryId", d.ID, "awb", d.AWB, "current", d.Status, "incoming", newStatus)
		res.Discarded = true
		return res, nil
	}

	changed := newStatus != d.Status || statusRaw != d.StatusRaw
	if changed {
		applied, err := s.writeStatus(ctx, d, newStatus, statusRaw, remark, edd)
		if err != nil {
			return nil, err
		}
		if !applied {
			// Проиграли гонку параллельному обновлению. Перечитываем и
			// пробуем ровно один раз: если строка стала терминальной,
			// включается та же защита.
			fresh, err := s.repo.GetDeliveriesByIDs(ctx, []uint64{d.ID})
			if err != nil {
				return nil, errors.Wrap(err, "reload delivery")
			}
			if len(fresh) == 0 {
				return nil, errors.Errorf("delivery %d disappeared during update", d.ID)
			}
			d = fresh[0]
			res.PrevStatus = d.Status
			if statusmap.IsTerminal(d.Status) {
				discardedTotal.WithLabelValues(d.CarrierCode).Inc()
				res.Discarded = true
				return res, nil
			}
			if applied, err = s.writeStatus(ctx, d, newStatus, statusRaw, remark, edd); err != nil {
				return nil, err
			}
			if !applied {
				return nil, errors.Errorf("delivery %d: concurrent status updates, giving up", d.ID)
			}
		}
		res.Applied = newStatus != d.Status
		if res.Applied {
			transitionsTotal.WithLabelValues(d.CarrierCode, newStatus).Inc()
		}
	}

	if statusmap.IsNDR(newStatus) {
		ndr, created, err := s.openOrEscalateNDR(ctx, d, statusRaw, remark, occurredAt)
		if err != nil {
			return nil, err
		}
		res.NDR, res.NDRCreated = ndr, created
	}

	if statusmap.IsTerminal(newStatus) {
		if err := s.resolveNDROnTerminal(ctx, d, newStatus, occurredAt); err != nil {
			return nil, err
		}
	}

	if d.OrderID != nil {
		if err := s.cascadeOrderStatus(ctx, *d.OrderID, newStatus); err != nil {
			return nil, err
		}
	}

	if res.Applied {
		s.emitDeliveryEvent(ctx, d, newStatus, res.PrevStatus, occurredAt)
	}

	if s.cache != nil {
		snap := rediscache.DeliverySnapshot{
			DeliveryID: d.ID,
			Status:     newStatus,
			StatusRaw:  statusRaw,
			EDD:        edd,
			CheckedAt:  occurredAt,
		}
		if err := s.cache.SetDeliverySnapshot(ctx, d.CarrierCode, d.AWB, snap, s.snapshotTTL); err != nil {
			slog.Warn("delivery snapshot not cached", "deliveryId", d.ID, "error", err)
		}
	}

	return res, nil
}

func (s *Service) writeStatus(ctx context.Context, d *models.Delivery, newStatus, statusRaw string, remark *string, edd *time.Time) (bool, error) {
	now := s.now()
	patch := pgstore.DeliveryStatusPatch{
		Status:    newStatus,
		StatusRaw: statusRaw,
		EDD:       edd,
		Remarks:   remark,
	}
	switch newStatus {
	case models.DeliveryStatusShipped:
		if d.ShipDate == nil {
			patch.ShipDate = &now
		}
	case models.DeliveryStatusDelivered, models.DeliveryStatusRTODelivered:
		if d.DeliveryDate == nil {
			patch.DeliveryDate = &now
		}
	}

	ok, err := s.repo.ApplyDeliveryStatus(ctx, d.ID, d.Status, patch)
	if err != nil {
		return false, errors.Wrap(err, "apply delivery status")
	}
	return ok, nil
}

// openOrEscalateNDR держит инвариант "не больше одной открытой NDR на
// отправление": первый недовоз открывает запись, каждый следующий
// поднимает attempt_number, приоритет и риск.
func (s *Service) openOrEscalateNDR(ctx context.Context, d *models.Delivery, statusRaw string, remark *string, occurredAt time.Time) (*models.NDR, bool, error) {
	reasonSrc := statusRaw
	if remark != nil && *remark != "" {
		reasonSrc = *remark
	}
	reason := statusmap.MapNDRReason(d.CarrierCode, reasonSrc)

	nextAttempt := int32(1)
	priority := models.NDRPriorityMedium
	risk := int32(30)

	existing, err := s.repo.GetOpenNDRByDelivery(ctx, d.ID)
	if err != nil {
		return nil, false, errors.Wrap(err, "load open ndr")
	}
	if existing != nil {
		nextAttempt = existing.AttemptNumber + 1
		risk = existing.RiskScore
		switch {
		case nextAttempt >= 3:
			priority = models.NDRPriorityCritical
			risk += 20
		case nextAttempt == 2:
			priority = models.NDRPriorityHigh
			risk += 15
		}
		if risk > 100 {
			risk = 100
		}
	}

	ndr, created, err := s.repo.OpenOrEscalateNDR(ctx, models.NDR{
		CompanyID:     d.CompanyID,
		DeliveryID:    d.ID,
		OrderID:       d.OrderID,
		Reason:        reason,
		Priority:      priority,
		RiskScore:     risk,
		CarrierRemark: remark,
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "open or escalate ndr")
	}

	evType := messages.EventNDREscalated
	action := "escalated"
	if created {
		evType = messages.EventNDRCreated
		action = "created"
	}
	ndrEventsTotal.WithLabelValues(action).Inc()
	s.emitNDREvent(ctx, evType, ndr, occurredAt)
	return ndr, created, nil
}

// resolveNDROnTerminal закрывает открытую NDR, когда отправление дошло
// до терминального статуса без внешнего вмешательства.
func (s *Service) resolveNDROnTerminal(ctx context.Context, d *models.Delivery, newStatus string, occurredAt time.Time) error {
	var ndrStatus, evType string
	switch newStatus {
	case models.DeliveryStatusDelivered:
		ndrStatus, evType = models.NDRStatusResolved, messages.EventNDRResolved
	case models.DeliveryStatusRTODelivered:
		ndrStatus, evType = models.NDRStatusRTO, messages.EventNDRRTODecided
	case models.DeliveryStatusCancelled:
		ndrStatus, evType = models.NDRStatusClosed, messages.EventNDRResolved
	default:
		return nil
	}

	ndr, err := s.repo.ResolveOpenNDR(ctx, d.ID, ndrStatus)
	if err != nil {
		return errors.Wrap(err, "resolve open ndr")
	}
	if ndr == nil {
		return nil
	}
	ndrEventsTotal.WithLabelValues("resolved").Inc()
	s.emitNDREvent(ctx, evType, ndr, occurredAt)
	return nil
}

// Фиксированный каскад: статус доставки -> статус заказа.
var orderCascade = map[string]string{
	models.DeliveryStatusShipped:        models.OrderStatusShipped,
	models.DeliveryStatusInTransit:      models.OrderStatusShipped,
	models.DeliveryStatusOutForDelivery: models.OrderStatusShipped,
	models.DeliveryStatusNDR:            models.OrderStatusShipped,
	models.DeliveryStatusRTOInitiated:   models.OrderStatusShipped,
	models.DeliveryStatusRTOInTransit:   models.OrderStatusShipped,
	models.DeliveryStatusDelivered:      models.OrderStatusDelivered,
	models.DeliveryStatusRTODelivered:   models.OrderStatusReturned,
	models.DeliveryStatusCancelled:      models.OrderStatusCancelled,
}

func (s *Service) cascadeOrderStatus(ctx context.Context, orderID uint64, deliveryStatus string) error {
	want, ok := orderCascade[deliveryStatus]
	if !ok {
		return nil
	}

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "load order for cascade")
	}
	if order == nil || order.Status == want {
		return nil
	}
	if models.IsOrderTerminalStatus(order.Status) {
		slog.Info("order cascade skipped for terminal order",
			"orderId", orderID, "current", order.Status, "incoming", want)
		return nil
	}

	applied, err := s.repo.ApplyOrderStatus(ctx, orderID, order.Status, want)
	if err != nil {
		return errors.Wrap(err, "cascade order status")
	}
	if !applied {
		// Кто-то успел раньше. Каскад идемпотентен, следующий переход
		// доставки всё равно его повторит.
		slog.Info("order cascade lost race", "orderId", orderID, "wanted", want)
	}
	return nil
}

func (s *Service) emitDeliveryEvent(ctx context.Context, d *models.Delivery, newStatus, prevStatus string, occurredAt time.Time) {
	var evType string
	switch newStatus {
	case models.DeliveryStatusShipped:
		evType = messages.EventDeliveryShipped
	case models.DeliveryStatusDelivered:
		evType = messages.EventDeliveryDelivered
	case models.DeliveryStatusRTODelivered:
		evType = messages.EventDeliveryRTODelivered
	case models.DeliveryStatusCancelled:
		evType = messages.EventDeliveryCancelled
	default:
		return
	}

	ev := messages.DeliveryEvent{
		Type:        evType,
		CompanyID:   d.CompanyID,
		DeliveryID:  d.ID,
		OrderID:     d.OrderID,
		AWB:         d.AWB,
		CarrierCode: d.CarrierCode,
		Status:      newStatus,
		PrevStatus:  prevStatus,
		OccurredAt:  occurredAt,
	}
	if err := s.producer.PublishJSON(ctx, messages.TopicDeliveryEvents, fmt.Sprintf("%d", d.ID), ev); err != nil {
		// Fire-and-forget: событие потеряно, состояние в базе корректно.
		slog.Error("delivery event not published", "deliveryId", d.ID, "type", evType, "error", err)
	}
}

func (s *Service) emitNDREvent(ctx context.Context, evType string, n *models.NDR, occurredAt time.Time) {
	ev := messages.NDREvent{
		Type:          evType,
		CompanyID:     n.CompanyID,
		NDRID:         n.ID,
		DeliveryID:    n.DeliveryID,
		OrderID:       n.OrderID,
		AttemptNumber: n.AttemptNumber,
		Reason:        n.Reason,
		Priority:      n.Priority,
		RiskScore:     n.RiskScore,
		OccurredAt:    occurredAt,
	}
	if err := s.producer.PublishJSON(ctx, messages.TopicNDREvents, fmt.Sprintf("%d", n.DeliveryID), ev); err != nil {
		slog.Error("ndr event not published", "ndrId", n.ID, "type", evType, "error", err)
	}
}
