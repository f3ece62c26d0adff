package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/cache/rediscache"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/statuspipe"
)

type shipAPIOpts struct {
	httpAddr      string
	webhookSecret string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type deliveryReader interface {
	GetDeliveryByAWB(ctx context.Context, carrierCode, awb string) (*models.Delivery, error)
}

type snapshotCache interface {
	GetDeliverySnapshot(ctx context.Context, carrierCode, awb string) (*rediscache.DeliverySnapshot, error)
}

type shipAPIDeps struct {
	svc      *statuspipe.Service
	adapters statuspipe.AdapterSource
	reader   deliveryReader
	cache    snapshotCache
	consumer kafkaConsumer
}

func runShipAPI(ctx context.Context, opts shipAPIOpts, deps shipAPIDeps) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Post("/webhooks/carriers/{carrierCode}", handleCarrierWebhook(deps.svc, opts.webhookSecret))
	r.Get("/deliveries/{carrierCode}/{awb}", handleGetDelivery(deps.reader, deps.cache))
	r.Post("/ndrs/{ndrID}/resolve", handleNDRResolve(deps.svc))
	r.Post("/ndrs/{ndrID}/auto-act", handleNDRAutoAct(deps.svc, deps.adapters))

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		_ = deps.consumer.Consume(ctx, func(_key, value []byte) error {
			var m messages.TrackingChecked
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			return deps.svc.ApplyKafkaUpdate(ctx, m)
		})
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err = srv.Serve(lis)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// carrierWebhook — нормализованное тело вебхука. Сырой статус не сведён
// к внутреннему: этим занимается пайплайн.
type carrierWebhook struct {
	AWB       string     `json:"awb"`
	Status    string     `json:"status"`
	Remark    string     `json:"remark,omitempty"`
	Location  string     `json:"location,omitempty"`
	EDD       *time.Time `json:"edd,omitempty"`
	EventTime *time.Time `json:"event_time,omitempty"`
}

func handleCarrierWebhook(svc *statuspipe.Service, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && r.Header.Get("X-Webhook-Token") != secret {
			writeJSONError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}

		var body carrierWebhook
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed json body")
			return
		}
		if body.AWB == "" || body.Status == "" {
			writeJSONError(w, http.StatusBadRequest, "awb and status are required")
			return
		}

		upd := statuspipe.TrackingUpdate{
			CarrierCode: chi.URLParam(r, "carrierCode"),
			AWB:         body.AWB,
			StatusRaw:   body.Status,
			EDD:         body.EDD,
		}
		if body.Remark != "" {
			upd.Remark = &body.Remark
		}
		if body.Location != "" {
			upd.Location = &body.Location
		}
		if body.EventTime != nil {
			upd.EventTime = *body.EventTime
		}

		res, err := svc.ProcessUpdate(r.Context(), upd)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !res.Found {
			writeJSONError(w, http.StatusNotFound, "unknown awb")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"applied":    res.Applied,
			"discarded":  res.Discarded,
			"prevStatus": res.PrevStatus,
			"newStatus":  res.NewStatus,
			"ndrOpened":  res.NDRCreated,
		})
	}
}

func handleGetDelivery(reader deliveryReader, cache snapshotCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		carrierCode := chi.URLParam(r, "carrierCode")
		awb := chi.URLParam(r, "awb")

		w.Header().Set("Content-Type", "application/json")

		if cache != nil {
			if snap, err := cache.GetDeliverySnapshot(r.Context(), carrierCode, awb); err == nil && snap != nil {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"deliveryId": snap.DeliveryID,
					"status":     snap.Status,
					"statusRaw":  snap.StatusRaw,
					"edd":        snap.EDD,
					"checkedAt":  snap.CheckedAt,
					"cached":     true,
				})
				return
			}
		}

		d, err := reader.GetDeliveryByAWB(r.Context(), carrierCode, awb)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if d == nil {
			writeJSONError(w, http.StatusNotFound, "unknown awb")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"deliveryId": d.ID,
			"status":     d.Status,
			"statusRaw":  d.StatusRaw,
			"edd":        d.EDD,
			"checkedAt":  d.LastCheckedAt,
			"cached":     false,
		})
	}
}

type ndrResolveBody struct {
	Resolution string `json:"resolution"` // DELIVERED | RTO
}

func handleNDRResolve(svc *statuspipe.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ndrID, err := strconv.ParseUint(chi.URLParam(r, "ndrID"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad ndr id")
			return
		}
		var body ndrResolveBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed json body")
			return
		}

		if err := svc.ResolveNDR(r.Context(), ndrID, body.Resolution); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resolved":true}`))
	}
}

func handleNDRAutoAct(svc *statuspipe.Service, adapters statuspipe.AdapterSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ndrID, err := strconv.ParseUint(chi.URLParam(r, "ndrID"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad ndr id")
			return
		}

		cls, executed, err := svc.AutoActNDR(r.Context(), ndrID, adapters)
		if err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"action":     cls.Action,
			"confidence": cls.Confidence,
			"executed":   executed,
		})
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
