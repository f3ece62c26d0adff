package shadowfax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/integrations/vendorhttp"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/pkg/errors"
)

const defaultBaseURL = "https://hlbackend.shadowfax.in"

// Shadowfax: REST/JSON со статичным токеном в заголовке.
type Adapter struct {
	baseURL string
	token   string

	httpc *vendorhttp.Client
}

var timeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func New(creds carriers.Credentials) (carriers.Adapter, error) {
	if err := creds.Require("api_token"); err != nil {
		return nil, err
	}
	base := creds["base_url"]
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		baseURL: strings.TrimRight(base, "/"),
		token:   creds["api_token"],
		httpc:   vendorhttp.New("shadowfax", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierShadowfax }

func (a *Adapter) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "marshal payload")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	code, _, err := a.do(ctx, http.MethodGet, "/order/serviceability/?pickup_pincode=110001&drop_pincode=110002", nil)
	if err != nil {
		slog.Warn("shadowfax auth probe failed", "error", err.Error())
		return false, nil
	}
	return code != http.StatusUnauthorized && code != http.StatusForbidden, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	payload := map[string]any{
		"client_order_id": req.OrderNo,
		"is_cod":          req.PaymentMode == models.PaymentModeCOD,
		"cash_to_collect": req.CODAmount.String(),
		"declared_value":  req.DeclaredValue.String(),
		"weight":          req.WeightKg.String(),
		"pickup_details": map[string]any{
			"name":    req.Pickup.Name,
			"contact": req.Pickup.Phone,
			"address": req.Pickup.Line1,
			"city":    req.Pickup.City,
			"pincode": req.Pickup.Pincode,
		},
		"drop_details": map[string]any{
			"name":    req.Drop.Name,
			"contact": req.Drop.Phone,
			"address": req.Drop.Line1,
			"city":    req.Drop.City,
			"pincode": req.Drop.Pincode,
		},
	}

	code, raw, err := a.do(ctx, http.MethodPost, "/order/create/", payload)
	if err != nil {
		slog.Error("shadowfax create shipment", "endpoint", "/order/create/", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ShipmentResponse{Success: false,
			Error: fmt.Sprintf("shadowfax http %d", code), Raw: raw}, nil
	}

	var r struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AWBNumber string      `json:"awb_number"`
			OrderID   json.Number `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "shadowfax: malformed response", Raw: raw}, nil
	}
	if !strings.EqualFold(r.Status, "success") || r.Data.AWBNumber == "" {
		msg := r.Message
		if msg == "" {
			msg = "shadowfax rejected shipment"
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}
	return carriers.ShipmentResponse{
		Success:        true,
		AWB:            r.Data.AWBNumber,
		CarrierOrderID: r.Data.OrderID.String(),
		TrackingURL:    "https://tracker.shadowfax.in/#/track/" + r.Data.AWBNumber,
		Raw:            raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	code, raw, err := a.do(ctx, http.MethodPost, "/order/cancel/", map[string]any{"awb_number": awb})
	if err != nil {
		slog.Error("shadowfax cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	if code/100 != 2 {
		return false, nil
	}
	var r struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(raw, &r) == nil {
		return strings.EqualFold(r.Status, "success"), nil
	}
	return true, nil
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	code, raw, err := a.do(ctx, http.MethodGet, "/order/track/"+awb+"/", nil)
	if err != nil {
		slog.Error("shadowfax track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb,
			Error: fmt.Sprintf("shadowfax http %d", code)}, nil
	}

	var r struct {
		Status string `json:"status"`
		Data   struct {
			CurrentStatus string `json:"current_status"`
			History       []struct {
				Status    string `json:"status"`
				Timestamp string `json:"timestamp"`
				Location  string `json:"location"`
				Remarks   string `json:"remarks"`
			} `json:"history"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "shadowfax: malformed response"}, nil
	}

	mapped := statusmap.MapStatus(models.CarrierShadowfax, r.Data.CurrentStatus)
	out := carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: r.Data.CurrentStatus,
	}
	for _, h := range r.Data.History {
		ts, _ := carriers.ParseVendorTime(models.CarrierShadowfax, timeFormats, h.Timestamp)
		st := statusmap.MapStatus(models.CarrierShadowfax, h.Status)
		ev := carriers.TrackingEvent{
			Timestamp: ts,
			StatusRaw: h.Status,
			Location:  h.Location,
			Remark:    h.Remarks,
			Status:    st,
			IsNDR:     statusmap.IsNDR(st),
		}
		if ev.IsNDR {
			ev.NDRReason = statusmap.MapNDRReason(models.CarrierShadowfax, h.Remarks)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	return carriers.RateResponse{
		Success: false,
		Error:   "shadowfax hyperlocal rates are contract-based, no public rate API",
	}, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	path := fmt.Sprintf("/order/serviceability/?pickup_pincode=%s&drop_pincode=%s",
		req.PickupPincode, req.DropPincode)
	code, raw, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		slog.Error("shadowfax serviceability", "error", err.Error())
		return carriers.ServiceabilityResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ServiceabilityResponse{Success: false,
			Error: fmt.Sprintf("shadowfax http %d", code)}, nil
	}
	var r struct {
		Serviceable bool `json:"serviceable"`
		CODEnabled  bool `json:"cod_enabled"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ServiceabilityResponse{Success: false, Error: "shadowfax: malformed response"}, nil
	}
	return carriers.ServiceabilityResponse{
		Success:      true,
		Serviceable:  r.Serviceable,
		CODAvailable: r.CODEnabled,
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	return "", nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	payload := map[string]any{"awb_number": awb, "action": strings.ToLower(req.Action), "remarks": req.Remark}
	if req.ScheduledDate != nil {
		payload["preferred_date"] = req.ScheduledDate.Format("2006-01-02")
	}
	code, raw, err := a.do(ctx, http.MethodPost, "/order/ndr/", payload)
	if err != nil {
		slog.Error("shadowfax ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.NDRActionResponse{Success: false,
			Error: fmt.Sprintf("shadowfax http %d: %s", code, string(raw))}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}
