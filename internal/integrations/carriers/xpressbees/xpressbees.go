package xpressbees

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/integrations/vendorhttp"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://shipment.xpressbees.com"

// Xpressbees: REST/JSON, логин email+password -> bearer. Словарь статусов
// вендора в нижнем регистре, statusmap сопоставляет без учёта регистра.
type Adapter struct {
	baseURL  string
	email    string
	password string

	httpc *vendorhttp.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var timeFormats = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func New(creds carriers.Credentials) (carriers.Adapter, error) {
	if err := creds.Require("email", "password"); err != nil {
		return nil, err
	}
	base := creds["base_url"]
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		baseURL:  strings.TrimRight(base, "/"),
		email:    creds["email"],
		password: creds["password"],
		httpc:    vendorhttp.New("xpressbees", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierXpressbees }

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	_, err := a.getToken(ctx)
	if err != nil {
		slog.Warn("xpressbees auth failed", "error", err.Error())
		return false, nil
	}
	return true, nil
}

func (a *Adapter) getToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Until(a.tokenExpiry) > 10*time.Minute {
		return a.token, nil
	}

	body, _ := json.Marshal(map[string]string{"email": a.email, "password": a.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/users/login", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "xpressbees login")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("xpressbees login http %d", resp.StatusCode)
	}
	var r struct {
		Status bool   `json:"status"`
		Data   string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", errors.Wrap(err, "decode login")
	}
	if !r.Status || r.Data == "" {
		return "", errors.New("xpressbees login rejected")
	}
	a.token = r.Data
	a.tokenExpiry = time.Now().Add(11 * time.Hour)
	return a.token, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	token, err := a.getToken(ctx)
	if err != nil {
		return 0, nil, err
	}
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
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	items := make([]map[string]any, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, map[string]any{
			"name":  it.Name,
			"sku":   it.SkuCode,
			"qty":   it.Quantity,
			"price": it.UnitPrice.String(),
		})
	}
	payload := map[string]any{
		"order_number":       req.OrderNo,
		"payment_type":       strings.ToLower(req.PaymentMode),
		"order_amount":       req.DeclaredValue.String(),
		"collectable_amount": req.CODAmount.String(),
		"package_weight":     req.WeightKg.Mul(decimal.NewFromInt(1000)).String(),
		"package_length":     req.LengthCm,
		"package_breadth":    req.WidthCm,
		"package_height":     req.HeightCm,
		"consignee": map[string]any{
			"name":      req.Drop.Name,
			"address":   req.Drop.Line1,
			"address_2": req.Drop.Line2,
			"city":      req.Drop.City,
			"state":     req.Drop.State,
			"pincode":   req.Drop.Pincode,
			"phone":     req.Drop.Phone,
		},
		"pickup": map[string]any{
			"warehouse_name": req.Pickup.Name,
			"name":           req.Pickup.Name,
			"address":        req.Pickup.Line1,
			"city":           req.Pickup.City,
			"state":          req.Pickup.State,
			"pincode":        req.Pickup.Pincode,
			"phone":          req.Pickup.Phone,
		},
		"order_items": items,
	}

	code, raw, err := a.doJSON(ctx, http.MethodPost, "/api/shipments2", payload)
	if err != nil {
		slog.Error("xpressbees create shipment", "endpoint", "/api/shipments2", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ShipmentResponse{Success: false,
			Error: fmt.Sprintf("xpressbees http %d", code), Raw: raw}, nil
	}

	var r struct {
		Status bool `json:"status"`
		Data   struct {
			AWBNumber  string      `json:"awb_number"`
			ShipmentID json.Number `json:"shipment_id"`
			LabelURL   string      `json:"label"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "xpressbees: malformed response", Raw: raw}, nil
	}
	if !r.Status || r.Data.AWBNumber == "" {
		msg := r.Message
		if msg == "" {
			msg = "xpressbees rejected shipment"
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}
	return carriers.ShipmentResponse{
		Success:        true,
		AWB:            r.Data.AWBNumber,
		CarrierOrderID: r.Data.ShipmentID.String(),
		LabelURL:       r.Data.LabelURL,
		TrackingURL:    "https://www.xpressbees.com/track?awb=" + r.Data.AWBNumber,
		Raw:            raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/api/shipments2/cancel", map[string]any{"awb": awb})
	if err != nil {
		slog.Error("xpressbees cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	if code/100 != 2 {
		return false, nil
	}
	var r struct {
		Status bool `json:"status"`
	}
	if json.Unmarshal(raw, &r) == nil {
		return r.Status, nil
	}
	return true, nil
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/api/shipments2/track/"+awb, nil)
	if err != nil {
		slog.Error("xpressbees track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb,
			Error: fmt.Sprintf("xpressbees http %d", code)}, nil
	}

	var r struct {
		Status bool `json:"status"`
		Data   struct {
			Status  string `json:"status"`
			History []struct {
				StatusCode string `json:"status_code"`
				Location   string `json:"location"`
				EventTime  string `json:"event_time"`
				Message    string `json:"message"`
			} `json:"history"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || !r.Status {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "xpressbees: malformed response"}, nil
	}

	mapped := statusmap.MapStatus(models.CarrierXpressbees, r.Data.Status)
	out := carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: r.Data.Status,
	}
	for _, h := range r.Data.History {
		ts, _ := carriers.ParseVendorTime(models.CarrierXpressbees, timeFormats, h.EventTime)
		st := statusmap.MapStatus(models.CarrierXpressbees, h.StatusCode)
		ev := carriers.TrackingEvent{
			Timestamp:   ts,
			StatusRaw:   h.StatusCode,
			Description: h.Message,
			Location:    h.Location,
			Remark:      h.Message,
			Status:      st,
			IsNDR:       statusmap.IsNDR(st),
		}
		if ev.IsNDR {
			ev.NDRReason = statusmap.MapNDRReason(models.CarrierXpressbees, h.Message)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	payload := map[string]any{
		"origin":       req.PickupPincode,
		"destination":  req.DropPincode,
		"weight":       req.WeightKg.Mul(decimal.NewFromInt(1000)).String(),
		"payment_type": "prepaid",
	}
	if req.PaymentMode == models.PaymentModeCOD {
		payload["payment_type"] = "cod"
		payload["order_amount"] = req.CODAmount.String()
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/api/courier/serviceability", payload)
	if err != nil {
		slog.Error("xpressbees rates", "error", err.Error())
		return carriers.RateResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.RateResponse{Success: false, Error: fmt.Sprintf("xpressbees http %d", code)}, nil
	}
	var r struct {
		Status bool `json:"status"`
		Data   []struct {
			Name         string      `json:"name"`
			ID           json.Number `json:"id"`
			TotalCharges json.Number `json:"total_charges"`
			CODCharges   json.Number `json:"cod_charges"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.RateResponse{Success: false, Error: "xpressbees: malformed response"}, nil
	}
	out := carriers.RateResponse{Success: true}
	for _, d := range r.Data {
		total, _ := decimal.NewFromString(d.TotalCharges.String())
		codCharge, _ := decimal.NewFromString(d.CODCharges.String())
		out.Rates = append(out.Rates, carriers.RateOption{
			CourierName: d.Name,
			CourierID:   d.ID.String(),
			Total:       total,
			CODCharge:   codCharge,
		})
	}
	return out, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	rates, err := a.GetRates(ctx, carriers.RateRequest{
		PickupPincode: req.PickupPincode,
		DropPincode:   req.DropPincode,
		PaymentMode:   req.PaymentMode,
	})
	if err != nil {
		return carriers.ServiceabilityResponse{Success: false, Error: err.Error()}, nil
	}
	if !rates.Success {
		return carriers.ServiceabilityResponse{Success: false, Error: rates.Error}, nil
	}
	return carriers.ServiceabilityResponse{
		Success:      true,
		Serviceable:  len(rates.Rates) > 0,
		CODAvailable: req.PaymentMode == models.PaymentModeCOD && len(rates.Rates) > 0,
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/api/shipments2/label/"+awb, nil)
	if err != nil || code/100 != 2 {
		return "", nil
	}
	var r struct {
		Data string `json:"data"`
	}
	if json.Unmarshal(raw, &r) == nil {
		return r.Data, nil
	}
	return "", nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	payload := map[string]any{"awb": awb, "action": strings.ToLower(req.Action)}
	if req.ScheduledDate != nil {
		payload["re_attempt_date"] = req.ScheduledDate.Format("2006-01-02")
	}
	if req.Address != nil {
		payload["address"] = req.Address.Line1
	}
	if req.Phone != "" {
		payload["phone"] = req.Phone
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/api/ndr", payload)
	if err != nil {
		slog.Error("xpressbees ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.NDRActionResponse{Success: false,
			Error: fmt.Sprintf("xpressbees http %d: %s", code, string(raw))}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}
