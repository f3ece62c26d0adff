package shiprocket

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

const defaultBaseURL = "https://apiv2.shiprocket.in/v1/external"

// Shiprocket: REST/JSON, аутентификация email+password -> bearer token
// (живёт ~10 дней, держим с запасом сутки).
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
	"02-01-2006 15:04:05",
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
		httpc:    vendorhttp.New("shiprocket", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierShiprocket }

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	_, err := a.getToken(ctx)
	if err != nil {
		slog.Warn("shiprocket auth failed", "error", err.Error())
		return false, nil
	}
	return true, nil
}

func (a *Adapter) getToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Until(a.tokenExpiry) > time.Hour {
		return a.token, nil
	}

	body, _ := json.Marshal(map[string]string{"email": a.email, "password": a.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "shiprocket login")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("shiprocket login http %d", resp.StatusCode)
	}

	var r struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", errors.Wrap(err, "decode login")
	}
	if r.Token == "" {
		return "", errors.New("shiprocket login: empty token")
	}
	a.token = r.Token
	a.tokenExpiry = time.Now().Add(9 * 24 * time.Hour)
	return a.token, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, payload any, out any) (int, []byte, error) {
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

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "read body")
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, errors.Wrap(err, "decode body")
		}
	}
	return resp.StatusCode, raw, nil
}

type createResp struct {
	OrderID     json.Number `json:"order_id"`
	ShipmentID  json.Number `json:"shipment_id"`
	AWBCode     string      `json:"awb_code"`
	CourierName string      `json:"courier_name"`
	Status      string      `json:"status"`
	Message     string      `json:"message"`
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	items := make([]map[string]any, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, map[string]any{
			"name":          it.Name,
			"sku":           it.SkuCode,
			"units":         it.Quantity,
			"selling_price": it.UnitPrice.String(),
		})
	}

	payload := map[string]any{
		"order_id":              req.OrderNo,
		"order_date":            time.Now().UTC().Format("2006-01-02 15:04"),
		"billing_customer_name": req.Drop.Name,
		"billing_phone":         req.Drop.Phone,
		"billing_email":         req.Drop.Email,
		"billing_address":       req.Drop.Line1,
		"billing_city":          req.Drop.City,
		"billing_state":         req.Drop.State,
		"billing_pincode":       req.Drop.Pincode,
		"billing_country":       orIndia(req.Drop.Country),
		"shipping_is_billing":   true,
		"pickup_location":       req.Pickup.Name,
		"payment_method":        paymentMethod(req.PaymentMode),
		"sub_total":             req.DeclaredValue.String(),
		"weight":                req.WeightKg.String(),
		"length":                req.LengthCm,
		"breadth":               req.WidthCm,
		"height":                req.HeightCm,
		"order_items":           items,
	}
	if req.PaymentMode == models.PaymentModeCOD {
		payload["cod_amount"] = req.CODAmount.String()
	}

	var r createResp
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/orders/create/adhoc", payload, &r)
	if err != nil {
		slog.Error("shiprocket create shipment", "endpoint", "/orders/create/adhoc", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error(), Raw: raw}, nil
	}
	if code/100 != 2 {
		return carriers.ShipmentResponse{
			Success: false,
			Error:   fmt.Sprintf("shiprocket http %d: %s", code, r.Message),
			Raw:     raw,
		}, nil
	}

	out := carriers.ShipmentResponse{
		Success:        true,
		AWB:            r.AWBCode,
		CarrierOrderID: r.OrderID.String(),
		Raw:            raw,
	}
	if r.AWBCode != "" {
		out.TrackingURL = "https://shiprocket.co/tracking/" + r.AWBCode
	}
	return out, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	payload := map[string]any{"awbs": []string{awb}}
	code, _, err := a.doJSON(ctx, http.MethodPost, "/orders/cancel/shipment/awbs", payload, nil)
	if err != nil {
		slog.Error("shiprocket cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	return code/100 == 2, nil
}

type trackResp struct {
	TrackingData struct {
		TrackStatus   json.Number `json:"track_status"`
		ShipmentTrack []struct {
			CurrentStatus string `json:"current_status"`
			EDD           string `json:"edd"`
		} `json:"shipment_track"`
		ShipmentTrackActivities []struct {
			Date     string `json:"date"`
			Status   string `json:"status"`
			Activity string `json:"activity"`
			Location string `json:"location"`
		} `json:"shipment_track_activities"`
	} `json:"tracking_data"`
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	var r trackResp
	code, _, err := a.doJSON(ctx, http.MethodGet, "/courier/track/awb/"+awb, nil, &r)
	if err != nil {
		slog.Error("shiprocket track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: fmt.Sprintf("shiprocket http %d", code)}, nil
	}

	out := carriers.TrackingResponse{Success: true, AWB: awb}
	if len(r.TrackingData.ShipmentTrack) > 0 {
		st := r.TrackingData.ShipmentTrack[0]
		out.CurrentStatusRaw = st.CurrentStatus
		out.CurrentStatus = statusmap.MapStatus(models.CarrierShiprocket, st.CurrentStatus)
		if st.EDD != "" {
			if t, ok := carriers.ParseVendorTime(models.CarrierShiprocket, timeFormats, st.EDD); ok {
				out.EDD = &t
			}
		}
	}
	for _, act := range r.TrackingData.ShipmentTrackActivities {
		ts, _ := carriers.ParseVendorTime(models.CarrierShiprocket, timeFormats, act.Date)
		mapped := statusmap.MapStatus(models.CarrierShiprocket, act.Status)
		ev := carriers.TrackingEvent{
			Timestamp:   ts,
			StatusRaw:   act.Status,
			Description: act.Activity,
			Location:    act.Location,
			Remark:      act.Activity,
			Status:      mapped,
			IsNDR:       statusmap.IsNDR(mapped),
		}
		if ev.IsNDR {
			ev.NDRReason = statusmap.MapNDRReason(models.CarrierShiprocket, act.Activity)
		}
		out.Events = append(out.Events, ev)
	}
	if out.CurrentStatus == "" {
		out.CurrentStatus = models.DeliveryStatusInTransit
	}
	return out, nil
}

type ratesResp struct {
	Data struct {
		AvailableCourierCompanies []struct {
			CourierCompanyID json.Number `json:"courier_company_id"`
			CourierName      string      `json:"courier_name"`
			Rate             json.Number `json:"rate"`
			CODCharges       json.Number `json:"cod_charges"`
			EstimatedDays    json.Number `json:"estimated_delivery_days"`
		} `json:"available_courier_companies"`
	} `json:"data"`
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	cod := "0"
	if req.PaymentMode == models.PaymentModeCOD {
		cod = "1"
	}
	path := fmt.Sprintf("/courier/serviceability/?pickup_postcode=%s&delivery_postcode=%s&weight=%s&cod=%s",
		req.PickupPincode, req.DropPincode, req.WeightKg.String(), cod)

	var r ratesResp
	code, _, err := a.doJSON(ctx, http.MethodGet, path, nil, &r)
	if err != nil {
		slog.Error("shiprocket rates", "error", err.Error())
		return carriers.RateResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.RateResponse{Success: false, Error: fmt.Sprintf("shiprocket http %d", code)}, nil
	}

	out := carriers.RateResponse{Success: true}
	for _, c := range r.Data.AvailableCourierCompanies {
		rate, _ := decimal.NewFromString(c.Rate.String())
		codCharge, _ := decimal.NewFromString(c.CODCharges.String())
		days, _ := c.EstimatedDays.Int64()
		out.Rates = append(out.Rates, carriers.RateOption{
			CourierName:   c.CourierName,
			CourierID:     c.CourierCompanyID.String(),
			Total:         rate,
			CODCharge:     codCharge,
			EstimatedDays: int32(days),
		})
	}
	return out, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	rates, err := a.GetRates(ctx, carriers.RateRequest{
		PickupPincode: req.PickupPincode,
		DropPincode:   req.DropPincode,
		WeightKg:      decimal.NewFromFloat(0.5),
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
	var r struct {
		LabelURL string `json:"label_url"`
	}
	payload := map[string]any{"shipment_id": []string{awb}}
	code, _, err := a.doJSON(ctx, http.MethodPost, "/courier/generate/label", payload, &r)
	if err != nil || code/100 != 2 {
		return "", nil
	}
	return r.LabelURL, nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	action := "re-attempt"
	if req.Action == carriers.NDRActionRTO {
		action = "return"
	}
	payload := map[string]any{"action": action, "comments": req.Remark}
	if req.ScheduledDate != nil {
		payload["deferred_date"] = req.ScheduledDate.Format("2006-01-02")
	}

	var r struct {
		Message string `json:"message"`
	}
	code, _, err := a.doJSON(ctx, http.MethodPost, "/ndr/"+awb+"/action", payload, &r)
	if err != nil {
		slog.Error("shiprocket ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.NDRActionResponse{Success: false, Error: fmt.Sprintf("shiprocket http %d: %s", code, r.Message)}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: r.Message}, nil
}

func paymentMethod(mode string) string {
	if mode == models.PaymentModeCOD {
		return "COD"
	}
	return "Prepaid"
}

func orIndia(country string) string {
	if country == "" {
		return "India"
	}
	return country
}
