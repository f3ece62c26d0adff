package ekart

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
)

const defaultBaseURL = "https://api.ekartlogistics.com"

// Ekart: client_id/client_secret -> bearer (basic auth на token endpoint).
type Adapter struct {
	baseURL      string
	clientID     string
	clientSecret string

	httpc *vendorhttp.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var timeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func New(creds carriers.Credentials) (carriers.Adapter, error) {
	if err := creds.Require("client_id", "client_secret"); err != nil {
		return nil, err
	}
	base := creds["base_url"]
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		baseURL:      strings.TrimRight(base, "/"),
		clientID:     creds["client_id"],
		clientSecret: creds["client_secret"],
		httpc:        vendorhttp.New("ekart", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierEkart }

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	_, err := a.getToken(ctx)
	if err != nil {
		slog.Warn("ekart auth failed", "error", err.Error())
		return false, nil
	}
	return true, nil
}

func (a *Adapter) getToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Until(a.tokenExpiry) > 5*time.Minute {
		return a.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/auth/token", nil)
	if err != nil {
		return "", errors.Wrap(err, "new request")
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "ekart token")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("ekart token http %d", resp.StatusCode)
	}
	var r struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", errors.Wrap(err, "decode token")
	}
	if r.AccessToken == "" {
		return "", errors.New("ekart: empty token")
	}
	ttl := time.Hour
	if secs, err := r.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	a.token = r.AccessToken
	a.tokenExpiry = time.Now().Add(ttl)
	return a.token, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
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
	req.Header.Set("HTTP_X_MERCHANT_CODE", a.clientID)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	payload := map[string]any{
		"client_name": a.clientID,
		"services": []map[string]any{{
			"service_code": serviceCode(req.PaymentMode),
			"service_details": []map[string]any{{
				"tracking_id":       "",
				"reference_id":      req.OrderNo,
				"amount_to_collect": req.CODAmount.String(),
				"shipment_value":    req.DeclaredValue.String(),
				"shipment_weight":   req.WeightKg.String(),
				"source_address": map[string]any{
					"first_name":             req.Pickup.Name,
					"address_line1":          req.Pickup.Line1,
					"city":                   req.Pickup.City,
					"state":                  req.Pickup.State,
					"pincode":                req.Pickup.Pincode,
					"primary_contact_number": req.Pickup.Phone,
				},
				"destination_address": map[string]any{
					"first_name":             req.Drop.Name,
					"address_line1":          req.Drop.Line1,
					"city":                   req.Drop.City,
					"state":                  req.Drop.State,
					"pincode":                req.Drop.Pincode,
					"primary_contact_number": req.Drop.Phone,
				},
			}},
		}},
	}

	code, raw, err := a.do(ctx, http.MethodPost, "/v2/shipments/create", payload)
	if err != nil {
		slog.Error("ekart create shipment", "endpoint", "/v2/shipments/create", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ShipmentResponse{Success: false,
			Error: fmt.Sprintf("ekart http %d", code), Raw: raw}, nil
	}

	var r struct {
		Response []struct {
			Status     string `json:"status"`
			TrackingID string `json:"tracking_id"`
			Message    string `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "ekart: malformed response", Raw: raw}, nil
	}
	if len(r.Response) == 0 || !strings.EqualFold(r.Response[0].Status, "requested") || r.Response[0].TrackingID == "" {
		msg := "ekart rejected shipment"
		if len(r.Response) > 0 && r.Response[0].Message != "" {
			msg = r.Response[0].Message
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}
	awb := r.Response[0].TrackingID
	return carriers.ShipmentResponse{
		Success:     true,
		AWB:         awb,
		TrackingURL: "https://ekartlogistics.com/shipmenttrack/" + awb,
		Raw:         raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	code, _, err := a.do(ctx, http.MethodPost, "/v2/shipments/cancel", map[string]any{
		"tracking_ids": []string{awb},
	})
	if err != nil {
		slog.Error("ekart cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	return code/100 == 2, nil
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	code, raw, err := a.do(ctx, http.MethodGet, "/v2/shipments/track/"+awb, nil)
	if err != nil {
		slog.Error("ekart track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb,
			Error: fmt.Sprintf("ekart http %d", code)}, nil
	}

	var r struct {
		Status  string `json:"status"`
		History []struct {
			Status    string `json:"status"`
			EventDate string `json:"event_date"`
			City      string `json:"city"`
			Remarks   string `json:"remarks"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "ekart: malformed response"}, nil
	}

	mapped := statusmap.MapStatus(models.CarrierEkart, r.Status)
	out := carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: r.Status,
	}
	for _, h := range r.History {
		ts, _ := carriers.ParseVendorTime(models.CarrierEkart, timeFormats, h.EventDate)
		st := statusmap.MapStatus(models.CarrierEkart, h.Status)
		ev := carriers.TrackingEvent{
			Timestamp: ts,
			StatusRaw: h.Status,
			Location:  h.City,
			Remark:    h.Remarks,
			Status:    st,
			IsNDR:     statusmap.IsNDR(st),
		}
		if ev.IsNDR {
			ev.NDRReason = statusmap.MapNDRReason(models.CarrierEkart, h.Remarks)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	return carriers.RateResponse{
		Success: false,
		Error:   "ekart rates are contract-based, no public rate API",
	}, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	code, raw, err := a.do(ctx, http.MethodGet, "/v2/serviceability/"+req.DropPincode, nil)
	if err != nil {
		slog.Error("ekart serviceability", "error", err.Error())
		return carriers.ServiceabilityResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ServiceabilityResponse{Success: false,
			Error: fmt.Sprintf("ekart http %d", code)}, nil
	}
	var r struct {
		Serviceable bool `json:"serviceable"`
		COD         bool `json:"cod"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ServiceabilityResponse{Success: false, Error: "ekart: malformed response"}, nil
	}
	return carriers.ServiceabilityResponse{
		Success:      true,
		Serviceable:  r.Serviceable,
		CODAvailable: r.COD,
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	return a.baseURL + "/v2/shipments/label/" + awb, nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	payload := map[string]any{"tracking_id": awb, "action": strings.ToUpper(req.Action)}
	if req.ScheduledDate != nil {
		payload["reattempt_date"] = req.ScheduledDate.Format("2006-01-02")
	}
	code, raw, err := a.do(ctx, http.MethodPost, "/v2/shipments/ndr", payload)
	if err != nil {
		slog.Error("ekart ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.NDRActionResponse{Success: false,
			Error: fmt.Sprintf("ekart http %d: %s", code, string(raw))}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}

func serviceCode(mode string) string {
	if mode == models.PaymentModeCOD {
		return "ECONOMY_COD"
	}
	return "ECONOMY"
}
