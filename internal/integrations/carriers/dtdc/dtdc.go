package dtdc

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

const defaultBaseURL = "https://dtdcapi.shipsy.io"

// DTDC: REST/JSON с постоянным api-key в заголовке.
type Adapter struct {
	baseURL    string
	apiKey     string
	customerID string

	httpc *vendorhttp.Client
}

var timeFormats = []string{
	"02-01-2006 15:04",
	"02-01-2006 15:04:05",
	time.RFC3339,
}

func New(creds carriers.Credentials) (carriers.Adapter, error) {
	if err := creds.Require("api_key", "customer_id"); err != nil {
		return nil, err
	}
	base := creds["base_url"]
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     creds["api_key"],
		customerID: creds["customer_id"],
		httpc:      vendorhttp.New("dtdc", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierDTDC }

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
	req.Header.Set("api-key", a.apiKey)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

// Authenticate — read-only probe на трекинг заведомо чужого номера:
// валидный ключ отвечает 2xx/4xx-бизнес, невалидный — 401.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	code, _, err := a.do(ctx, http.MethodPost, "/api/customer/integration/consignment/track", map[string]any{
		"trkType": "cnno", "strcnno": "PROBE000000", "addtnlDtl": "N",
	})
	if err != nil {
		slog.Warn("dtdc auth probe failed", "error", err.Error())
		return false, nil
	}
	return code != http.StatusUnauthorized && code != http.StatusForbidden, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	serviceType := "B2C PRIORITY"
	loadType := "NON-DOCUMENT"
	pieces := make([]map[string]any, 0, len(req.Items))
	for _, it := range req.Items {
		pieces = append(pieces, map[string]any{
			"description":    it.Name,
			"declared_value": it.UnitPrice.String(),
			"weight":         req.WeightKg.String(),
			"height":         req.HeightCm,
			"length":         req.LengthCm,
			"width":          req.WidthCm,
		})
	}

	payload := map[string]any{
		"consignments": []map[string]any{{
			"customer_code":             a.customerID,
			"service_type_id":           serviceType,
			"load_type":                 loadType,
			"commodity_id":              "Others",
			"customer_reference_number": req.OrderNo,
			"cod_collection_mode":       codMode(req.PaymentMode),
			"cod_amount":                req.CODAmount.String(),
			"declared_value":            req.DeclaredValue.String(),
			"origin_details": map[string]any{
				"name":           req.Pickup.Name,
				"phone":          req.Pickup.Phone,
				"address_line_1": req.Pickup.Line1,
				"pincode":        req.Pickup.Pincode,
				"city":           req.Pickup.City,
				"state":          req.Pickup.State,
			},
			"destination_details": map[string]any{
				"name":           req.Drop.Name,
				"phone":          req.Drop.Phone,
				"address_line_1": req.Drop.Line1,
				"pincode":        req.Drop.Pincode,
				"city":           req.Drop.City,
				"state":          req.Drop.State,
			},
			"pieces_detail": pieces,
		}},
	}

	code, raw, err := a.do(ctx, http.MethodPost, "/api/customer/integration/consignment/softdata", payload)
	if err != nil {
		slog.Error("dtdc create shipment", "endpoint", "softdata", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ShipmentResponse{Success: false,
			Error: fmt.Sprintf("dtdc http %d", code), Raw: raw}, nil
	}

	var r struct {
		Status string `json:"status"`
		Data   []struct {
			Success         bool   `json:"success"`
			ReferenceNumber string `json:"reference_number"`
			Message         string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "dtdc: malformed response", Raw: raw}, nil
	}
	if len(r.Data) == 0 || !r.Data[0].Success || r.Data[0].ReferenceNumber == "" {
		msg := "dtdc rejected shipment"
		if len(r.Data) > 0 && r.Data[0].Message != "" {
			msg = r.Data[0].Message
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}
	awb := r.Data[0].ReferenceNumber
	return carriers.ShipmentResponse{
		Success:     true,
		AWB:         awb,
		TrackingURL: "https://www.dtdc.in/trace.asp?awb=" + awb,
		Raw:         raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	code, raw, err := a.do(ctx, http.MethodPost, "/api/customer/integration/consignment/cancel", map[string]any{
		"AWBNo": []string{awb}, "customerCode": a.customerID,
	})
	if err != nil {
		slog.Error("dtdc cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	if code/100 != 2 {
		return false, nil
	}
	var r struct {
		Success bool `json:"success"`
	}
	if json.Unmarshal(raw, &r) == nil {
		return r.Success, nil
	}
	return true, nil
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	code, raw, err := a.do(ctx, http.MethodPost, "/api/customer/integration/consignment/track", map[string]any{
		"trkType": "cnno", "strcnno": awb, "addtnlDtl": "Y",
	})
	if err != nil {
		slog.Error("dtdc track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb,
			Error: fmt.Sprintf("dtdc http %d", code)}, nil
	}

	var r struct {
		StatusCode  json.Number `json:"statusCode"`
		TrackHeader struct {
			StrStatus string `json:"strStatus"`
		} `json:"trackHeader"`
		TrackDetails []struct {
			StrAction     string `json:"strAction"`
			StrActionDate string `json:"strActionDate"`
			StrActionTime string `json:"strActionTime"`
			StrOrigin     string `json:"strOrigin"`
			StrRemarks    string `json:"strRemarks"`
		} `json:"trackDetails"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "dtdc: malformed response"}, nil
	}

	mapped := statusmap.MapStatus(models.CarrierDTDC, r.TrackHeader.StrStatus)
	out := carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: r.TrackHeader.StrStatus,
	}
	for _, d := range r.TrackDetails {
		ts, _ := carriers.ParseVendorTime(models.CarrierDTDC, timeFormats,
			strings.TrimSpace(d.StrActionDate+" "+d.StrActionTime))
		st := statusmap.MapStatus(models.CarrierDTDC, d.StrAction)
		ev := carriers.TrackingEvent{
			Timestamp:   ts,
			StatusRaw:   d.StrAction,
			Description: d.StrRemarks,
			Location:    d.StrOrigin,
			Remark:      d.StrRemarks,
			Status:      st,
			IsNDR:       statusmap.IsNDR(st),
		}
		if ev.IsNDR {
			ev.NDRReason = statusmap.MapNDRReason(models.CarrierDTDC, d.StrRemarks)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	return carriers.RateResponse{
		Success: false,
		Error:   "dtdc rate API is not exposed on the integration plan, rates are contract-based",
	}, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	code, raw, err := a.do(ctx, http.MethodPost, "/api/customer/integration/serviceability", map[string]any{
		"orgPincode": req.PickupPincode, "desPincode": req.DropPincode,
	})
	if err != nil {
		slog.Error("dtdc serviceability", "error", err.Error())
		return carriers.ServiceabilityResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ServiceabilityResponse{Success: false,
			Error: fmt.Sprintf("dtdc http %d", code)}, nil
	}
	var r struct {
		Serviceable bool `json:"serviceable"`
		CODAllowed  bool `json:"codAllowed"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ServiceabilityResponse{Success: false, Error: "dtdc: malformed response"}, nil
	}
	return carriers.ServiceabilityResponse{
		Success:      true,
		Serviceable:  r.Serviceable,
		CODAvailable: r.CODAllowed,
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	code, raw, err := a.do(ctx, http.MethodGet,
		"/api/customer/integration/consignment/label?reference_number="+awb, nil)
	if err != nil || code/100 != 2 {
		return "", nil
	}
	var r struct {
		LabelURL string `json:"label_url"`
	}
	if json.Unmarshal(raw, &r) == nil {
		return r.LabelURL, nil
	}
	return "", nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	payload := map[string]any{
		"cnno":    awb,
		"action":  string(req.Action),
		"remarks": req.Remark,
	}
	if req.ScheduledDate != nil {
		payload["reattemptDate"] = req.ScheduledDate.Format("02-01-2006")
	}
	code, raw, err := a.do(ctx, http.MethodPost, "/api/customer/integration/consignment/ndr/action", payload)
	if err != nil {
		slog.Error("dtdc ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.NDRActionResponse{Success: false,
			Error: fmt.Sprintf("dtdc http %d: %s", code, string(raw))}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}

func codMode(mode string) string {
	if mode == models.PaymentModeCOD {
		return "cash"
	}
	return ""
}
