package ecomexpress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/integrations/vendorhttp"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/statusmap"
	"github.com/pkg/errors"
)

const defaultBaseURL = "https://api.ecomexpress.in"

// Ecom Express: form-encoded запросы, username/password в каждом вызове.
type Adapter struct {
	baseURL  string
	username string
	password string

	httpc *vendorhttp.Client
}

var timeFormats = []string{
	"02 Jan, 2006, 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func New(creds carriers.Credentials) (carriers.Adapter, error) {
	if err := creds.Require("username", "password"); err != nil {
		return nil, err
	}
	base := creds["base_url"]
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		baseURL:  strings.TrimRight(base, "/"),
		username: creds["username"],
		password: creds["password"],
		httpc:    vendorhttp.New("ecomexpress", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierEcomExpress }

func (a *Adapter) postForm(ctx context.Context, path string, form url.Values) (int, []byte, error) {
	form.Set("username", a.username)
	form.Set("password", a.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

// Authenticate — запрос одного AWB из предвыделенного пула; валидные
// креды отвечают 2xx.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	form := url.Values{}
	form.Set("count", "1")
	form.Set("type", "PPD")
	code, _, err := a.postForm(ctx, "/apiv2/fetch_awb/", form)
	if err != nil {
		slog.Warn("ecomexpress auth probe failed", "error", err.Error())
		return false, nil
	}
	return code/100 == 2, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	item := map[string]any{
		"AWB_NUMBER":           "",
		"ORDER_NUMBER":         req.OrderNo,
		"PRODUCT":              productCode(req.PaymentMode),
		"CONSIGNEE":            req.Drop.Name,
		"CONSIGNEE_ADDRESS1":   req.Drop.Line1,
		"CONSIGNEE_ADDRESS2":   req.Drop.Line2,
		"DESTINATION_CITY":     req.Drop.City,
		"STATE":                req.Drop.State,
		"PINCODE":              req.Drop.Pincode,
		"MOBILE":               req.Drop.Phone,
		"ITEM_DESCRIPTION":     itemSummary(req.Items),
		"PIECES":               len(req.Items),
		"COLLECTABLE_VALUE":    req.CODAmount.String(),
		"DECLARED_VALUE":       req.DeclaredValue.String(),
		"ACTUAL_WEIGHT":        req.WeightKg.String(),
		"LENGTH":               req.LengthCm,
		"BREADTH":              req.WidthCm,
		"HEIGHT":               req.HeightCm,
		"PICKUP_NAME":          req.Pickup.Name,
		"PICKUP_ADDRESS_LINE1": req.Pickup.Line1,
		"PICKUP_PINCODE":       req.Pickup.Pincode,
		"PICKUP_PHONE":         req.Pickup.Phone,
	}
	jsonInput, _ := json.Marshal([]map[string]any{item})

	form := url.Values{}
	form.Set("json_input", string(jsonInput))

	code, raw, err := a.postForm(ctx, "/apiv2/manifest_awb/", form)
	if err != nil {
		slog.Error("ecomexpress create shipment", "endpoint", "manifest_awb", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ShipmentResponse{Success: false,
			Error: fmt.Sprintf("ecomexpress http %d", code), Raw: raw}, nil
	}

	var r struct {
		Shipments []struct {
			Success bool        `json:"success"`
			AWB     json.Number `json:"awb"`
			Reason  string      `json:"reason"`
		} `json:"shipments"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "ecomexpress: malformed response", Raw: raw}, nil
	}
	if len(r.Shipments) == 0 || !r.Shipments[0].Success {
		msg := "ecomexpress rejected shipment"
		if len(r.Shipments) > 0 && r.Shipments[0].Reason != "" {
			msg = r.Shipments[0].Reason
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}
	awb := r.Shipments[0].AWB.String()
	return carriers.ShipmentResponse{
		Success:     true,
		AWB:         awb,
		TrackingURL: "https://www.ecomexpress.in/tracking/?awb_field=" + awb,
		Raw:         raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	form := url.Values{}
	form.Set("awbs", awb)
	code, raw, err := a.postForm(ctx, "/apiv2/cancel_awb/", form)
	if err != nil {
		slog.Error("ecomexpress cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	if code/100 != 2 {
		return false, nil
	}
	var r []struct {
		Success bool `json:"success"`
	}
	if json.Unmarshal(raw, &r) == nil && len(r) > 0 {
		return r[0].Success, nil
	}
	return true, nil
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	form := url.Values{}
	form.Set("awb", awb)
	code, raw, err := a.postForm(ctx, "/track_me/api/mawbd/", form)
	if err != nil {
		slog.Error("ecomexpress track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb,
			Error: fmt.Sprintf("ecomexpress http %d", code)}, nil
	}

	var r struct {
		Shipments []struct {
			CurrentStatus string `json:"current_status"`
			ExpectedDate  string `json:"expected_delivery_date"`
			Scans         []struct {
				Status     string `json:"status"`
				StatusCode string `json:"reason_code"`
				UpdatedOn  string `json:"updated_on"`
				Location   string `json:"city"`
				Comment    string `json:"comment"`
			} `json:"scans"`
		} `json:"shipments"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || len(r.Shipments) == 0 {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "ecomexpress: malformed response"}, nil
	}

	sh := r.Shipments[0]
	mapped := statusmap.MapStatus(models.CarrierEcomExpress, sh.CurrentStatus)
	out := carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: sh.CurrentStatus,
	}
	if sh.ExpectedDate != "" {
		if t, ok := carriers.ParseVendorTime(models.CarrierEcomExpress, timeFormats, sh.ExpectedDate); ok {
			out.EDD = &t
		}
	}
	for _, sc := range sh.Scans {
		ts, _ := carriers.ParseVendorTime(models.CarrierEcomExpress, timeFormats, sc.UpdatedOn)
		st := statusmap.MapStatus(models.CarrierEcomExpress, sc.Status)
		ev := carriers.TrackingEvent{
			Timestamp:   ts,
			StatusRaw:   sc.Status,
			Description: sc.Comment,
			Location:    sc.Location,
			Remark:      sc.Comment,
			Status:      st,
			IsNDR:       statusmap.IsNDR(st),
		}
		if ev.IsNDR {
			// Сначала пробуем код причины вендора, затем текст.
			reason := statusmap.MapNDRReason(models.CarrierEcomExpress, sc.StatusCode)
			if reason == models.NDRReasonOther {
				reason = statusmap.MapNDRReason(models.CarrierEcomExpress, sc.Comment)
			}
			ev.NDRReason = reason
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	return carriers.RateResponse{
		Success: false,
		Error:   "ecomexpress rates are contract-based, no public rate API",
	}, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	form := url.Values{}
	form.Set("pincode", req.DropPincode)
	code, raw, err := a.postForm(ctx, "/apiv2/pincodes/", form)
	if err != nil {
		slog.Error("ecomexpress serviceability", "error", err.Error())
		return carriers.ServiceabilityResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.ServiceabilityResponse{Success: false,
			Error: fmt.Sprintf("ecomexpress http %d", code)}, nil
	}
	var r []struct {
		Pincode    json.Number `json:"pincode"`
		CODService string      `json:"cod_service"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ServiceabilityResponse{Success: false, Error: "ecomexpress: malformed response"}, nil
	}
	if len(r) == 0 {
		return carriers.ServiceabilityResponse{Success: true, Serviceable: false}, nil
	}
	return carriers.ServiceabilityResponse{
		Success:      true,
		Serviceable:  true,
		CODAvailable: strings.EqualFold(r[0].CODService, "Y"),
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	return a.baseURL + "/services/expp/shipping_label/?awb=" + url.QueryEscape(awb), nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	form := url.Values{}
	form.Set("awb", awb)
	form.Set("instruction", ndrInstruction(req.Action))
	if req.Remark != "" {
		form.Set("comments", req.Remark)
	}
	if req.ScheduledDate != nil {
		form.Set("scheduled_delivery_date", req.ScheduledDate.Format("2006-01-02"))
	}
	code, raw, err := a.postForm(ctx, "/apiv2/ndr_resolutions/", form)
	if err != nil {
		slog.Error("ecomexpress ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	if code/100 != 2 {
		return carriers.NDRActionResponse{Success: false,
			Error: fmt.Sprintf("ecomexpress http %d: %s", code, string(raw))}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}

func productCode(mode string) string {
	if mode == models.PaymentModeCOD {
		return "COD"
	}
	return "PPD"
}

func ndrInstruction(action string) string {
	switch action {
	case carriers.NDRActionRTO:
		return "RTO"
	case carriers.NDRActionReattempt:
		return "RAD" // re-attempt delivery
	default:
		return "RAD"
	}
}

func itemSummary(items []carriers.ShipmentItem) string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	s := strings.Join(names, ", ")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
