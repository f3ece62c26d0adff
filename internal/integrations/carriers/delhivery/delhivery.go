package delhivery

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
	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://track.delhivery.com"

// Delhivery: статичный api token; создание отгрузки — form-encoded
// с полем data=<json> (так устроен их CMU endpoint).
type Adapter struct {
	baseURL string
	token   string
	// Client warehouse name, регистрируется на стороне Delhivery.
	pickupLocation string

	httpc *vendorhttp.Client
}

var timeFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02",
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
		baseURL:        strings.TrimRight(base, "/"),
		token:          creds["api_token"],
		pickupLocation: creds["pickup_location"],
		httpc:          vendorhttp.New("delhivery", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierDelhivery }

// Authenticate — дешёвый read-only probe: пинкод-запрос с валидным токеном
// отвечает 2xx.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/c/api/pin-codes/json/?filter_codes=110001", nil)
	if err != nil {
		return false, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		slog.Warn("delhivery auth probe failed", "error", err.Error())
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	shipment := map[string]any{
		"name":            req.Drop.Name,
		"add":             strings.TrimSpace(req.Drop.Line1 + " " + req.Drop.Line2),
		"pin":             req.Drop.Pincode,
		"city":            req.Drop.City,
		"state":           req.Drop.State,
		"country":         "India",
		"phone":           req.Drop.Phone,
		"order":           req.OrderNo,
		"payment_mode":    paymentMode(req.PaymentMode),
		"total_amount":    req.DeclaredValue.String(),
		"weight":          req.WeightKg.Mul(decimal.NewFromInt(1000)).String(), // граммы
		"shipment_length": req.LengthCm,
		"shipment_width":  req.WidthCm,
		"shipment_height": req.HeightCm,
	}
	if req.PaymentMode == models.PaymentModeCOD {
		shipment["cod_amount"] = req.CODAmount.String()
	}

	data, err := json.Marshal(map[string]any{
		"shipments":       []map[string]any{shipment},
		"pickup_location": map[string]any{"name": a.pickupLocation},
	})
	if err != nil {
		return carriers.ShipmentResponse{}, errors.Wrap(err, "marshal cmu data")
	}

	form := url.Values{}
	form.Set("format", "json")
	form.Set("data", string(data))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/cmu/create.json", strings.NewReader(form.Encode()))
	if err != nil {
		return carriers.ShipmentResponse{}, errors.Wrap(err, "new request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		slog.Error("delhivery create shipment", "endpoint", "/api/cmu/create.json", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return carriers.ShipmentResponse{
			Success: false,
			Error:   fmt.Sprintf("delhivery http %d", resp.StatusCode),
			Raw:     raw,
		}, nil
	}

	var r struct {
		Success  bool `json:"success"`
		Packages []struct {
			Waybill string   `json:"waybill"`
			Status  string   `json:"status"`
			Remarks []string `json:"remarks"`
		} `json:"packages"`
		Rmk string `json:"rmk"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "delhivery: malformed response", Raw: raw}, nil
	}

	if !r.Success || len(r.Packages) == 0 || r.Packages[0].Waybill == "" {
		msg := r.Rmk
		if len(r.Packages) > 0 && len(r.Packages[0].Remarks) > 0 {
			msg = strings.Join(r.Packages[0].Remarks, "; ")
		}
		if msg == "" {
			msg = "delhivery rejected shipment"
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}

	awb := r.Packages[0].Waybill
	return carriers.ShipmentResponse{
		Success:     true,
		AWB:         awb,
		TrackingURL: "https://www.delhivery.com/track/package/" + awb,
		Raw:         raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	body, _ := json.Marshal(map[string]any{"waybill": awb, "cancellation": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/p/edit", strings.NewReader(string(body)))
	if err != nil {
		return false, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		slog.Error("delhivery cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2, nil
}

type trackResp struct {
	ShipmentData []struct {
		Shipment struct {
			AWB    string `json:"AWB"`
			Status struct {
				Status         string `json:"Status"`
				StatusDateTime string `json:"StatusDateTime"`
				Instructions   string `json:"Instructions"`
				StatusLocation string `json:"StatusLocation"`
			} `json:"Status"`
			ExpectedDeliveryDate string `json:"ExpectedDeliveryDate"`
			Scans                []struct {
				ScanDetail struct {
					Scan            string `json:"Scan"`
					ScanDateTime    string `json:"ScanDateTime"`
					ScannedLocation string `json:"ScannedLocation"`
					Instructions    string `json:"Instructions"`
				} `json:"ScanDetail"`
			} `json:"Scans"`
		} `json:"Shipment"`
	} `json:"ShipmentData"`
}

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/api/v1/packages/json/?waybill="+url.QueryEscape(awb), nil)
	if err != nil {
		return carriers.TrackingResponse{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		slog.Error("delhivery track", "awb", awb, "error", err.Error())
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carriers.TrackingResponse{Success: false, AWB: awb,
			Error: fmt.Sprintf("delhivery http %d", resp.StatusCode)}, nil
	}

	var r trackResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "delhivery: malformed response"}, nil
	}
	if len(r.ShipmentData) == 0 {
		return carriers.TrackingResponse{Success: false, AWB: awb, Error: "delhivery: shipment not found"}, nil
	}

	sh := r.ShipmentData[0].Shipment
	mapped := statusmap.MapStatus(models.CarrierDelhivery, sh.Status.Status)
	out := carriers.TrackingResponse{
		Success:          true,
		AWB:              awb,
		CurrentStatus:    mapped,
		CurrentStatusRaw: sh.Status.Status,
	}
	if sh.ExpectedDeliveryDate != "" {
		if t, ok := carriers.ParseVendorTime(models.CarrierDelhivery, timeFormats, sh.ExpectedDeliveryDate); ok {
			out.EDD = &t
		}
	}
	for _, sc := range sh.Scans {
		d := sc.ScanDetail
		ts, _ := carriers.ParseVendorTime(models.CarrierDelhivery, timeFormats, d.ScanDateTime)
		st := statusmap.MapStatus(models.CarrierDelhivery, d.Scan)
		ev := carriers.TrackingEvent{
			Timestamp:   ts,
			StatusRaw:   d.Scan,
			Description: d.Instructions,
			Location:    d.ScannedLocation,
			Remark:      d.Instructions,
			Status:      st,
			IsNDR:       statusmap.IsNDR(st),
		}
		if ev.IsNDR {
			ev.NDRReason = statusmap.MapNDRReason(models.CarrierDelhivery, d.Instructions)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	q := url.Values{}
	q.Set("md", "S")
	q.Set("ss", "Delivered")
	q.Set("o_pin", req.PickupPincode)
	q.Set("d_pin", req.DropPincode)
	q.Set("cgm", req.WeightKg.Mul(decimal.NewFromInt(1000)).String())
	if req.PaymentMode == models.PaymentModeCOD {
		q.Set("pt", "COD")
		q.Set("cod", req.CODAmount.String())
	} else {
		q.Set("pt", "Pre-paid")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/api/kinko/v1/invoice/charges/.json?"+q.Encode(), nil)
	if err != nil {
		return carriers.RateResponse{}, errors.Wrap(err, "new request")
	}
	httpReq.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		slog.Error("delhivery rates", "error", err.Error())
		return carriers.RateResponse{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carriers.RateResponse{Success: false, Error: fmt.Sprintf("delhivery http %d", resp.StatusCode)}, nil
	}

	var charges []struct {
		TotalAmount json.Number `json:"total_amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&charges); err != nil {
		return carriers.RateResponse{Success: false, Error: "delhivery: malformed response"}, nil
	}

	out := carriers.RateResponse{Success: true}
	for _, c := range charges {
		total, _ := decimal.NewFromString(c.TotalAmount.String())
		out.Rates = append(out.Rates, carriers.RateOption{
			CourierName: "Delhivery Surface",
			Total:       total,
		})
	}
	return out, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/c/api/pin-codes/json/?filter_codes="+url.QueryEscape(req.DropPincode), nil)
	if err != nil {
		return carriers.ServiceabilityResponse{}, errors.Wrap(err, "new request")
	}
	httpReq.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		slog.Error("delhivery serviceability", "error", err.Error())
		return carriers.ServiceabilityResponse{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carriers.ServiceabilityResponse{Success: false,
			Error: fmt.Sprintf("delhivery http %d", resp.StatusCode)}, nil
	}

	var r struct {
		DeliveryCodes []struct {
			PostalCode struct {
				COD     string `json:"cod"`
				Prepaid string `json:"pre_paid"`
			} `json:"postal_code"`
		} `json:"delivery_codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carriers.ServiceabilityResponse{Success: false, Error: "delhivery: malformed response"}, nil
	}
	if len(r.DeliveryCodes) == 0 {
		return carriers.ServiceabilityResponse{Success: true, Serviceable: false}, nil
	}
	pc := r.DeliveryCodes[0].PostalCode
	return carriers.ServiceabilityResponse{
		Success:      true,
		Serviceable:  true,
		CODAvailable: pc.COD == "Y",
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	// Delhivery отдаёт packing slip по запросу; возвращаем прямую ссылку.
	return a.baseURL + "/api/p/packing_slip?wbns=" + url.QueryEscape(awb) + "&pdf=true", nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	var act string
	switch req.Action {
	case carriers.NDRActionReattempt:
		act = "RE-ATTEMPT"
	case carriers.NDRActionRTO:
		act = "RTO"
	default:
		act = "RE-ATTEMPT"
	}
	body, _ := json.Marshal(map[string]any{
		"data": []map[string]any{{"waybill": awb, "act": act}},
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/p/update", strings.NewReader(string(body)))
	if err != nil {
		return carriers.NDRActionResponse{}, errors.Wrap(err, "new request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Token "+a.token)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		slog.Error("delhivery ndr action", "awb", awb, "error", err.Error())
		return carriers.NDRActionResponse{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carriers.NDRActionResponse{Success: false,
			Error: fmt.Sprintf("delhivery http %d", resp.StatusCode)}, nil
	}
	return carriers.NDRActionResponse{Success: true, Message: "accepted"}, nil
}

func paymentMode(mode string) string {
	if mode == models.PaymentModeCOD {
		return "COD"
	}
	return "Prepaid"
}
