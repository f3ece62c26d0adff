package bluedart

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
	"github.com/pkg/errors"
)

const defaultBaseURL = "https://apigateway.bluedart.com"

// BlueDart: OAuth client-credentials (JWT), кэшируем до истечения с запасом
// 5 минут. Трекинг/тарифы/serviceability живут в их SOAP-контуре, который
// сюда ещё не заведён — методы возвращают структурный отказ, а не
// отсутствуют: вызывающие обязаны уметь единообразно ветвиться по Success.
type Adapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	loginID      string
	licenseKey   string

	httpc *vendorhttp.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(creds carriers.Credentials) (carriers.Adapter, error) {
	if err := creds.Require("client_id", "client_secret", "login_id", "license_key"); err != nil {
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
		loginID:      creds["login_id"],
		licenseKey:   creds["license_key"],
		httpc:        vendorhttp.New("bluedart", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Code() string { return models.CarrierBlueDart }

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	_, err := a.getToken(ctx)
	if err != nil {
		slog.Warn("bluedart auth failed", "error", err.Error())
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

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/in/transportation/token/v1/login", nil)
	if err != nil {
		return "", errors.Wrap(err, "new request")
	}
	req.Header.Set("ClientID", a.clientID)
	req.Header.Set("clientSecret", a.clientSecret)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "bluedart token")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("bluedart token http %d", resp.StatusCode)
	}

	var r struct {
		JWTToken  string      `json:"JWTToken"`
		ExpiresIn json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", errors.Wrap(err, "decode token")
	}
	if r.JWTToken == "" {
		return "", errors.New("bluedart: empty token")
	}

	ttl := 12 * time.Hour
	if secs, err := r.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	a.token = r.JWTToken
	a.tokenExpiry = time.Now().Add(ttl)
	return a.token, nil
}

func (a *Adapter) CreateShipment(ctx context.Context, req carriers.ShipmentRequest) (carriers.ShipmentResponse, error) {
	token, err := a.getToken(ctx)
	if err != nil {
		slog.Error("bluedart create shipment: token", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}

	subProduct := ""
	if req.PaymentMode == models.PaymentModeCOD {
		subProduct = "C"
	}
	payload := map[string]any{
		"Request": map[string]any{
			"Consignee": map[string]any{
				"ConsigneeName":     req.Drop.Name,
				"ConsigneeAddress1": req.Drop.Line1,
				"ConsigneeAddress2": req.Drop.Line2,
				"ConsigneePincode":  req.Drop.Pincode,
				"ConsigneeMobile":   req.Drop.Phone,
			},
			"Shipper": map[string]any{
				"CustomerName":     req.Pickup.Name,
				"CustomerAddress1": req.Pickup.Line1,
				"CustomerPincode":  req.Pickup.Pincode,
				"CustomerMobile":   req.Pickup.Phone,
			},
			"Services": map[string]any{
				"ProductCode":       "A",
				"SubProductCode":    subProduct,
				"ActualWeight":      req.WeightKg.String(),
				"DeclaredValue":     req.DeclaredValue.String(),
				"CollectableAmount": req.CODAmount.String(),
				"CreditReferenceNo": req.OrderNo,
				"Dimensions": []map[string]any{{
					"Length": req.LengthCm, "Breadth": req.WidthCm, "Height": req.HeightCm, "Count": 1,
				}},
			},
		},
		"Profile": map[string]any{
			"LoginID":    a.loginID,
			"LicenceKey": a.licenseKey,
			"Api_type":   "S",
		},
	}

	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/in/transportation/waybill/v1/GenerateWayBill", bytes.NewReader(body))
	if err != nil {
		return carriers.ShipmentResponse{}, errors.Wrap(err, "new request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("JWTToken", token)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		slog.Error("bluedart create shipment", "endpoint", "GenerateWayBill", "error", err.Error())
		return carriers.ShipmentResponse{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return carriers.ShipmentResponse{Success: false,
			Error: fmt.Sprintf("bluedart http %d", resp.StatusCode), Raw: raw}, nil
	}

	var r struct {
		GenerateWayBillResult struct {
			AWBNo   string `json:"AWBNo"`
			IsError bool   `json:"IsError"`
			Status  []struct {
				StatusInformation string `json:"StatusInformation"`
			} `json:"Status"`
		} `json:"GenerateWayBillResult"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return carriers.ShipmentResponse{Success: false, Error: "bluedart: malformed response", Raw: raw}, nil
	}
	res := r.GenerateWayBillResult
	if res.IsError || res.AWBNo == "" {
		msg := "bluedart rejected shipment"
		if len(res.Status) > 0 {
			msg = res.Status[0].StatusInformation
		}
		return carriers.ShipmentResponse{Success: false, Error: msg, Raw: raw}, nil
	}
	return carriers.ShipmentResponse{
		Success:     true,
		AWB:         res.AWBNo,
		TrackingURL: "https://www.bluedart.com/tracking/" + res.AWBNo,
		Raw:         raw,
	}, nil
}

func (a *Adapter) CancelShipment(ctx context.Context, awb string) (bool, error) {
	token, err := a.getToken(ctx)
	if err != nil {
		slog.Error("bluedart cancel: token", "error", err.Error())
		return false, nil
	}

	body, _ := json.Marshal(map[string]any{
		"Request": map[string]any{"AWBNo": awb},
		"Profile": map[string]any{"LoginID": a.loginID, "LicenceKey": a.licenseKey},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/in/transportation/waybill/v1/CancelWaybill", bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("JWTToken", token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		slog.Error("bluedart cancel", "awb", awb, "error", err.Error())
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2, nil
}

// SOAP-only возможности: единые сигнатуры, структурный отказ.

func (a *Adapter) TrackShipment(ctx context.Context, awb string) (carriers.TrackingResponse, error) {
	return carriers.TrackingResponse{
		Success: false,
		AWB:     awb,
		Error:   "bluedart tracking requires the SOAP ShipmentTracking service, not yet bridged",
	}, nil
}

func (a *Adapter) GetRates(ctx context.Context, req carriers.RateRequest) (carriers.RateResponse, error) {
	return carriers.RateResponse{
		Success: false,
		Error:   "bluedart rate calculation requires the SOAP RateFinder service, not yet bridged",
	}, nil
}

func (a *Adapter) CheckServiceability(ctx context.Context, req carriers.ServiceabilityRequest) (carriers.ServiceabilityResponse, error) {
	return carriers.ServiceabilityResponse{
		Success: false,
		Error:   "bluedart serviceability requires the SOAP ServiceFinder service, not yet bridged",
	}, nil
}

func (a *Adapter) GetLabel(ctx context.Context, awb string) (string, error) {
	return "", nil
}

func (a *Adapter) HandleNDRAction(ctx context.Context, awb string, req carriers.NDRActionRequest) (carriers.NDRActionResponse, error) {
	return carriers.NDRActionResponse{
		Success: false,
		Error:   "bluedart NDR actions are handled offline by the carrier, no API capability",
	}, nil
}
