// Package flipkart — адаптер Seller API: OAuth client_credentials,
// выборка отгрузок фильтром, обновление остатков батчем с по-SKU статусами.
package flipkart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/integrations/vendorhttp"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://api.flipkart.net"
	pageSize       = 20
)

type Adapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	locationID   string

	httpc *vendorhttp.Client
	rate  marketplaces.RateTracker

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func New(creds marketplaces.Credentials) (marketplaces.Adapter, error) {
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
		locationID:   creds["location_id"],
		httpc:        vendorhttp.New("flipkart", vendorhttp.DefaultTimeout),
	}, nil
}

func (a *Adapter) Channel() string { return models.ChannelFlipkart }

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	_, err := a.getAccessToken(ctx)
	if err != nil {
		slog.Warn("flipkart auth failed", "error", err.Error())
		return false, nil
	}
	return true, nil
}

// client_credentials: refresh token в этом флоу нет, просто берём новый.
func (a *Adapter) RefreshToken(ctx context.Context, _ string) (marketplaces.Token, error) {
	return a.fetchToken(ctx)
}

func (a *Adapter) fetchToken(ctx context.Context) (marketplaces.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("scope", "Seller_Api")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/oauth-service/oauth/token?"+q.Encode(), nil)
	if err != nil {
		return marketplaces.Token{}, errors.Wrap(err, "new request")
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return marketplaces.Token{}, errors.Wrap(err, "flipkart token")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return marketplaces.Token{}, fmt.Errorf("flipkart token http %d: %s", resp.StatusCode, string(b))
	}

	var r struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return marketplaces.Token{}, errors.Wrap(err, "decode token")
	}
	if r.AccessToken == "" {
		return marketplaces.Token{}, errors.New("flipkart token: empty access_token")
	}
	tok := marketplaces.Token{AccessToken: r.AccessToken, TokenType: r.TokenType}
	if r.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
		tok.ExpiresAt = &exp
	}
	return tok, nil
}

func (a *Adapter) getAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Until(a.tokenExpiry) > 5*time.Minute {
		return a.accessToken, nil
	}
	tok, err := a.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	a.accessToken = tok.AccessToken
	if tok.ExpiresAt != nil {
		a.tokenExpiry = *tok.ExpiresAt
	} else {
		a.tokenExpiry = time.Now().Add(time.Hour)
	}
	return a.accessToken, nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, payload any, out any) (int, []byte, error) {
	token, err := a.getAccessToken(ctx)
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
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "flipkart %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		a.rate.Update(0, time.Now().Add(5*time.Second))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "read body")
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, errors.Wrap(err, "decode response")
		}
	}
	return resp.StatusCode, raw, nil
}

func (a *Adapter) ShouldThrottle() bool { return a.rate.ShouldThrottle() }

type flipkartShipment struct {
	ShipmentID string `json:"shipmentId"`
	OrderItems []struct {
		OrderItemID     string `json:"orderItemId"`
		OrderID         string `json:"orderId"`
		SKU             string `json:"sku"`
		Title           string `json:"title"`
		Quantity        int32  `json:"quantity"`
		PaymentType     string `json:"paymentType"`
		OrderDate       string `json:"orderDate"`
		PriceComponents struct {
			SellingPrice  float64 `json:"sellingPrice"`
			TotalPrice    float64 `json:"totalPrice"`
			CustomerPrice float64 `json:"customerPrice"`
		} `json:"priceComponents"`
	} `json:"orderItems"`
	DeliveryAddress struct {
		FirstName     string `json:"firstName"`
		LastName      string `json:"lastName"`
		AddressLine1  string `json:"addressLine1"`
		AddressLine2  string `json:"addressLine2"`
		City          string `json:"city"`
		State         string `json:"state"`
		Pincode       string `json:"pincode"`
		ContactNumber string `json:"contactNumber"`
	} `json:"deliveryAddress"`
}

// Курсор Flipkart — это полный URL следующей страницы (nextPageUrl),
// прокидываем его как есть.
func (a *Adapter) FetchOrders(ctx context.Context, req marketplaces.FetchOrdersRequest) ([]marketplaces.Order, string, error) {
	var (
		code int
		raw  []byte
		err  error
		r    struct {
			Shipments   []flipkartShipment `json:"shipments"`
			NextPageURL string             `json:"nextPageUrl"`
			HasMore     bool               `json:"hasMore"`
		}
	)
	if req.Cursor != "" {
		code, raw, err = a.doJSON(ctx, http.MethodGet, req.Cursor, nil, &r)
	} else {
		states := []string{"APPROVED"}
		if req.Status != "" {
			states = strings.Split(req.Status, ",")
		}
		filter := map[string]any{
			"filter": map[string]any{
				"type":   "preDispatch",
				"states": states,
				"orderDate": map[string]string{
					"from": req.From.UTC().Format("2006-01-02"),
					"to":   endDate(req.To),
				},
			},
			"pagination": map[string]int{"pageSize": pageOf(req.Limit)},
		}
		code, raw, err = a.doJSON(ctx, http.MethodPost, "/sellers/v3/shipments/filter", filter, &r)
	}
	if err != nil {
		return nil, "", err
	}
	if code/100 != 2 {
		return nil, "", fmt.Errorf("flipkart shipments http %d: %s", code, truncate(raw))
	}

	out := make([]marketplaces.Order, 0, len(r.Shipments))
	for _, sh := range r.Shipments {
		out = append(out, normalizeShipment(sh))
	}
	next := ""
	if r.HasMore && r.NextPageURL != "" {
		next = r.NextPageURL
	}
	return out, next, nil
}

func normalizeShipment(sh flipkartShipment) marketplaces.Order {
	o := marketplaces.Order{
		ExternalOrderID: sh.ShipmentID,
		Channel:         models.ChannelFlipkart,
		OrderDate:       time.Now().UTC(),
		PaymentMode:     models.PaymentModePrepaid,
	}
	addr := sh.DeliveryAddress
	o.CustomerName = strings.TrimSpace(addr.FirstName + " " + addr.LastName)
	o.CustomerPhone = addr.ContactNumber
	o.ShippingAddress = strings.TrimSpace(strings.TrimSuffix(addr.AddressLine1+", "+addr.AddressLine2, ", "))
	o.ShippingCity = addr.City
	o.ShippingState = addr.State
	o.ShippingPincode = addr.Pincode

	for _, it := range sh.OrderItems {
		if o.ExternalOrderID == "" {
			o.ExternalOrderID = it.OrderID
		}
		if t, err := time.Parse(time.RFC3339, it.OrderDate); err == nil {
			o.OrderDate = t
		}
		if strings.EqualFold(it.PaymentType, "COD") {
			o.PaymentMode = models.PaymentModeCOD
		}
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		unit := decimal.NewFromFloat(it.PriceComponents.SellingPrice)
		total := decimal.NewFromFloat(it.PriceComponents.TotalPrice)
		o.Lines = append(o.Lines, marketplaces.OrderLine{
			ChannelSku: it.SKU,
			Name:       it.Title,
			Quantity:   qty,
			UnitPrice:  unit,
		})
		o.Subtotal = o.Subtotal.Add(unit.Mul(decimal.NewFromInt32(qty)))
		o.GrandTotal = o.GrandTotal.Add(total)
	}
	if o.GrandTotal.IsZero() {
		o.GrandTotal = o.Subtotal
	}
	o.TaxTotal = o.GrandTotal.Sub(o.Subtotal)
	if o.TaxTotal.IsNegative() {
		o.Discount = o.TaxTotal.Neg()
		o.TaxTotal = decimal.Zero
	}
	raw, _ := json.Marshal(sh)
	o.Raw = raw
	return o
}

func (a *Adapter) GetOrder(ctx context.Context, externalOrderID string) (*marketplaces.Order, error) {
	var r struct {
		Shipments []flipkartShipment `json:"shipments"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodGet,
		"/sellers/v3/shipments?shipmentIds="+url.QueryEscape(externalOrderID), nil, &r)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound || len(r.Shipments) == 0 {
		return nil, nil
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("flipkart shipment http %d: %s", code, truncate(raw))
	}
	o := normalizeShipment(r.Shipments[0])
	return &o, nil
}

// Отгрузку Flipkart подтверждает через dispatch: маркируем shipment
// готовым и передаём в выдачу.
func (a *Adapter) UpdateOrderStatus(ctx context.Context, externalOrderID, status string, meta map[string]string) (bool, error) {
	if !strings.EqualFold(status, models.OrderStatusShipped) {
		slog.Debug("flipkart status update skipped", "externalOrderId", externalOrderID, "status", status)
		return false, nil
	}
	payload := map[string]any{
		"shipmentIds": []string{externalOrderID},
		"locationId":  a.locationID,
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/sellers/v3/shipments/dispatch", payload, nil)
	if err != nil {
		return false, err
	}
	if code/100 != 2 {
		slog.Warn("flipkart dispatch failed",
			"externalOrderId", externalOrderID, "http", code, "body", truncate(raw))
		return false, nil
	}
	return true, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, externalOrderID, reason string) (bool, error) {
	payload := map[string]any{
		"orderItemIds": []string{externalOrderID},
		"reason":       reason,
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/sellers/v2/orders/cancel", payload, nil)
	if err != nil {
		return false, err
	}
	if code/100 != 2 {
		slog.Warn("flipkart cancel failed",
			"externalOrderId", externalOrderID, "http", code, "body", truncate(raw))
		return false, nil
	}
	return true, nil
}

func (a *Adapter) PushInventory(ctx context.Context, updates []marketplaces.InventoryUpdate) ([]marketplaces.InventoryUpdateResult, error) {
	payload := make(map[string]any, len(updates))
	for _, u := range updates {
		payload[u.ChannelSku] = map[string]any{
			"locations": []map[string]any{{
				"id":        a.locationID,
				"inventory": u.Quantity,
			}},
		}
	}

	var r map[string]struct {
		Status string `json:"status"`
		Errors []struct {
			Description string `json:"description"`
		} `json:"errors"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/sellers/listings/v3/update/inventory", payload, &r)
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("flipkart inventory http %d: %s", code, truncate(raw))
	}

	results := make([]marketplaces.InventoryUpdateResult, 0, len(updates))
	for _, u := range updates {
		res := marketplaces.InventoryUpdateResult{ChannelSku: u.ChannelSku}
		if st, ok := r[u.ChannelSku]; ok {
			res.Success = strings.EqualFold(st.Status, "SUCCESS")
			if !res.Success && len(st.Errors) > 0 {
				res.Error = st.Errors[0].Description
			}
		} else {
			res.Error = "sku missing in response"
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Adapter) GetInventory(ctx context.Context, channelSkus []string) (map[string]int32, error) {
	payload := map[string]any{"skuIds": channelSkus}
	var r map[string]struct {
		Locations []struct {
			ID        string `json:"id"`
			Inventory int32  `json:"inventory"`
		} `json:"locations"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/sellers/listings/v3/fetch/inventory", payload, &r)
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("flipkart fetch inventory http %d: %s", code, truncate(raw))
	}
	out := make(map[string]int32, len(r))
	for sku, v := range r {
		var total int32
		for _, loc := range v.Locations {
			total += loc.Inventory
		}
		out[sku] = total
	}
	return out, nil
}

func (a *Adapter) FetchSettlements(ctx context.Context, from, to time.Time) ([]marketplaces.Settlement, error) {
	q := url.Values{}
	q.Set("fromPaymentDate", from.UTC().Format("2006-01-02"))
	q.Set("toPaymentDate", endDate(to))

	var r struct {
		Payments []struct {
			PaymentID   string   `json:"paymentId"`
			PaymentDate string   `json:"paymentDate"`
			Amount      float64  `json:"amount"`
			OrderIDs    []string `json:"orderIds"`
		} `json:"payments"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/sellers/v2/payments?"+q.Encode(), nil, &r)
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("flipkart settlements http %d: %s", code, truncate(raw))
	}

	out := make([]marketplaces.Settlement, 0, len(r.Payments))
	for _, p := range r.Payments {
		s := marketplaces.Settlement{
			SettlementID: p.PaymentID,
			Amount:       decimal.NewFromFloat(p.Amount),
			Currency:     "INR",
			OrderIDs:     p.OrderIDs,
		}
		if t, err := time.Parse("2006-01-02", p.PaymentDate); err == nil {
			s.Date = t
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *Adapter) FetchReturns(ctx context.Context, from, to time.Time) ([]marketplaces.Return, error) {
	q := url.Values{}
	q.Set("source", "customer_return")
	q.Set("createdAfter", from.UTC().Format("2006-01-02"))
	q.Set("createdBefore", endDate(to))

	var r struct {
		Returns []struct {
			ReturnID    string `json:"returnId"`
			OrderID     string `json:"orderId"`
			Reason      string `json:"reason"`
			Status      string `json:"status"`
			CreatedDate string `json:"createdDate"`
		} `json:"returns"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/sellers/v2/returns?"+q.Encode(), nil, &r)
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("flipkart returns http %d: %s", code, truncate(raw))
	}

	out := make([]marketplaces.Return, 0, len(r.Returns))
	for _, ret := range r.Returns {
		item := marketplaces.Return{
			ReturnID:        ret.ReturnID,
			ExternalOrderID: ret.OrderID,
			Reason:          ret.Reason,
			Status:          ret.Status,
		}
		if t, err := time.Parse(time.RFC3339, ret.CreatedDate); err == nil {
			item.RequestedAt = t
		}
		out = append(out, item)
	}
	return out, nil
}

func (a *Adapter) UpdateReturnStatus(ctx context.Context, returnID, status string) (bool, error) {
	payload := map[string]any{
		"returnIds": []string{returnID},
		"action":    status,
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost, "/sellers/v2/returns/action", payload, nil)
	if err != nil {
		return false, err
	}
	if code/100 != 2 {
		slog.Warn("flipkart return action failed", "returnId", returnID, "http", code, "body", truncate(raw))
		return false, nil
	}
	return true, nil
}

func pageOf(limit int) int {
	if limit <= 0 || limit > pageSize {
		return pageSize
	}
	return limit
}

func endDate(to time.Time) string {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	return to.UTC().Format("2006-01-02")
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
