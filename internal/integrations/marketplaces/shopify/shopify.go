// Package shopify — адаптер Admin API: токен магазина в заголовке,
// курсор page_info из Link-заголовка, остатки через inventory_levels/set.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/integrations/vendorhttp"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const apiVersion = "2024-01"

type Adapter struct {
	shopDomain  string // mystore.myshopify.com
	accessToken string
	apiKey      string
	apiSecret   string
	locationID  string

	httpc *vendorhttp.Client
	rate  marketplaces.RateTracker

	// SKU -> inventory_item_id, разрешается через GraphQL и кэшируется
	mu             sync.Mutex
	items          map[string]int64
	lastNextCursor string
}

func New(creds marketplaces.Credentials) (marketplaces.Adapter, error) {
	if err := creds.Require("shop_domain", "access_token"); err != nil {
		return nil, err
	}
	return &Adapter{
		shopDomain:  strings.TrimRight(creds["shop_domain"], "/"),
		accessToken: creds["access_token"],
		apiKey:      creds["api_key"],
		apiSecret:   creds["api_secret"],
		locationID:  creds["location_id"],
		httpc:       vendorhttp.New("shopify", vendorhttp.DefaultTimeout),
		items:       make(map[string]int64),
	}, nil
}

func (a *Adapter) Channel() string { return models.ChannelShopify }

func (a *Adapter) baseURL() string {
	return "https://" + a.shopDomain + "/admin/api/" + apiVersion
}

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	code, _, err := a.doJSON(ctx, http.MethodGet, "/shop.json", nil, nil)
	if err != nil {
		slog.Warn("shopify auth failed", "error", err.Error())
		return false, nil
	}
	return code/100 == 2, nil
}

// Токены Shopify бессрочные, обновлять нечего.
func (a *Adapter) RefreshToken(ctx context.Context, _ string) (marketplaces.Token, error) {
	return marketplaces.Token{}, errors.New("shopify tokens do not expire")
}

func (a *Adapter) GetOAuthAuthorizeURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", a.apiKey)
	q.Set("scope", "read_orders,write_orders,read_inventory,write_inventory")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return "https://" + a.shopDomain + "/admin/oauth/authorize?" + q.Encode()
}

func (a *Adapter) ExchangeCodeForToken(ctx context.Context, code, _ string) (marketplaces.Token, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":     a.apiKey,
		"client_secret": a.apiSecret,
		"code":          code,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://"+a.shopDomain+"/admin/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return marketplaces.Token{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return marketplaces.Token{}, errors.Wrap(err, "shopify oauth exchange")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return marketplaces.Token{}, fmt.Errorf("shopify oauth http %d: %s", resp.StatusCode, string(b))
	}
	var r struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return marketplaces.Token{}, errors.Wrap(err, "decode oauth response")
	}
	if r.AccessToken == "" {
		return marketplaces.Token{}, errors.New("shopify oauth: empty access_token")
	}
	return marketplaces.Token{AccessToken: r.AccessToken, TokenType: "bearer"}, nil
}

// Заголовок вида "32/40": использовано/лимит в bucket-окне.
var callLimitRe = regexp.MustCompile(`^(\d+)/(\d+)$`)

func (a *Adapter) doJSON(ctx context.Context, method, path string, payload any, out any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "marshal payload")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL()+path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("X-Shopify-Access-Token", a.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "shopify %s %s", method, path)
	}
	defer resp.Body.Close()

	if m := callLimitRe.FindStringSubmatch(resp.Header.Get("X-Shopify-Shop-Api-Call-Limit")); m != nil {
		used, _ := strconv.Atoi(m[1])
		limit, _ := strconv.Atoi(m[2])
		a.rate.Update(limit-used, time.Now().Add(20*time.Second))
	}
	a.rememberPageCursor(resp.Header.Get("Link"))

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

var linkNextRe = regexp.MustCompile(`<[^>]*[?&]page_info=([^&>]+)[^>]*>;\s*rel="next"`)

func (a *Adapter) rememberPageCursor(link string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m := linkNextRe.FindStringSubmatch(link); m != nil {
		a.lastNextCursor = m[1]
	} else {
		a.lastNextCursor = ""
	}
}

func (a *Adapter) takePageCursor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.lastNextCursor
	a.lastNextCursor = ""
	return c
}

type shopifyOrder struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	CreatedAt       string `json:"created_at"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	TotalPrice      string `json:"total_price"`
	SubtotalPrice   string `json:"subtotal_price"`
	TotalTax        string `json:"total_tax"`
	TotalDiscounts  string `json:"total_discounts"`
	Gateway         string `json:"gateway"`
	FinancialStatus string `json:"financial_status"`
	Customer        struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"customer"`
	ShippingAddress struct {
		Address1 string `json:"address1"`
		Address2 string `json:"address2"`
		City     string `json:"city"`
		Province string `json:"province"`
		Zip      string `json:"zip"`
		Phone    string `json:"phone"`
	} `json:"shipping_address"`
	LineItems []struct {
		SKU      string `json:"sku"`
		Title    string `json:"title"`
		Quantity int32  `json:"quantity"`
		Price    string `json:"price"`
	} `json:"line_items"`
}

func (a *Adapter) FetchOrders(ctx context.Context, req marketplaces.FetchOrdersRequest) ([]marketplaces.Order, string, error) {
	q := url.Values{}
	limit := req.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q.Set("limit", strconv.Itoa(limit))
	if req.Cursor != "" {
		// с page_info Shopify запрещает остальные фильтры
		q.Set("page_info", req.Cursor)
	} else {
		q.Set("status", "any")
		q.Set("created_at_min", req.From.UTC().Format(time.RFC3339))
		if !req.To.IsZero() {
			q.Set("created_at_max", req.To.UTC().Format(time.RFC3339))
		}
		if req.Status != "" {
			q.Set("fulfillment_status", req.Status)
		}
	}

	var r struct {
		Orders []shopifyOrder `json:"orders"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/orders.json?"+q.Encode(), nil, &r)
	if err != nil {
		return nil, "", err
	}
	if code/100 != 2 {
		return nil, "", fmt.Errorf("shopify orders http %d: %s", code, truncate(raw))
	}

	out := make([]marketplaces.Order, 0, len(r.Orders))
	for _, src := range r.Orders {
		out = append(out, normalizeOrder(src))
	}
	return out, a.takePageCursor(), nil
}

func normalizeOrder(src shopifyOrder) marketplaces.Order {
	o := marketplaces.Order{
		ExternalOrderID: strconv.FormatInt(src.ID, 10),
		Channel:         models.ChannelShopify,
		OrderDate:       time.Now().UTC(),
		PaymentMode:     models.PaymentModePrepaid,
		CustomerEmail:   src.Email,
	}
	if t, err := time.Parse(time.RFC3339, src.CreatedAt); err == nil {
		o.OrderDate = t
	}
	// COD-шлюзы в Индии называются по-разному, ловим по подстроке
	if strings.Contains(strings.ToLower(src.Gateway), "cash") ||
		strings.EqualFold(src.FinancialStatus, "pending") {
		o.PaymentMode = models.PaymentModeCOD
	}
	o.CustomerName = strings.TrimSpace(src.Customer.FirstName + " " + src.Customer.LastName)
	o.CustomerPhone = src.Phone
	if o.CustomerPhone == "" {
		o.CustomerPhone = src.ShippingAddress.Phone
	}
	addr := src.ShippingAddress
	o.ShippingAddress = strings.TrimSpace(strings.TrimSuffix(addr.Address1+", "+addr.Address2, ", "))
	o.ShippingCity = addr.City
	o.ShippingState = addr.Province
	o.ShippingPincode = addr.Zip

	o.Subtotal = parseAmount(src.SubtotalPrice)
	o.TaxTotal = parseAmount(src.TotalTax)
	o.Discount = parseAmount(src.TotalDiscounts)
	o.GrandTotal = parseAmount(src.TotalPrice)

	for _, it := range src.LineItems {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		o.Lines = append(o.Lines, marketplaces.OrderLine{
			ChannelSku: it.SKU,
			Name:       it.Title,
			Quantity:   qty,
			UnitPrice:  parseAmount(it.Price),
		})
	}
	raw, _ := json.Marshal(src)
	o.Raw = raw
	return o
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *Adapter) GetOrder(ctx context.Context, externalOrderID string) (*marketplaces.Order, error) {
	var r struct {
		Order shopifyOrder `json:"order"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/orders/"+url.PathEscape(externalOrderID)+".json", nil, &r)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, nil
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("shopify order http %d: %s", code, truncate(raw))
	}
	o := normalizeOrder(r.Order)
	return &o, nil
}

// Отгрузка оформляется как fulfillment с трек-номером из meta.
func (a *Adapter) UpdateOrderStatus(ctx context.Context, externalOrderID, status string, meta map[string]string) (bool, error) {
	if !strings.EqualFold(status, models.OrderStatusShipped) {
		slog.Debug("shopify status update skipped", "externalOrderId", externalOrderID, "status", status)
		return false, nil
	}
	payload := map[string]any{
		"fulfillment": map[string]any{
			"location_id":      a.locationID,
			"tracking_number":  meta["awb"],
			"tracking_company": meta["carrier_name"],
			"tracking_url":     meta["tracking_url"],
			"notify_customer":  true,
		},
	}
	code, raw, err := a.doJSON(ctx, http.MethodPost,
		"/orders/"+url.PathEscape(externalOrderID)+"/fulfillments.json", payload, nil)
	if err != nil {
		return false, err
	}
	if code/100 != 2 {
		slog.Warn("shopify fulfillment failed",
			"externalOrderId", externalOrderID, "http", code, "body", truncate(raw))
		return false, nil
	}
	return true, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, externalOrderID, reason string) (bool, error) {
	payload := map[string]any{"reason": reason}
	code, raw, err := a.doJSON(ctx, http.MethodPost,
		"/orders/"+url.PathEscape(externalOrderID)+"/cancel.json", payload, nil)
	if err != nil {
		return false, err
	}
	if code/100 != 2 {
		slog.Warn("shopify cancel failed",
			"externalOrderId", externalOrderID, "http", code, "body", truncate(raw))
		return false, nil
	}
	return true, nil
}

func (a *Adapter) PushInventory(ctx context.Context, updates []marketplaces.InventoryUpdate) ([]marketplaces.InventoryUpdateResult, error) {
	if a.locationID == "" {
		return nil, errors.New("shopify: location_id is not set")
	}
	results := make([]marketplaces.InventoryUpdateResult, 0, len(updates))
	for _, u := range updates {
		res := marketplaces.InventoryUpdateResult{ChannelSku: u.ChannelSku}
		itemID, err := a.resolveInventoryItem(ctx, u.ChannelSku)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		payload := map[string]any{
			"location_id":       a.locationID,
			"inventory_item_id": itemID,
			"available":         u.Quantity,
		}
		code, raw, err := a.doJSON(ctx, http.MethodPost, "/inventory_levels/set.json", payload, nil)
		switch {
		case err != nil:
			res.Error = err.Error()
		case code/100 != 2:
			res.Error = fmt.Sprintf("http %d: %s", code, truncate(raw))
		default:
			res.Success = true
		}
		results = append(results, res)
	}
	return results, nil
}

// REST не умеет искать вариант по SKU, разрешаем через GraphQL и кэшируем.
func (a *Adapter) resolveInventoryItem(ctx context.Context, sku string) (int64, error) {
	a.mu.Lock()
	if id, ok := a.items[sku]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	query := fmt.Sprintf(
		`{"query":"{ productVariants(first: 1, query: \"sku:%s\") { nodes { inventoryItem { legacyResourceId } } } }"}`,
		sku)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL()+"/graphql.json", strings.NewReader(query))
	if err != nil {
		return 0, errors.Wrap(err, "new request")
	}
	req.Header.Set("X-Shopify-Access-Token", a.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "shopify graphql")
	}
	defer resp.Body.Close()

	var r struct {
		Data struct {
			ProductVariants struct {
				Nodes []struct {
					InventoryItem struct {
						LegacyResourceID string `json:"legacyResourceId"`
					} `json:"inventoryItem"`
				} `json:"nodes"`
			} `json:"productVariants"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, errors.Wrap(err, "decode graphql response")
	}
	if len(r.Data.ProductVariants.Nodes) == 0 {
		return 0, errors.Errorf("sku %q not found in shop", sku)
	}
	id, err := strconv.ParseInt(r.Data.ProductVariants.Nodes[0].InventoryItem.LegacyResourceID, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse inventory item id")
	}

	a.mu.Lock()
	a.items[sku] = id
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) GetInventory(ctx context.Context, channelSkus []string) (map[string]int32, error) {
	out := make(map[string]int32, len(channelSkus))
	for _, sku := range channelSkus {
		itemID, err := a.resolveInventoryItem(ctx, sku)
		if err != nil {
			slog.Warn("shopify inventory lookup failed", "sku", sku, "error", err.Error())
			continue
		}
		var r struct {
			InventoryLevels []struct {
				Available int32 `json:"available"`
			} `json:"inventory_levels"`
		}
		q := url.Values{}
		q.Set("inventory_item_ids", strconv.FormatInt(itemID, 10))
		code, raw, err := a.doJSON(ctx, http.MethodGet, "/inventory_levels.json?"+q.Encode(), nil, &r)
		if err != nil {
			return nil, err
		}
		if code/100 != 2 {
			return nil, fmt.Errorf("shopify inventory http %d: %s", code, truncate(raw))
		}
		var total int32
		for _, lvl := range r.InventoryLevels {
			total += lvl.Available
		}
		out[sku] = total
	}
	return out, nil
}

// Выплат как таковых у Shopify-магазина нет (деньги идут через шлюз
// продавца), отдаём пустой список.
func (a *Adapter) FetchSettlements(ctx context.Context, from, to time.Time) ([]marketplaces.Settlement, error) {
	return nil, nil
}

func (a *Adapter) FetchReturns(ctx context.Context, from, to time.Time) ([]marketplaces.Return, error) {
	q := url.Values{}
	q.Set("status", "open")
	q.Set("created_at_min", from.UTC().Format(time.RFC3339))
	if !to.IsZero() {
		q.Set("created_at_max", to.UTC().Format(time.RFC3339))
	}

	var r struct {
		Refunds []struct {
			ID        int64  `json:"id"`
			OrderID   int64  `json:"order_id"`
			Note      string `json:"note"`
			CreatedAt string `json:"created_at"`
		} `json:"refunds"`
	}
	code, raw, err := a.doJSON(ctx, http.MethodGet, "/refunds.json?"+q.Encode(), nil, &r)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, nil
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("shopify refunds http %d: %s", code, truncate(raw))
	}

	out := make([]marketplaces.Return, 0, len(r.Refunds))
	for _, ref := range r.Refunds {
		item := marketplaces.Return{
			ReturnID:        strconv.FormatInt(ref.ID, 10),
			ExternalOrderID: strconv.FormatInt(ref.OrderID, 10),
			Reason:          ref.Note,
			Status:          "OPEN",
		}
		if t, err := time.Parse(time.RFC3339, ref.CreatedAt); err == nil {
			item.RequestedAt = t
		}
		out = append(out, item)
	}
	return out, nil
}

func (a *Adapter) UpdateReturnStatus(ctx context.Context, returnID, status string) (bool, error) {
	slog.Warn("shopify return status update not supported via api", "returnId", returnID)
	return false, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
