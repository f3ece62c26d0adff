package amazon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
)

func newTestAdapter(t *testing.T, extra marketplaces.Credentials) *Adapter {
	t.Helper()
	creds := marketplaces.Credentials{
		"client_id":      "amzn1.app.client",
		"client_secret":  "shh",
		"seller_id":      "A1SELLER",
		"marketplace_id": "A21TJRUUN4KGV",
	}
	for k, v := range extra {
		creds[k] = v
	}
	a, err := New(creds)
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(marketplaces.Credentials{"client_id": "amzn1.app.client"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "client_secret")
}

func TestRefreshToken_ReusesRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "rt-0", r.PostForm.Get("refresh_token"))
		require.Equal(t, "amzn1.app.client", r.PostForm.Get("client_id"))
		require.Equal(t, "shh", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		// LWA при refresh не присылает новый refresh token
		_, _ = w.Write([]byte(`{"access_token": "at-1", "token_type": "bearer", "expires_in": 3600}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, marketplaces.Credentials{
		"refresh_token": "rt-0",
		"auth_url":      srv.URL,
	})
	tok, err := a.RefreshToken(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "at-1", tok.AccessToken)
	require.Equal(t, "rt-0", tok.RefreshToken)
	require.Equal(t, "bearer", tok.TokenType)
	require.NotNil(t, tok.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(time.Hour), *tok.ExpiresAt, 5*time.Second)
}

func TestExchangeCodeForToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "code-7", r.PostForm.Get("code"))
		require.Equal(t, "https://app.example.in/cb", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "at-9", "refresh_token": "rt-9", "expires_in": 3600}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, marketplaces.Credentials{"auth_url": srv.URL})
	tok, err := a.ExchangeCodeForToken(context.Background(), "code-7", "https://app.example.in/cb")
	require.NoError(t, err)
	require.Equal(t, "at-9", tok.AccessToken)
	require.Equal(t, "rt-9", tok.RefreshToken)
}

func TestGetOAuthAuthorizeURL(t *testing.T) {
	a := newTestAdapter(t, nil)
	u := a.GetOAuthAuthorizeURL("st-1", "https://app.example.in/cb")
	require.Contains(t, u, "sellercentral.amazon.in/apps/authorize/consent")
	require.Contains(t, u, "application_id=amzn1.app.client")
	require.Contains(t, u, "state=st-1")
	require.Contains(t, u, "redirect_uri=https%3A%2F%2Fapp.example.in%2Fcb")
}

const amazonOrderJSON = `{
  "AmazonOrderId": "408-123",
  "PurchaseDate": "2025-05-01T06:30:00Z",
  "OrderStatus": "Unshipped",
  "PaymentMethod": "COD",
  "OrderTotal": {"Amount": "1098.00"},
  "BuyerInfo": {"BuyerName": "Asha Rao", "BuyerEmail": "asha@example.in"},
  "ShippingAddress": {
    "Name": "Asha Rao",
    "AddressLine1": "12 MG Road",
    "AddressLine2": "Flat 4",
    "City": "Pune",
    "StateOrRegion": "MH",
    "PostalCode": "411001",
    "Phone": "9999999999"
  }
}`

const amazonItemsJSON = `{
  "payload": {
    "OrderItems": [
      {
        "SellerSKU": "TSHIRT-M",
        "Title": "T-Shirt",
        "QuantityOrdered": 2,
        "ItemPrice": {"Amount": "998.00"},
        "ItemTax": {"Amount": "100.00"}
      }
    ]
  }
}`

func TestFetchOrders_PaginationAndNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "at-0", r.Header.Get("x-amz-access-token"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/orders/v0/orders":
			q := r.URL.Query()
			require.Equal(t, "A21TJRUUN4KGV", q.Get("MarketplaceIds"))
			if cursor := q.Get("NextToken"); cursor != "" {
				// страница по курсору не несёт фильтров первой страницы
				require.Equal(t, "NT-1", cursor)
				require.Empty(t, q.Get("CreatedAfter"))
				_, _ = w.Write([]byte(`{"payload": {"Orders": [], "NextToken": ""}}`))
				return
			}
			require.Equal(t, "2025-05-01T00:00:00Z", q.Get("CreatedAfter"))
			require.Equal(t, "25", q.Get("MaxResultsPerPage"))
			_, _ = w.Write([]byte(`{"payload": {"Orders": [` + amazonOrderJSON + `], "NextToken": "NT-1"}}`))
		case "/orders/v0/orders/408-123/orderItems":
			_, _ = w.Write([]byte(amazonItemsJSON))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, marketplaces.Credentials{
		"base_url":     srv.URL,
		"access_token": "at-0",
	})

	orders, cursor, err := a.FetchOrders(context.Background(), marketplaces.FetchOrdersRequest{
		From:  time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Limit: 25,
	})
	require.NoError(t, err)
	require.Equal(t, "NT-1", cursor)
	require.Len(t, orders, 1)

	o := orders[0]
	require.Equal(t, "408-123", o.ExternalOrderID)
	require.Equal(t, models.ChannelAmazon, o.Channel)
	require.Equal(t, models.PaymentModeCOD, o.PaymentMode)
	require.Equal(t, time.Date(2025, 5, 1, 6, 30, 0, 0, time.UTC), o.OrderDate)
	require.Equal(t, "Asha Rao", o.CustomerName)
	require.Equal(t, "9999999999", o.CustomerPhone)
	require.Equal(t, "12 MG Road, Flat 4", o.ShippingAddress)
	require.Equal(t, "411001", o.ShippingPincode)
	// OrderTotal вендора имеет приоритет над суммой строк
	require.True(t, o.GrandTotal.Equal(decimal.RequireFromString("1098.00")))
	require.NotEmpty(t, o.Raw)

	require.Len(t, o.Lines, 1)
	require.Equal(t, "TSHIRT-M", o.Lines[0].ChannelSku)
	require.EqualValues(t, 2, o.Lines[0].Quantity)
	// ItemPrice приходит суммой по строке
	require.True(t, o.Lines[0].UnitPrice.Equal(decimal.RequireFromString("499.00")))
	require.True(t, o.Lines[0].Tax.Equal(decimal.RequireFromString("100.00")))

	orders, cursor, err = a.FetchOrders(context.Background(), marketplaces.FetchOrdersRequest{Cursor: "NT-1"})
	require.NoError(t, err)
	require.Empty(t, orders)
	require.Empty(t, cursor)
}

func TestGetOrder_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newTestAdapter(t, marketplaces.Credentials{
		"base_url":     srv.URL,
		"access_token": "at-0",
	})
	o, err := a.GetOrder(context.Background(), "408-404")
	require.NoError(t, err)
	require.Nil(t, o)
}
