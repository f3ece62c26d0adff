// Package vendorhttp — общий http-клиент для интеграций с внешними
// вендорами: один клиент на адаптер, ограниченный таймаут, circuit breaker.
package vendorhttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultTimeout — верхняя граница любого сетевого вызова адаптера.
const DefaultTimeout = 30 * time.Second

// Client оборачивает http.Client в circuit breaker. Открытый breaker
// выглядит для вызывающего как обычный сбой транспорта.
type Client struct {
	httpc *http.Client
	cb    *gobreaker.CircuitBreaker
}

func New(name string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("vendor breaker state changed",
				"vendor", name, "from", from.String(), "to", to.String())
		},
	}
	return &Client{
		httpc: &http.Client{Timeout: timeout},
		cb:    gobreaker.NewCircuitBreaker(st),
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx считаем сбоем для breaker, но ответ отдаём вызывающему.
		if resp.StatusCode >= 500 {
			return resp, errHTTP5xx
		}
		return resp, nil
	})
	if res != nil {
		resp := res.(*http.Response)
		if err == errHTTP5xx {
			return resp, nil
		}
		return resp, err
	}
	return nil, err
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errHTTP5xx = sentinelError("http 5xx")
