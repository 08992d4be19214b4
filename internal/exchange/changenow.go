package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const apiKeyHeader = "x-changenow-api-key"

// HTTPClient talks to a ChangeNOW-compatible v2 API.
type HTTPClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewHTTPClient(apiKey, baseURL string) *HTTPClient {
	return &HTTPClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type estimateResponse struct {
	ToAmount decimal.Decimal `json:"toAmount"`
}

func (c *HTTPClient) Estimate(ctx context.Context, fromCurrency, fromNetwork, toCurrency, toNetwork string, amount decimal.Decimal) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("fromCurrency", fromCurrency)
	q.Set("fromNetwork", fromNetwork)
	q.Set("toCurrency", toCurrency)
	q.Set("toNetwork", toNetwork)
	q.Set("fromAmount", amount.String())
	q.Set("flow", "fixed-rate")

	var resp estimateResponse
	if err := c.do(ctx, http.MethodGet, "/exchange/estimated-amount?"+q.Encode(), nil, "", &resp); err != nil {
		return decimal.Zero, errors.Wrap(err, "estimate swap")
	}
	return resp.ToAmount, nil
}

type createRequest struct {
	FromCurrency string `json:"fromCurrency"`
	FromNetwork  string `json:"fromNetwork"`
	ToCurrency   string `json:"toCurrency"`
	ToNetwork    string `json:"toNetwork"`
	FromAmount   string `json:"fromAmount"`
	Address      string `json:"address"`
	Flow         string `json:"flow"`
}

type createResponse struct {
	ID           string          `json:"id"`
	PayinAddress string          `json:"payinAddress"`
	ToAmount     decimal.Decimal `json:"toAmount"`
}

func (c *HTTPClient) CreateTransaction(ctx context.Context, params CreateParams) (*Transaction, error) {
	body := createRequest{
		FromCurrency: params.FromCurrency,
		FromNetwork:  params.FromNetwork,
		ToCurrency:   params.ToCurrency,
		ToNetwork:    params.ToNetwork,
		FromAmount:   params.Amount.String(),
		Address:      params.Address,
		Flow:         "fixed-rate",
	}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/exchange", body, params.IdempotencyKey, &resp); err != nil {
		return nil, errors.Wrap(err, "create swap order")
	}
	return &Transaction{
		ID:              resp.ID,
		PayinAddress:    resp.PayinAddress,
		EstimatedAmount: resp.ToAmount,
	}, nil
}

type statusResponse struct {
	Status   string          `json:"status"`
	AmountTo decimal.Decimal `json:"amountTo"`
}

func (c *HTTPClient) GetStatus(ctx context.Context, id string) (*Status, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/exchange/by-id?id="+url.QueryEscape(id), nil, "", &resp); err != nil {
		return nil, errors.Wrap(err, "get swap status")
	}
	return &Status{Status: resp.Status, AmountTo: resp.AmountTo}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call exchange api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read exchange response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := apiMessage(raw)
		if resp.StatusCode == http.StatusBadRequest && looksBelowMinimum(msg) {
			return ErrBelowMinimum
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode exchange response: %w", err)
	}
	return nil
}

func apiMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func looksBelowMinimum(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "out of range") || strings.Contains(lower, "minimal amount") || strings.Contains(lower, "min amount")
}
