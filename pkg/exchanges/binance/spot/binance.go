// Package spot implements the exchange/common.Gateway contract for
// Binance spot trading.
package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"autogrid-core/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a Binance spot trading client implementing common.Gateway.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter

	mu       sync.RWMutex
	metadata map[string]common.MarketMetadata
}

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metadata:   make(map[string]common.MarketMetadata),
	}
	client.timeSync = common.NewTimeSync(func() (int64, error) {
		return client.GetServerTime()
	})
	client.rateLimiter = common.NewRateLimiter(1200, time.Minute)
	return client
}

// Connect validates credentials and preloads exchange trading filters.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	if _, err := c.GetAccountInfo(ctx); err != nil {
		return &common.AuthError{Err: err}
	}
	return c.loadExchangeInfo(ctx)
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return common.Ticker{}, err
	}
	endpoint := c.baseURL + "/api/v3/ticker/bookTicker?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return common.Ticker{}, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.Ticker{}, &common.RetryableError{Err: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return common.Ticker{}, &common.RetryableError{Err: fmt.Errorf("ticker status %d", res.StatusCode)}
	}
	if res.StatusCode >= 300 {
		return common.Ticker{}, fmt.Errorf("ticker status %d: %s", res.StatusCode, string(body))
	}
	var t struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	bid, _ := strconv.ParseFloat(t.BidPrice, 64)
	ask, _ := strconv.ParseFloat(t.AskPrice, 64)
	return common.Ticker{Last: (bid + ask) / 2, Bid: bid, Ask: ask}, nil
}

func (c *Client) FetchBalance(ctx context.Context) (common.Balance, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	bal := common.Balance{Free: map[string]float64{}, Total: map[string]float64{}}
	for _, b := range info.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		bal.Free[b.Asset] = free
		bal.Total[b.Asset] = free + locked
	}
	return bal, nil
}

func (c *Client) MarketMetadata(ctx context.Context, symbol string) (common.MarketMetadata, error) {
	c.mu.RLock()
	m, ok := c.metadata[symbol]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	if err := c.loadExchangeInfo(ctx); err != nil {
		return common.MarketMetadata{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok = c.metadata[symbol]
	if !ok {
		return common.MarketMetadata{}, fmt.Errorf("binance: unknown symbol %s", symbol)
	}
	return m, nil
}

func (c *Client) loadExchangeInfo(ctx context.Context) error {
	endpoint := c.baseURL + "/api/v3/exchangeInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return &common.RetryableError{Err: err}
	}
	defer res.Body.Close()
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return fmt.Errorf("decode exchangeInfo: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		var md common.MarketMetadata
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				md.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
				md.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			case "MIN_NOTIONAL":
				md.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			case "NOTIONAL":
				md.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
			}
		}
		c.metadata[s.Symbol] = md
	}
	return nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	if req.Type == common.OrderTypeLimit && req.Price <= 0 {
		return common.OrderResult{}, common.ErrLimitWithoutPrice
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%d", resp.OrderID),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/api/v3/order", params)
	return err
}

func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderSnapshot, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderSnapshot{}, &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return common.OrderSnapshot{}, err
	}
	var ord struct {
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		CumQuote    string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &ord); err != nil {
		return common.OrderSnapshot{}, fmt.Errorf("decode order: %w", err)
	}
	filled, _ := strconv.ParseFloat(ord.ExecutedQty, 64)
	cumQuote, _ := strconv.ParseFloat(ord.CumQuote, 64)
	avg := 0.0
	if filled > 0 {
		avg = cumQuote / filled
	}
	return common.OrderSnapshot{
		ExchangeOrderID: exchangeOrderID,
		Status:          mapStatus(ord.Status),
		FilledQty:       filled,
		AverageFill:     avg,
	}, nil
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]common.Kline, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/api/v3/klines?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: err}
	}
	defer res.Body.Close()
	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	klines := make([]common.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		k := common.Kline{
			OpenTime: toInt64(row[0]),
			Open:     toFloat(row[1]),
			High:     toFloat(row[2]),
			Low:      toFloat(row[3]),
			Close:    toFloat(row[4]),
			Volume:   toFloat(row[5]),
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func (c *Client) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]common.MyTrade, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	var raw []rawMyTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode my trades: %w", err)
	}
	trades := make([]common.MyTrade, 0, len(raw))
	for _, t := range raw {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Qty, 64)
		fee, _ := strconv.ParseFloat(t.Commission, 64)
		side := common.SideSell
		if t.IsBuyer {
			side = common.SideBuy
		}
		trades = append(trades, common.MyTrade{
			ID:              fmt.Sprintf("%d", t.ID),
			ExchangeOrderID: fmt.Sprintf("%d", t.OrderID),
			Side:            side,
			Price:           price,
			Qty:             qty,
			FeeCost:         fee,
			FeeCurrency:     t.CommissionAsset,
			Timestamp:       t.Time,
		})
	}
	return trades, nil
}

// CancelAllOpenOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/api/v3/openOrders", params)
	return err
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: err}
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return nil, &common.RetryableError{Err: fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))}
	}
	if res.StatusCode == 401 || res.StatusCode == 403 {
		return nil, &common.AuthError{Err: fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))}
	}
	if res.StatusCode >= 300 {
		return nil, &common.RejectedError{Err: fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))}
	}
	return body, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v3/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// AccountInfo holds balances and permissions.
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// Balance represents an asset balance.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetAccountInfo returns account balances and basic flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &common.AuthError{Err: errors.New("binance: API key/secret required")}
	}
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

type rawMyTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusOpen
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED", "EXPIRED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}
