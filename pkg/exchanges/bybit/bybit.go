// Package bybit implements the exchange/common.Gateway contract for the
// Bybit v5 unified spot API.
package bybit

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

// Config holds Bybit credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a Bybit v5 unified-account spot client implementing
// common.Gateway.
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
	base := "https://api.bybit.com"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
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
	client.rateLimiter = common.NewRateLimiter(600, time.Minute)
	return client
}

// Connect validates credentials and preloads instrument filters.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.AuthError{Err: errors.New("bybit: API key/secret required")}
	}
	if _, err := c.fetchWalletBalance(ctx); err != nil {
		return &common.AuthError{Err: err}
	}
	return c.loadInstruments(ctx)
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return common.Ticker{}, err
	}
	endpoint := fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", c.baseURL, url.QueryEscape(symbol))
	body, err := c.doPublic(ctx, http.MethodGet, endpoint)
	if err != nil {
		return common.Ticker{}, err
	}
	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(resp.Result.List) == 0 {
		return common.Ticker{}, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	t := resp.Result.List[0]
	last := toFloat(t.LastPrice)
	bid := toFloat(t.Bid1Price)
	ask := toFloat(t.Ask1Price)
	if last == 0 {
		last = (bid + ask) / 2
	}
	return common.Ticker{Last: last, Bid: bid, Ask: ask}, nil
}

func (c *Client) FetchBalance(ctx context.Context) (common.Balance, error) {
	info, err := c.fetchWalletBalance(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	bal := common.Balance{Free: map[string]float64{}, Total: map[string]float64{}}
	for _, acct := range info.Result.List {
		for _, coin := range acct.Coin {
			free := toFloat(coin.AvailableToWithdraw)
			total := toFloat(coin.WalletBalance)
			if free == 0 && total == 0 {
				continue
			}
			bal.Free[coin.Coin] = free
			bal.Total[coin.Coin] = total
		}
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
	if err := c.loadInstruments(ctx); err != nil {
		return common.MarketMetadata{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok = c.metadata[symbol]
	if !ok {
		return common.MarketMetadata{}, fmt.Errorf("bybit: unknown symbol %s", symbol)
	}
	return m, nil
}

func (c *Client) loadInstruments(ctx context.Context) error {
	endpoint := c.baseURL + "/v5/market/instruments-info?category=spot"
	body, err := c.doPublic(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}
	var resp struct {
		Result struct {
			List []struct {
				Symbol     string `json:"symbol"`
				LotSizeFlt struct {
					BasePrecision  string `json:"basePrecision"`
					MinOrderQty    string `json:"minOrderQty"`
					MinOrderAmt    string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode instruments: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range resp.Result.List {
		c.metadata[s.Symbol] = common.MarketMetadata{
			MinQty:      toFloat(s.LotSizeFlt.MinOrderQty),
			StepSize:    toFloat(s.LotSizeFlt.BasePrecision),
			MinNotional: toFloat(s.LotSizeFlt.MinOrderAmt),
		}
	}
	return nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, &common.AuthError{Err: errors.New("bybit: API key/secret required")}
	}
	if req.Type == common.OrderTypeLimit && req.Price <= 0 {
		return common.OrderResult{}, common.ErrLimitWithoutPrice
	}

	payload := map[string]any{
		"category":  "spot",
		"symbol":    req.Symbol,
		"side":      toBybitSide(req.Side),
		"orderType": toBybitOrderType(req.Type),
		"qty":       formatFloat(req.Qty),
	}
	if req.Type == common.OrderTypeLimit {
		payload["price"] = formatFloat(req.Price)
		payload["timeInForce"] = toBybitTIF(req.TimeInForce)
	}
	if req.ClientID != "" {
		payload["orderLinkId"] = req.ClientID
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: resp.Result.OrderID,
		Status:          common.StatusOpen,
		ClientID:        resp.Result.OrderLinkID,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.AuthError{Err: errors.New("bybit: API key/secret required")}
	}
	payload := map[string]any{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel", payload)
	return err
}

func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderSnapshot, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderSnapshot{}, &common.AuthError{Err: errors.New("bybit: API key/secret required")}
	}
	endpoint := fmt.Sprintf("/v5/order/realtime?category=spot&symbol=%s&orderId=%s", url.QueryEscape(symbol), url.QueryEscape(exchangeOrderID))
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return common.OrderSnapshot{}, err
	}
	var resp struct {
		Result struct {
			List []struct {
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				CumExecFee  string `json:"cumExecFee"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderSnapshot{}, fmt.Errorf("decode order: %w", err)
	}
	if len(resp.Result.List) == 0 {
		return common.OrderSnapshot{}, fmt.Errorf("bybit: order %s not found", exchangeOrderID)
	}
	o := resp.Result.List[0]
	return common.OrderSnapshot{
		ExchangeOrderID: exchangeOrderID,
		Status:          mapStatus(o.OrderStatus),
		FilledQty:       toFloat(o.CumExecQty),
		AverageFill:     toFloat(o.AvgPrice),
		FeeCost:         toFloat(o.CumExecFee),
	}, nil
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]common.Kline, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)
	params.Set("interval", toBybitInterval(timeframe))
	if since > 0 {
		params.Set("start", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/v5/market/kline?" + params.Encode()
	body, err := c.doPublic(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	klines := make([]common.Kline, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, common.Kline{
			OpenTime: ts,
			Open:     toFloat(row[1]),
			High:     toFloat(row[2]),
			Low:      toFloat(row[3]),
			Close:    toFloat(row[4]),
			Volume:   toFloat(row[5]),
		})
	}
	// Bybit returns newest-first; the strategy engine expects oldest-first.
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}

func (c *Client) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]common.MyTrade, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &common.AuthError{Err: errors.New("bybit: API key/secret required")}
	}
	endpoint := fmt.Sprintf("/v5/execution/list?category=spot&symbol=%s", url.QueryEscape(symbol))
	if since > 0 {
		endpoint += "&startTime=" + strconv.FormatInt(since, 10)
	}
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}
	body, err := c.doSigned(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []struct {
				ExecID      string `json:"execId"`
				OrderID     string `json:"orderId"`
				Side        string `json:"side"`
				ExecPrice   string `json:"execPrice"`
				ExecQty     string `json:"execQty"`
				ExecFee     string `json:"execFee"`
				FeeCurrency string `json:"feeCurrency"`
				ExecTime    string `json:"execTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	trades := make([]common.MyTrade, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		ts, _ := strconv.ParseInt(t.ExecTime, 10, 64)
		side := common.SideSell
		if strings.EqualFold(t.Side, "Buy") {
			side = common.SideBuy
		}
		trades = append(trades, common.MyTrade{
			ID:              t.ExecID,
			ExchangeOrderID: t.OrderID,
			Side:            side,
			Price:           toFloat(t.ExecPrice),
			Qty:             toFloat(t.ExecQty),
			FeeCost:         toFloat(t.ExecFee),
			FeeCurrency:     t.FeeCurrency,
			Timestamp:       ts,
		})
	}
	return trades, nil
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doPublic performs an unsigned GET request against a public endpoint.
func (c *Client) doPublic(ctx context.Context, method, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return nil, &common.RetryableError{Err: fmt.Errorf("bybit %s status %d: %s", endpoint, res.StatusCode, string(body))}
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("bybit %s status %d: %s", endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

// doSigned signs the request per Bybit v5's HMAC scheme: the signature
// covers timestamp+apiKey+recvWindow+payload, where payload is the query
// string of path, as sent, for GET or the raw JSON body for POST.
func (c *Client) doSigned(ctx context.Context, method, path string, payload map[string]any) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(c.now(), 10)
	recvWindow := strconv.FormatInt(c.cfg.RecvWindow, 10)

	var (
		req        *http.Request
		err        error
		signTarget string
	)
	switch method {
	case http.MethodGet:
		signTarget = ts + c.cfg.APIKey + recvWindow
		if i := strings.Index(path, "?"); i >= 0 {
			signTarget += path[i+1:]
		}
		endpoint := c.baseURL + path
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		body, mErr := json.Marshal(payload)
		if mErr != nil {
			return nil, fmt.Errorf("encode payload: %w", mErr)
		}
		signTarget = ts + c.cfg.APIKey + recvWindow + string(body)
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(string(body)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	sig := sign(signTarget, c.cfg.APISecret)
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sig)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: err}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return nil, &common.RetryableError{Err: fmt.Errorf("bybit %s %s status %d: %s", method, path, res.StatusCode, string(body))}
	}
	if res.StatusCode == 401 || res.StatusCode == 403 {
		return nil, &common.AuthError{Err: fmt.Errorf("bybit %s %s status %d: %s", method, path, res.StatusCode, string(body))}
	}

	var env struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.RetCode != 0 {
		return nil, &common.RejectedError{Err: fmt.Errorf("bybit %s %s: retCode=%d msg=%s", method, path, env.RetCode, env.RetMsg)}
	}
	return body, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime() (int64, error) {
	res, err := c.httpClient.Get(c.baseURL + "/v5/market/time")
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	var resp struct {
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return 0, err
	}
	nano, _ := strconv.ParseInt(resp.Result.TimeNano, 10, 64)
	return nano / 1_000_000, nil
}

type walletBalanceResponse struct {
	Result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	} `json:"result"`
}

func (c *Client) fetchWalletBalance(ctx context.Context) (*walletBalanceResponse, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED", nil)
	if err != nil {
		return nil, err
	}
	var resp walletBalanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode wallet balance: %w", err)
	}
	return &resp, nil
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return common.StatusOpen
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return common.StatusCanceled
	case "Rejected", "Deactivated":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func toBybitSide(s common.Side) string {
	if s == common.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func toBybitOrderType(t common.OrderType) string {
	if t == common.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func toBybitTIF(tif common.TimeInForce) string {
	switch tif {
	case common.TIFIOC:
		return "IOC"
	case common.TIFFOK:
		return "FOK"
	default:
		return "GTC"
	}
}

func toBybitInterval(timeframe string) string {
	switch timeframe {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return timeframe
	}
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
