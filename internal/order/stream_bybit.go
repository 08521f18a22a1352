package order

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"autogrid-core/pkg/exchanges/common"
)

const (
	bybitPrivateWSURL        = "wss://stream.bybit.com/v5/private"
	bybitPrivateWSTestnetURL = "wss://stream-testnet.bybit.com/v5/private"
	bybitWSAuthExpiryWindow  = 10 * time.Second
	bybitWSPingInterval      = 20 * time.Second
)

// BybitStream listens to the Bybit v5 private order-update topic and feeds
// normalized snapshots into a Manager.
type BybitStream struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Manager   *Manager
}

func NewBybitStream(apiKey, apiSecret string, testnet bool, mgr *Manager) *BybitStream {
	return &BybitStream{APIKey: apiKey, APISecret: apiSecret, Testnet: testnet, Manager: mgr}
}

// Run blocks, reconnecting with backoff, until ctx is cancelled.
func (s *BybitStream) Run(ctx context.Context) {
	runWithReconnect(ctx, "bybit user stream", s.connectOnce)
}

func (s *BybitStream) connectOnce(ctx context.Context) error {
	url := bybitPrivateWSURL
	if s.Testnet {
		url = bybitPrivateWSTestnetURL
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": []string{"order"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx, conn)

	log.Printf("bybit user stream connected (testnet=%v)", s.Testnet)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

// authenticate performs the Bybit v5 WebSocket auth handshake: sign
// "GET/realtime{expires}" with the API secret and send it as the op=auth
// frame before any subscription is accepted.
func (s *BybitStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(bybitWSAuthExpiryWindow).UnixMilli()
	payload := fmt.Sprintf("GET/realtime%d", expires)
	h := hmac.New(sha256.New, []byte(s.APISecret))
	h.Write([]byte(payload))
	signature := hex.EncodeToString(h.Sum(nil))

	return conn.WriteJSON(map[string]any{
		"op":   "auth",
		"args": []any{s.APIKey, expires, signature},
	})
}

func (s *BybitStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(bybitWSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]any{"op": "ping"}); err != nil {
				log.Printf("bybit user stream: ping error: %v", err)
			}
		}
	}
}

func (s *BybitStream) handleMessage(msg []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return
	}
	if envelope.Topic != "order" {
		return
	}

	var updates []struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
		CumExecFee  string `json:"cumExecFee"`
		FeeCurrency string `json:"feeCurrency"`
	}
	if err := json.Unmarshal(envelope.Data, &updates); err != nil {
		log.Printf("bybit user stream: order update parse error: %v", err)
		return
	}

	for _, u := range updates {
		s.Manager.ApplyExchangeUpdate(context.Background(), common.OrderSnapshot{
			ExchangeOrderID: u.OrderID,
			Status:          mapBybitOrderStatus(u.OrderStatus),
			FilledQty:       parseBybitFloat(u.CumExecQty),
			AverageFill:     parseBybitFloat(u.AvgPrice),
			FeeCost:         parseBybitFloat(u.CumExecFee),
			FeeCurrency:     u.FeeCurrency,
		})
	}
}

func mapBybitOrderStatus(s string) common.OrderStatus {
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

func parseBybitFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
