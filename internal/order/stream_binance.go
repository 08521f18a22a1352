package order

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"autogrid-core/pkg/exchanges/common"
)

// listenKeyer is the subset of the Binance client a BinanceStream needs;
// declared locally so this file only depends on common, not the concrete
// Binance package.
type listenKeyer interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// BinanceStream listens to a Binance spot user-data stream and feeds
// normalized execution reports into a Manager.
type BinanceStream struct {
	Client  listenKeyer
	Manager *Manager
	Testnet bool
}

func NewBinanceStream(client listenKeyer, mgr *Manager, testnet bool) *BinanceStream {
	return &BinanceStream{Client: client, Manager: mgr, Testnet: testnet}
}

// Run blocks, reconnecting with backoff, until ctx is cancelled.
func (s *BinanceStream) Run(ctx context.Context) {
	runWithReconnect(ctx, "binance user stream", s.connectOnce)
}

func (s *BinanceStream) connectOnce(ctx context.Context) error {
	listenKey, err := s.Client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, binanceStreamURL(s.Testnet, listenKey), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	keepAliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(keepAliveCtx, listenKey)

	log.Printf("binance user stream connected (testnet=%v)", s.Testnet)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *BinanceStream) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Client.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("binance user stream: keepalive error: %v", err)
			}
		}
	}
}

func binanceStreamURL(testnet bool, listenKey string) string {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}

func (s *BinanceStream) handleMessage(msg []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("binance user stream: parse error: %v", err)
		return
	}
	eventRaw, ok := raw["e"]
	if !ok {
		return
	}
	var eventType string
	if err := json.Unmarshal(eventRaw, &eventType); err != nil {
		return
	}
	if eventType != "executionReport" {
		return
	}

	var rep struct {
		Side            string `json:"S"`
		Status          string `json:"X"`
		ExecutionType   string `json:"x"`
		OrderID         int64  `json:"i"`
		CumulativeQty   string `json:"z"`
		CumulativeQuote string `json:"Z"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		log.Printf("binance user stream: execution report parse error: %v", err)
		return
	}
	if rep.ExecutionType != "TRADE" && rep.ExecutionType != "CANCELED" {
		return
	}

	cumQty := toFloat(rep.CumulativeQty)
	cumQuote := toFloat(rep.CumulativeQuote)
	avg := 0.0
	if cumQty > 0 {
		avg = cumQuote / cumQty
	}

	s.Manager.ApplyExchangeUpdate(context.Background(), common.OrderSnapshot{
		ExchangeOrderID: strconv.FormatInt(rep.OrderID, 10),
		Status:          mapExecutionStatus(rep.Status),
		FilledQty:       cumQty,
		AverageFill:     avg,
		FeeCost:         toFloat(rep.Commission),
		FeeCurrency:     rep.CommissionAsset,
	})
}

func mapExecutionStatus(s string) common.OrderStatus {
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

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
