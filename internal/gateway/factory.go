package gateway

import (
	"fmt"

	"autogrid-core/internal/bot"
	exspot "autogrid-core/pkg/exchanges/binance/spot"
	"autogrid-core/pkg/exchanges/bybit"
	exchange "autogrid-core/pkg/exchanges/common"
)

// DefaultFactory builds a Gateway for a decrypted credential, selecting the
// adapter by venue.
func DefaultFactory(cred bot.Credential) (exchange.Gateway, error) {
	switch cred.Venue {
	case "binance":
		return exspot.New(exspot.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			Testnet:   cred.Testnet,
		}), nil

	case "bybit":
		return bybit.New(bybit.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			Testnet:   cred.Testnet,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported exchange venue: %s", cred.Venue)
	}
}
