package chainfeed

import (
	"strings"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultScale is the smallest-unit exponent shared by both supported chains.
const DefaultScale = 8

// NativeConfig describes the native-coin chain explorer. One native coin
// buys one credit.
func NativeConfig(baseURL string, rps float64, timeout time.Duration) Config {
	return Config{
		Name:              "native",
		CoinType:          domain.CoinNative,
		EndpointTemplate:  strings.TrimRight(baseURL, "/") + "/address/%s/transactions",
		Scale:             DefaultScale,
		Rate:              decimal.NewFromInt(1),
		TransferTypes:     []string{"transfer"},
		ResultsPath:       "transactions",
		TxIDPath:          "hash",
		ToPath:            "to",
		AmountPath:        "value",
		TypePath:          "type",
		RequestsPerSecond: rps,
		Timeout:           timeout,
	}
}

// TokenConfig describes the token-layer indexer. Contract operations such as
// deploy or mint carry other op tags and never qualify.
func TokenConfig(baseURL string, rate decimal.Decimal, rps float64, timeout time.Duration) Config {
	return Config{
		Name:              "token",
		CoinType:          domain.CoinToken,
		EndpointTemplate:  strings.TrimRight(baseURL, "/") + "/address/%s/history",
		Scale:             DefaultScale,
		Rate:              rate,
		TransferTypes:     []string{"transfer"},
		ResultsPath:       "result.list",
		TxIDPath:          "txid",
		ToPath:            "to",
		AmountPath:        "amount",
		TypePath:          "op",
		RequestsPerSecond: rps,
		Timeout:           timeout,
	}
}
