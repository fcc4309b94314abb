// Package seen remembers external transactions already recorded in the
// ledger so that repeated reconciliation passes can skip them without a
// database round trip. A cache miss is always safe: the ledger's unique
// deposit key is the source of truth.
package seen

import (
	"context"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

type Cache interface {
	// Seen reports whether the deposit is known to be recorded.
	Seen(ctx context.Context, address string, coin domain.CoinType, txID string) bool
	// Mark records that the deposit is durably stored.
	Mark(ctx context.Context, address string, coin domain.CoinType, txID string)
}

func key(address string, coin domain.CoinType, txID string) string {
	return string(coin) + ":" + address + ":" + txID
}
