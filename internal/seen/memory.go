package seen

import (
	"context"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/puzpuzpuz/xsync/v4"
)

// Memory is a process-local Cache.
type Memory struct {
	keys *xsync.Map[string, struct{}]
}

func NewMemory() *Memory {
	return &Memory{keys: xsync.NewMap[string, struct{}]()}
}

func (m *Memory) Seen(_ context.Context, address string, coin domain.CoinType, txID string) bool {
	_, ok := m.keys.Load(key(address, coin, txID))
	return ok
}

func (m *Memory) Mark(_ context.Context, address string, coin domain.CoinType, txID string) {
	m.keys.Store(key(address, coin, txID), struct{}{})
}

func (m *Memory) Len() int {
	return m.keys.Size()
}
