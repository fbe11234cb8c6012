package negotiation

import (
	"sync"

	"github.com/NethermindEth/agent-lounge/core"
)

// Ledger is the append-only record of settled trades. Readers may run on any
// goroutine.
type Ledger struct {
	records []core.TradeRecord
	mutex   sync.RWMutex
}

// NewLedger starts a ledger from previously persisted records.
func NewLedger(records ...core.TradeRecord) *Ledger {
	return &Ledger{records: append([]core.TradeRecord(nil), records...)}
}

func (l *Ledger) Append(rec core.TradeRecord) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.records = append(l.records, rec)
}

func (l *Ledger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.records)
}

// Records returns a copy of every trade, oldest first.
func (l *Ledger) Records() []core.TradeRecord {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return append([]core.TradeRecord(nil), l.records...)
}

// ForAgent returns the trades agentID took part in on either side.
func (l *Ledger) ForAgent(agentID string) []core.TradeRecord {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var out []core.TradeRecord
	for _, r := range l.records {
		if r.FromID == agentID || r.ToID == agentID {
			out = append(out, r)
		}
	}
	return out
}

// Volume is the sum of all settled prices.
func (l *Ledger) Volume() int64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var total int64
	for _, r := range l.records {
		total += r.Price
	}
	return total
}
