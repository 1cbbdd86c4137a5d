package syncer

import (
	"strings"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// rawEventsFromBlock converts one delivered BlockLogs into the RawEvent
// rows the raw-event store persists.
func rawEventsFromBlock(chainID uint64, b chain.BlockLogs) []models.RawEvent {
	out := make([]models.RawEvent, 0, len(b.Logs))
	for _, l := range b.Logs {
		out = append(out, rawEventFromLog(chainID, b, l))
	}
	return out
}

func rawEventFromLog(chainID uint64, b chain.BlockLogs, l types.Log) models.RawEvent {
	r := models.RawEvent{
		ChainID:        chainID,
		BlockNumber:    b.Number,
		TxIndex:        l.TxIndex,
		LogIndex:       l.Index,
		BlockHash:      b.Hash,
		BlockTimestamp: b.Timestamp,
		TxHash:         strings.ToLower(l.TxHash.Hex()),
		Address:        strings.ToLower(l.Address.Hex()),
		Data:           l.Data,
	}
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = strings.ToLower(t.Hex())
	}
	if len(topics) > 0 {
		r.Topic0 = topics[0]
	}
	if len(topics) > 1 {
		r.Topic1 = &topics[1]
	}
	if len(topics) > 2 {
		r.Topic2 = &topics[2]
	}
	if len(topics) > 3 {
		r.Topic3 = &topics[3]
	}
	return r
}
