package processor

import (
	"context"
	"strings"
	"sync"

	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// contractIndex resolves a raw event's address to the configured contract
// name it should decode against — static contracts are known at startup,
// dynamic ones come from factory_children and are refreshed at block
// boundaries (spec §5(v)). Copy-on-write, since readers (the dispatch
// loop) and the writer (Refresh) run on different schedules.
type contractIndex struct {
	mu         sync.RWMutex
	byAddress  map[string]string // address -> contract name (static ∪ dynamic)
	staticAddr map[string]string // contract name -> address, static only
}

func newContractIndex(contracts []models.ContractDescriptor) *contractIndex {
	byAddress := make(map[string]string)
	staticAddr := make(map[string]string)
	for _, c := range contracts {
		if c.Factory == nil && c.Address != "" {
			addr := strings.ToLower(c.Address)
			byAddress[addr] = c.Name
			staticAddr[c.Name] = addr
		}
	}
	return &contractIndex{byAddress: byAddress, staticAddr: staticAddr}
}

// Resolve returns the contract name registered for address, if any.
func (idx *contractIndex) Resolve(address string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	name, ok := idx.byAddress[strings.ToLower(address)]
	return name, ok
}

// StaticAddress returns the single configured address for a static
// contract name, if any — used by the RPC adapter when a handler passes
// a contract name instead of an address.
func (idx *contractIndex) StaticAddress(name string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	addr, ok := idx.staticAddr[name]
	return addr, ok
}

// Refresh re-reads factory_children and rebuilds the address map,
// swapping it in atomically — the "re-read the factory registry at every
// block boundary" rule that makes discovery causally visible without a
// shared in-process reference between Syncer and Processor.
func (idx *contractIndex) Refresh(ctx context.Context, chainID uint64, st *store.Store) error {
	children, err := st.ListFactoryChildren(ctx, chainID)
	if err != nil {
		return err
	}

	idx.mu.RLock()
	next := make(map[string]string, len(idx.byAddress)+len(children))
	for addr, name := range idx.byAddress {
		next[addr] = name
	}
	idx.mu.RUnlock()

	for _, c := range children {
		next[strings.ToLower(c.ChildAddress)] = c.ContractName
	}

	idx.mu.Lock()
	idx.byAddress = next
	idx.mu.Unlock()
	return nil
}
