package syncer

import (
	"fmt"
	"strings"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// factoryWatcher recognizes logs emitted by a configured factory contract
// and turns them into child-contract candidates (spec §4.G's "Factory
// watching"). Matching is pure and side-effect free; the caller decides
// whether to persist and broadcast within its own transaction.
type factoryWatcher struct {
	abi *abidecoder.Registry
	// byParentAddress maps a lowercased parent contract address to every
	// factory descriptor bound to it.
	byParentAddress map[string][]boundFactory
}

type boundFactory struct {
	desc         models.FactoryDescriptor
	parentName   string
}

func newFactoryWatcher(contracts []models.ContractDescriptor, factories []models.FactoryDescriptor, abi *abidecoder.Registry) *factoryWatcher {
	byName := make(map[string]string) // contract name -> lowercase address
	for _, c := range contracts {
		if c.Factory == nil && c.Address != "" {
			byName[c.Name] = strings.ToLower(c.Address)
		}
	}

	w := &factoryWatcher{abi: abi, byParentAddress: make(map[string][]boundFactory)}
	for _, f := range factories {
		addr, ok := byName[f.ParentContractName]
		if !ok {
			continue // parent is itself dynamic or unconfigured; nothing to bind yet
		}
		w.byParentAddress[addr] = append(w.byParentAddress[addr], boundFactory{desc: f, parentName: f.ParentContractName})
	}
	return w
}

// Match decodes raw against any factory bound to raw.Address and,
// if the log is the factory's configured child-creation event, returns
// the discovered child as a FactoryChild row candidate.
func (w *factoryWatcher) Match(raw models.RawEvent) (models.FactoryChild, bool, error) {
	bindings, ok := w.byParentAddress[strings.ToLower(raw.Address)]
	if !ok {
		return models.FactoryChild{}, false, nil
	}

	for _, b := range bindings {
		eventName, ok := w.abi.EventName(b.parentName, raw.Topic0)
		if !ok || eventName != b.desc.EventName {
			continue
		}

		decoded, err := w.abi.Decode(raw, b.parentName)
		if err != nil {
			return models.FactoryChild{}, false, fmt.Errorf("decode factory event %q: %w", b.desc.EventName, err)
		}

		childAddr, ok := decoded.String(b.desc.ChildAddressArg)
		if !ok {
			return models.FactoryChild{}, false, fmt.Errorf("factory event %q missing child address arg %q", b.desc.EventName, b.desc.ChildAddressArg)
		}

		return models.FactoryChild{
			ChainID:         raw.ChainID,
			ChildAddress:    strings.ToLower(childAddr),
			FactoryAddress:  strings.ToLower(raw.Address),
			ContractName:    b.desc.ChildContractName,
			DiscoveryBlock:  raw.BlockNumber,
			DiscoveryTxHash: raw.TxHash,
			DiscoveryLogIdx: raw.LogIndex,
		}, true, nil
	}

	return models.FactoryChild{}, false, nil
}
