package processor

import (
	"fmt"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// validator satisfies handlerapi.Validator: registration fails
// immediately unless the contract name is configured for this chain and
// the event name is declared in its ABI (spec §4.H).
type validator struct {
	contracts map[string]struct{}
	abi       *abidecoder.Registry
}

func newValidator(contracts []models.ContractDescriptor, abi *abidecoder.Registry) *validator {
	names := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		names[c.Name] = struct{}{}
	}
	return &validator{contracts: names, abi: abi}
}

// NewValidator exposes the same handlerapi.Validator the Processor
// builds internally, for a caller (the Service runner) that must build
// the handlerapi.Registry before the Processor exists.
func NewValidator(contracts []models.ContractDescriptor, abi *abidecoder.Registry) *validator {
	return newValidator(contracts, abi)
}

func (v *validator) Validate(contractName, eventName string) error {
	if _, ok := v.contracts[contractName]; !ok {
		return fmt.Errorf("unknown contract %q", contractName)
	}
	c, ok := v.abi.Get(contractName)
	if !ok {
		return fmt.Errorf("no ABI registered for contract %q", contractName)
	}
	if _, ok := c.ABI().Events[eventName]; !ok {
		return fmt.Errorf("event %q not found in contract %q's ABI", eventName, contractName)
	}
	return nil
}
