// Package processor implements the Processor component (spec §4.H):
// reads raw events in strict order, decodes them against the ABI,
// dispatches to registered handlers under a per-block transaction, and
// advances the process-worker row. Builds on the teacher's
// router.EventLogHandlerRouter (generalized from "one handler per
// signature, publish to NATS" into "ordered sequential/parallel handler
// lists per contract:event, committed against a DB+RPC context").
package processor

import (
	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/pkg/handlerapi"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// NewRegistry builds a handlerapi.Registry whose On/OnParallel calls are
// validated against this chain's configured contracts and their ABIs,
// per spec §4.H's "registration validates the contract name exists...
// and the event name exists in its ABI".
func NewRegistry(contracts []models.ContractDescriptor, abi *abidecoder.Registry) *handlerapi.Registry {
	return handlerapi.NewRegistry(newValidator(contracts, abi))
}
