// Package handlerapi is the narrow surface user handler code is written
// against (spec §6): on/onParallel registration, and the event/context
// shape passed to each invocation. It has no dependency on the Syncer or
// Processor internals — only on dbctx.Context and a caller-supplied RPC
// interface — so example and user handler packages (see examples/handlers)
// can be compiled and unit tested independently.
package handlerapi

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/kyomei-indexer/kyomei/internal/dbctx"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// Mode is a handler's declared dispatch mode (spec §4.H).
type Mode string

const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

// EventKey is the parsed "ContractName:EventName" registration key.
type EventKey struct {
	Contract string
	Event    string
}

func (k EventKey) String() string { return k.Contract + ":" + k.Event }

// ParseEventKey validates the "Contract:Event" format.
func ParseEventKey(s string) (EventKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return EventKey{}, fmt.Errorf("invalid event key %q: expected \"Contract:Event\"", s)
	}
	return EventKey{Contract: parts[0], Event: parts[1]}, nil
}

// BlockInfo, TxInfo and LogInfo mirror spec §6's handler context shape.
type BlockInfo struct {
	Number    uint64
	Hash      string
	Timestamp uint64
}

type TxInfo struct {
	Hash  string
	From  string
	To    string
	Index uint
}

type LogInfo struct {
	Index   uint
	Address string
}

// Event is the decoded event plus its envelope, exactly as described in
// spec §6: `{ args, block, transaction, log }`.
type Event struct {
	Args        []models.Arg
	Block       BlockInfo
	Transaction TxInfo
	Log         LogInfo
}

// Arg looks up a named argument the way models.DecodedEvent does.
func (e Event) Arg(name string) (any, bool) {
	for _, a := range e.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

func (e Event) BigInt(name string) (*big.Int, bool) {
	v, ok := e.Arg(name)
	if !ok {
		return nil, false
	}
	n, ok := v.(*big.Int)
	return n, ok
}

func (e Event) String(name string) (string, bool) {
	v, ok := e.Arg(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// RPC is the Cached RPC Client surface exposed to handlers (spec §4.H).
type RPC interface {
	ReadContract(ctx context.Context, pinnedBlock uint64, contract, method string, args ...any) (json []byte, err error)
	GetBalance(ctx context.Context, pinnedBlock uint64, address string) (json []byte, err error)
	GetBlock(ctx context.Context, pinnedBlock uint64) (json []byte, err error)
	GetTransactionReceipt(ctx context.Context, pinnedBlock uint64, txHash string) (json []byte, err error)
}

// Context is passed to every handler invocation.
type Context struct {
	Event Event
	DB    *dbctx.Context
	RPC   RPC
}

// Func is the signature every registered handler implements.
type Func func(ctx context.Context, hctx Context) error

type registration struct {
	mode Mode
	fn   Func
}

// Validator checks that a contract name and event name are known before
// registration succeeds (spec §4.H: "validates the contract name exists
// in the chain's contract set and the event name exists in its ABI").
type Validator interface {
	Validate(contractName, eventName string) error
}

// Registry holds the ordered, per-key handler lists the Processor
// dispatches against — list-of-lists keyed by event, per spec §9's
// "no runtime reflection required" design note.
type Registry struct {
	validator Validator
	handlers  map[EventKey][]registration
}

func NewRegistry(v Validator) *Registry {
	return &Registry{validator: v, handlers: make(map[EventKey][]registration)}
}

// On registers a sequential handler for eventKey.
func (r *Registry) On(eventKey string, fn Func) error {
	return r.register(eventKey, Sequential, fn)
}

// OnParallel registers a parallel-safe handler for eventKey.
func (r *Registry) OnParallel(eventKey string, fn Func) error {
	return r.register(eventKey, Parallel, fn)
}

func (r *Registry) register(eventKey string, mode Mode, fn Func) error {
	key, err := ParseEventKey(eventKey)
	if err != nil {
		return err
	}
	if r.validator != nil {
		if err := r.validator.Validate(key.Contract, key.Event); err != nil {
			return fmt.Errorf("register %q: %w", eventKey, err)
		}
	}
	r.handlers[key] = append(r.handlers[key], registration{mode: mode, fn: fn})
	return nil
}

// Lookup returns the ordered handler list registered for key.
func (r *Registry) Lookup(key EventKey) []Func {
	regs := r.handlers[key]
	fns := make([]Func, len(regs))
	for i, reg := range regs {
		fns[i] = reg.fn
	}
	return fns
}

// Modes returns the dispatch mode parallel to Lookup's order, so the
// Processor can split a key's handlers into sequential vs parallel
// groups without a second map lookup.
func (r *Registry) Modes(key EventKey) []Mode {
	regs := r.handlers[key]
	modes := make([]Mode, len(regs))
	for i, reg := range regs {
		modes[i] = reg.mode
	}
	return modes
}
