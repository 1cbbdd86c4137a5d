// Package models defines the wire and row shapes shared across the
// indexer: chain/contract descriptors, raw events, and the persisted
// coordination rows the Syncer and Processor use as their source of
// truth.
package models

import "time"

// SourceKind selects which Block Source adapter a chain uses.
type SourceKind string

const (
	SourcePollingRPC       SourceKind = "rpc"
	SourceArchivalQuery    SourceKind = "archival"
	SourceValidatedStream  SourceKind = "validated_stream"
)

// SourceConfig describes how to reach a chain's block data.
type SourceConfig struct {
	Kind     SourceKind
	Endpoint string
	// WSEndpoint is used by the polling and validated-stream sources for
	// live block subscription; optional.
	WSEndpoint string
	// AuthHeader is read from the descriptor file; no Block Source
	// adapter sends it, so RPC calls carry no Authorization header.
	AuthHeader string
}

// Finality expresses how many blocks behind the tip a source without
// validated data should treat as stable. Only Depth is used; Named is
// read from the descriptor file but no source or worker consults it.
type Finality struct {
	Depth uint64
	Named string
}

// ChainDescriptor is the static configuration for one indexed chain.
type ChainDescriptor struct {
	Name           string
	ChainID        uint64
	Source         SourceConfig
	PollingInterval time.Duration
	Finality       Finality
}

// ContractDescriptor binds a name to an address (or a factory) plus its ABI.
type ContractDescriptor struct {
	Name    string
	ChainID uint64
	// Address is the checksummed/lowercased 20-byte address for static
	// contracts. Empty when Factory is set.
	Address string
	// Factory, when non-nil, means this descriptor's instances are
	// discovered dynamically rather than statically configured.
	Factory *FactoryRef
	ABI     ABI
	// StartBlock, when nonzero, feeds the chain-wide start block: the
	// earliest nonzero StartBlock across the chain's contracts. It does
	// not bound this contract on its own. EndBlock is read from the
	// descriptor file but nothing uses it.
	StartBlock uint64
	EndBlock   uint64
}

// FactoryRef names the parent factory contract that spawns instances of
// this contract.
type FactoryRef struct {
	FactoryName string
}

// FactoryDescriptor configures a factory: the event that announces a new
// child, and how to project the child's address and ABI name out of the
// event's decoded args.
type FactoryDescriptor struct {
	ParentContractName string
	EventName          string
	// ChildAddressArg is the decoded event argument name holding the new
	// child's address.
	ChildAddressArg string
	// ChildContractName is the name of the ContractDescriptor (with
	// Factory set) whose ABI new children should be decoded against.
	ChildContractName string
}

// ABI is a minimal, portable representation of a contract's event and
// function descriptors — enough to drive decoding without depending on
// go-ethereum's ABI JSON anywhere outside internal/abidecoder.
type ABI struct {
	RawJSON []byte
}
