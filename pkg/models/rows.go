package models

import "time"

// SyncWorkerStatus is the lifecycle state of a sync_workers row.
type SyncWorkerStatus string

const (
	SyncWorkerHistorical SyncWorkerStatus = "historical"
	SyncWorkerLive       SyncWorkerStatus = "live"
	SyncWorkerCompleted  SyncWorkerStatus = "completed"
)

// SyncWorker is the persisted coordination row for one sync worker.
// Primary key (ChainID, WorkerID); WorkerID 0 is reserved for the live
// worker.
type SyncWorker struct {
	ChainID      uint64
	WorkerID     int
	RangeStart   uint64
	RangeEnd     *uint64 // nil for the live worker
	CurrentBlock uint64
	Status       SyncWorkerStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Resumable reports whether this historical worker has remaining work.
func (w SyncWorker) Resumable() bool {
	return w.Status == SyncWorkerHistorical && w.RangeEnd != nil && w.CurrentBlock < *w.RangeEnd
}

// ProcessWorkerStatus is the lifecycle state of the process_workers row.
type ProcessWorkerStatus string

const (
	ProcessWorkerProcessing ProcessWorkerStatus = "processing"
	ProcessWorkerLive       ProcessWorkerStatus = "live"
)

// ProcessWorker is the single per-chain row tracking Processor progress.
// Primary key ChainID.
type ProcessWorker struct {
	ChainID        uint64
	RangeStart     uint64
	RangeEnd       *uint64
	CurrentBlock   uint64
	EventsProcessed uint64
	Status         ProcessWorkerStatus
	UpdatedAt      time.Time
}

// FactoryChild is a dynamically discovered child contract instance.
// Primary key (ChainID, ChildAddress).
type FactoryChild struct {
	ChainID         uint64
	ChildAddress    string // lowercased
	FactoryAddress  string // lowercased
	ContractName    string
	DiscoveryBlock  uint64
	DiscoveryTxHash string
	DiscoveryLogIdx uint
	ChildABI        []byte // optional override ABI, nil to use the contract's configured ABI
	CreatedAt       time.Time
}

// RPCCacheEntry is one cached deterministic RPC response.
// Primary key (ChainID, BlockNumber, RequestHash).
type RPCCacheEntry struct {
	ChainID     uint64
	BlockNumber uint64
	RequestHash string
	Method      string
	Params      []byte // canonical JSON
	Response    []byte // canonical JSON
	CreatedAt   time.Time
}

// ProcessCheckpoint is the optional per-handler catch-up row.
// Primary key (ChainID, HandlerName).
type ProcessCheckpoint struct {
	ChainID     uint64
	HandlerName string
	BlockNumber uint64
	UpdatedAt   time.Time
}

// CronTriggerKind distinguishes time-based from block-interval crons.
type CronTriggerKind string

const (
	CronTriggerTime  CronTriggerKind = "time"
	CronTriggerBlock CronTriggerKind = "block"
)

// CronJob is the static configuration plus mutable lease state for one
// scheduled job.
type CronJob struct {
	Name     string
	ChainID  uint64
	Trigger  CronTriggerKind
	Schedule string        // cron expression, for CronTriggerTime
	Timezone string        // optional IANA name, for CronTriggerTime
	Interval uint64        // block interval, for CronTriggerBlock
	Offset   uint64        // block offset, for CronTriggerBlock
	Schema   string        // "chain" | "dedicated"
}

// CronExecutionStatus is the outcome of one cron firing.
type CronExecutionStatus string

const (
	CronExecutionRunning CronExecutionStatus = "running"
	CronExecutionSuccess CronExecutionStatus = "success"
	CronExecutionFailed  CronExecutionStatus = "failed"
)

// CronExecution is one row per firing of a cron job.
type CronExecution struct {
	ID        int64
	JobName   string
	ChainID   uint64
	Status    CronExecutionStatus
	StartedAt time.Time
	EndedAt   *time.Time
	Error     string
}

// CronCheckpoint tracks the last triggered block for a block-interval
// cron, per (job, chain).
type CronCheckpoint struct {
	JobName         string
	ChainID         uint64
	LastBlockNumber uint64
	UpdatedAt       time.Time
}
