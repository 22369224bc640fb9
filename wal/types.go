// Package wal implements the per-heap append-only durable log.
//
// The log records everything recovery needs to rebuild volatile state:
// transaction begins, object allocations, pointer-field installs,
// redo-log deltas, lattice merges and commit markers. A commit record
// is the durability boundary; recovery applies only transactions whose
// commit record made it to the device.
package wal

import "time"

// DurabilityMode defines the fsync behavior for commit records.
type DurabilityMode int

const (
	// DurabilityAsync never fsyncs on commit. Pairs with buffered
	// durable linearizability. No group-commit worker runs in this
	// mode, so commit records reach the device only at an explicit
	// Sync, a Checkpoint or Close.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsyncs across commits. The default.
	DurabilityGroupCommit

	// DurabilitySync fsyncs every commit record: synchronous durable
	// linearizability.
	DurabilitySync
)

// Kind discriminates log records.
type Kind uint8

const (
	// KindBegin opens a transaction and records its read version.
	KindBegin Kind = iota + 1
	// KindAlloc records an object allocation with its placement and,
	// optionally, its initial payload bytes.
	KindAlloc
	// KindPtrSet records a pointer-field install on a holder object.
	KindPtrSet
	// KindDelta records a redo-log byte delta against an object.
	KindDelta
	// KindMerge records a lattice merge by registered name.
	KindMerge
	// KindCommit seals a transaction with its commit version.
	KindCommit
	// KindCheckpoint marks a durable cut; earlier records may be dropped.
	KindCheckpoint
)

// Entry is one log record. Fields are populated per kind; unused fields
// stay zero and are not encoded.
type Entry struct {
	Kind   Kind
	SeqNum uint64
	TxID   uint64

	// KindBegin / KindCommit
	Version uint64 // read version at begin, commit version at commit

	// Object placement (KindAlloc) and target addressing (KindPtrSet,
	// KindDelta, KindMerge): source id plus byte offset of the extent,
	// plus the object offset inside it.
	Src       uint16
	ExtentOff uint64
	ObjOff    uint32

	// KindAlloc
	Size  uint32
	Ptrs  uint16
	Class uint8

	// KindPtrSet
	Field  uint16 // pointer-field index within the holder's cluster
	Target uint64 // swizzled pointer word in storage form

	// KindDelta / KindMerge
	DeltaOff uint32
	Payload  []byte
	Name     string // registered merge name for KindMerge
}

// Options configures the log.
type Options struct {
	// Path is the directory holding the log file.
	Path string

	// Compress enables zstd stream compression.
	Compress bool

	// CompressionLevel is the zstd level (1-22). Default 3.
	CompressionLevel int

	// DurabilityMode controls fsync behavior.
	DurabilityMode DurabilityMode

	// GroupCommitInterval caps the wait before a batched fsync.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps caps the commits batched before an fsync.
	GroupCommitMaxOps int
}

// DefaultOptions returns the default log options.
var DefaultOptions = Options{
	Path:                ".",
	Compress:            false,
	CompressionLevel:    3,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
