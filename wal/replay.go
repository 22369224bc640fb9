package wal

import (
	"errors"
	"io"
	"sort"
)

// CommittedTx is one committed transaction reconstructed from the log,
// entries in append order.
type CommittedTx struct {
	TxID          uint64
	ReadVersion   uint64
	CommitVersion uint64
	Entries       []Entry
}

// ReplayCommitted scans the log and returns the committed transactions
// in commit-version order, plus the highest commit version seen.
//
// Uncommitted tails are dropped: a transaction without a commit record
// never happened. A checksum failure or torn record ends the scan at
// that point, discarding everything after it.
func (w *WAL) ReplayCommitted() ([]CommittedTx, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return nil, 0, err
	}
	reader, err := w.entryReader()
	if err != nil {
		return nil, 0, err
	}

	pending := make(map[uint64]*CommittedTx)
	var committed []CommittedTx
	var lastCommit uint64

	for {
		var e Entry
		err := decodeEntry(reader, &e)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrChecksum) {
				break
			}
			return nil, 0, err
		}

		switch e.Kind {
		case KindBegin:
			pending[e.TxID] = &CommittedTx{TxID: e.TxID, ReadVersion: e.Version}
		case KindAlloc, KindPtrSet, KindDelta, KindMerge:
			if tx, ok := pending[e.TxID]; ok {
				tx.Entries = append(tx.Entries, e)
			}
		case KindCommit:
			if tx, ok := pending[e.TxID]; ok {
				tx.CommitVersion = e.Version
				committed = append(committed, *tx)
				delete(pending, e.TxID)
				if e.Version > lastCommit {
					lastCommit = e.Version
				}
			}
		case KindCheckpoint:
			// Everything before the checkpoint is reflected in source
			// images; replay restarts from here.
			pending = make(map[uint64]*CommittedTx)
			committed = committed[:0]
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, 0, err
	}

	sort.Slice(committed, func(i, j int) bool {
		return committed[i].CommitVersion < committed[j].CommitVersion
	})
	return committed, lastCommit, nil
}
