package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// WAL is the per-heap append-only durable log.
type WAL struct {
	mu               sync.Mutex
	file             *os.File
	writer           io.Writer
	bufWriter        *bufio.Writer
	compressor       *zstd.Encoder
	decompressor     *zstd.Decoder
	seqNum           uint64
	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64
	scratch          []byte

	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup

	syncCond        *sync.Cond
	persistedSeqNum uint64
}

// FilePath returns the path of the log file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// New opens (creating if necessary) the heap log in opts.Path.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	filePath := filepath.Join(opts.Path, "tierheap.wal")

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("wal: open log file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: stat log file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		compressionLevel:    opts.CompressionLevel,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if st.Size() == 0 {
		if err := w.writeNewHeader(opts); err != nil {
			_ = file.Close()
			return nil, err
		}
	} else if err := w.readExistingHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: seek data offset: %w", err)
	}

	if err := w.initCodecs(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := w.scanForSeqNum(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: scan: %w", err)
	}

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) initCodecs() error {
	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("wal: create compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter

		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = compressor.Close()
			return fmt.Errorf("wal: create decompressor: %w", err)
		}
		w.decompressor = decompressor
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
		w.writer = w.bufWriter
	}
	return nil
}

func (w *WAL) writeNewHeader(opts Options) error {
	hdrLen, err := writeHeader(w.file, headerInfo{
		Compressed:       opts.Compress,
		CompressionLevel: opts.CompressionLevel,
	})
	if err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	w.dataOffset = hdrLen
	w.compressed = opts.Compress
	return nil
}

func (w *WAL) readExistingHeader() error {
	hdr, valid, err := readHeader(w.file)
	if err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if !valid {
		return errors.New("wal: invalid log header")
	}
	w.dataOffset = hdr.HeaderLen
	w.compressed = hdr.Compressed
	w.compressionLevel = hdr.CompressionLevel
	return nil
}

// scanForSeqNum finds the highest sequence number in the existing log.
func (w *WAL) scanForSeqNum() error {
	reader, err := w.entryReader()
	if err != nil {
		return err
	}

	var maxSeq uint64
	for {
		var e Entry
		if err := decodeEntry(reader, &e); err != nil {
			// Torn or corrupt tail ends the scan; replay stops at the
			// same point, so everything past it is invisible anyway.
			break
		}
		if e.SeqNum > maxSeq {
			maxSeq = e.SeqNum
		}
	}
	w.seqNum = maxSeq
	w.persistedSeqNum = maxSeq

	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

func (w *WAL) entryReader() (io.Reader, error) {
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return nil, err
	}
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return nil, fmt.Errorf("wal: reset decompressor: %w", err)
		}
		return w.decompressor, nil
	}
	return bufio.NewReader(w.file), nil
}

// Append encodes the entries without forcing them to the device. The
// transaction's commit record, appended via Commit, is the durability
// boundary.
func (w *WAL) Append(entries ...*Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range entries {
		w.seqNum++
		e.SeqNum = w.seqNum
		if err := w.encodeEntry(e); err != nil {
			return fmt.Errorf("wal: encode %v record: %w", e.Kind, err)
		}
	}
	return nil
}

// Commit appends the commit record for txID and makes it durable per
// the configured mode. Returns once the record is durable for
// DurabilitySync and DurabilityGroupCommit; immediately after buffering
// for DurabilityAsync.
func (w *WAL) Commit(txID, commitVersion uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	e := Entry{Kind: KindCommit, TxID: txID, Version: commitVersion, SeqNum: w.seqNum}
	if err := w.encodeEntry(&e); err != nil {
		return fmt.Errorf("wal: encode commit record: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.syncIfNeeded()
}

// Sync forces everything buffered to the device. Used for explicit
// synchronous-durability waits and at close.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) flushLocked() error {
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("wal: flush buffer: %w", err)
	}
	if w.compressed {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("wal: flush compressor: %w", err)
		}
	}
	return nil
}

func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil
	case DurabilitySync:
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.persistedSeqNum = w.seqNum
		return nil
	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.seqNum
		if w.groupCommitPending >= w.groupCommitMaxOps {
			return w.doGroupCommit()
		}
		for w.persistedSeqNum < targetSeq {
			w.syncCond.Wait()
		}
		return nil
	default:
		return nil
	}
}

// doGroupCommit fsyncs and wakes waiters. Caller holds w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()
	for {
		select {
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
			return
		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
		}
	}
}

// Checkpoint writes a checkpoint marker, fsyncs, and truncates the log.
// The heap calls this only after every persistent source flushed and
// the manifest recorded the cut.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	e := Entry{Kind: KindCheckpoint, SeqNum: w.seqNum}
	if err := w.encodeEntry(&e); err != nil {
		return fmt.Errorf("wal: encode checkpoint: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.truncate()
}

func (w *WAL) truncate() error {
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("wal: close compressor: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec // G304: established path
	if err != nil {
		return fmt.Errorf("wal: truncate log: %w", err)
	}
	w.file = file

	hdrLen, err := writeHeader(w.file, headerInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.compressionLevel,
	})
	if err != nil {
		_ = w.file.Close()
		return err
	}
	w.dataOffset = hdrLen
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("wal: seek data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("wal: recreate compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter
	} else {
		w.bufWriter = bufio.NewWriter(file)
		w.writer = w.bufWriter
	}

	w.seqNum = 0
	w.persistedSeqNum = 0
	return nil
}

// Close stops the group-commit worker, flushes and closes the file.
// Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("wal: close compressor: %w", err)
		}
	}
	if w.decompressor != nil {
		w.decompressor.Close()
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}
