package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/idempotency"
)

var (
	ErrCorrupt = errors.New("wal: corrupt record")
	ErrClosed  = errors.New("wal: closed")
)

// WAL is the durable append-only log. Append does not return
// until the record is fsynced or the write has failed.
type WAL interface {
	Append(ctx context.Context, rec Record) error
	// Replay scans the log in write order and invokes fn for every record
	// whose resolved state (after idempotency.Tracker dedup) is non-terminal.
	Replay(ctx context.Context, fn func(Record) error) error
	Close() error
}

// FileWAL is the default WAL: one append-only file of length-prefixed,
// CRC32-checksummed JSON records. Each Append does f.Write + f.Sync before
// returning, matching the "flushed or the write fails" contract.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func Open(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(ctx context.Context, rec Record) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	body, err := rec.marshal()
	if err != nil {
		return cerrors.Wrap(cerrors.DurabilityFailed, "wal: marshal record", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	frame := make([]byte, 0, 8+len(body))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, body...)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(body))
	frame = append(frame, crcBuf[:]...)

	if _, err := w.f.Write(frame); err != nil {
		return cerrors.Wrap(cerrors.DurabilityFailed, "wal: write record", err)
	}
	if err := w.f.Sync(); err != nil {
		return cerrors.Wrap(cerrors.DurabilityFailed, "wal: fsync", err)
	}
	return nil
}

// Replay scans the log from the start, resolves duplicate message_ids by
// keeping the latest observed state, and invokes fn once per
// key for the record carrying that resolved state, in the order in which
// each key first appeared in the log. fn is only invoked for non-terminal
// states.
func (w *FileWAL) Replay(ctx context.Context, fn func(Record) error) error {
	w.mu.Lock()
	path := w.f.Name()
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: replay open: %w", err)
	}
	defer f.Close()

	tracker := idempotency.NewTracker()
	winners := make(map[idempotency.Key]Record)
	order := make([]idempotency.Key, 0, 64)

	r := bufio.NewReader(f)
	for {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, ok, err := readFrame(r)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key, err := idempotency.BuildKey(rec.ProjectID, rec.ItemName, rec.Envelope.MessageID)
		if err != nil {
			continue
		}
		if tracker.Observe(key, rec.Envelope.State) {
			if _, existed := winners[key]; !existed {
				order = append(order, key)
			}
			winners[key] = rec
		}
	}

	for _, key := range order {
		rec := winners[key]
		if rec.Envelope.State.Terminal() {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r *bufio.Reader) (Record, bool, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("%w: length prefix: %v", ErrCorrupt, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, false, fmt.Errorf("%w: body truncated: %v", ErrCorrupt, err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, false, fmt.Errorf("%w: crc truncated: %v", ErrCorrupt, err)
	}
	want := binary.BigEndian.Uint32(crcBuf[:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return Record{}, false, fmt.Errorf("%w: crc mismatch", ErrCorrupt)
	}
	rec, err := unmarshalRecord(body)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, true, nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
