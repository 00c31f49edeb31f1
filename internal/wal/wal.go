// Package wal journals buffered mutations so they survive a crash before
// being applied to the store.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arkilian/devicestore/internal/wide"
)

const segmentPattern = "wal_%016x.log"

// WAL appends entries to numbered segment files. Each segment tracks how many
// of its entries are still waiting to be applied; a segment with none left is
// deleted once it is no longer the active one.
type WAL struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	currentLSN uint64
	pending    map[uint64]int
	mu         sync.Mutex
}

// Entry is one journaled mutation.
type Entry struct {
	LSN       uint64        `json:"lsn"`
	Mutation  wide.Mutation `json:"m"`
	Timestamp int64         `json:"ts"`
}

// Open creates the directory if needed and starts a fresh segment after any
// existing ones. Existing segments are left for Recover.
func Open(dir string, maxSegSize int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 16 * 1024 * 1024
	}

	w := &WAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		pending:    make(map[uint64]int),
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	if n := len(segments); n > 0 {
		last, err := segmentIDOf(segments[n-1])
		if err != nil {
			return nil, err
		}
		w.segmentID = last + 1
	}

	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf(segmentPattern, id))
}

// openSegment opens the current segment file for writing.
func (w *WAL) openSegment() error {
	file, err := os.OpenFile(w.segmentPath(w.segmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat segment: %w", err)
	}

	w.segment = file
	w.offset = stat.Size()
	return nil
}

// Append journals a mutation and returns the segment that holds it. The
// caller must Release the segment once the mutation has been applied.
func (w *WAL) Append(m wide.Mutation) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return 0, fmt.Errorf("wal: closed")
	}

	w.currentLSN++
	entry := Entry{LSN: w.currentLSN, Mutation: m, Timestamp: time.Now().UnixNano()}

	payload, err := json.Marshal(&entry)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize entry: %w", err)
	}

	// [length:4][crc32:4][payload:length]
	frame := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[8:], payload)

	if _, err := w.segment.Write(frame); err != nil {
		return 0, fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.segment.Sync(); err != nil {
		return 0, fmt.Errorf("failed to fsync: %w", err)
	}

	id := w.segmentID
	w.pending[id]++
	w.offset += int64(len(frame))

	if w.offset >= w.maxSegSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Release marks n entries of a segment as applied.
func (w *WAL) Release(segmentID uint64, n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[segmentID] -= n
	if w.pending[segmentID] > 0 || segmentID == w.segmentID {
		return nil
	}
	delete(w.pending, segmentID)
	return w.removeSegment(segmentID)
}

// RotateSegment closes the current segment and opens a new one.
func (w *WAL) RotateSegment() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		w.segment = nil
	}

	prev := w.segmentID
	if w.pending[prev] <= 0 {
		delete(w.pending, prev)
		if err := w.removeSegment(prev); err != nil {
			return err
		}
	}

	w.segmentID++
	return w.openSegment()
}

func (w *WAL) removeSegment(id uint64) error {
	if err := os.Remove(w.segmentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment: %w", err)
	}
	return nil
}

// CurrentLSN returns the LSN of the last appended entry.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Pending returns the number of journaled entries not yet released.
func (w *WAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, n := range w.pending {
		total += n
	}
	return total
}

// Close fsyncs and closes the active segment, removing it when nothing in it
// is pending.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return nil
	}
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync on close: %w", err)
	}
	if err := w.segment.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	w.segment = nil

	if w.pending[w.segmentID] <= 0 {
		return w.removeSegment(w.segmentID)
	}
	return nil
}

// ListSegments returns the segment files in dir, oldest first.
func ListSegments(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segments []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if _, err := segmentIDOf(file.Name()); err != nil {
			continue
		}
		segments = append(segments, filepath.Join(dir, file.Name()))
	}

	// Zero-padded hex names sort chronologically.
	sort.Strings(segments)
	return segments, nil
}

func segmentIDOf(path string) (uint64, error) {
	var id uint64
	name := filepath.Base(path)
	if len(name) != 24 {
		return 0, fmt.Errorf("not a segment: %s", name)
	}
	if _, err := fmt.Sscanf(name, segmentPattern, &id); err != nil {
		return 0, fmt.Errorf("not a segment: %s", name)
	}
	return id, nil
}

// ReadEntries reads every intact entry of a segment. Entries whose checksum
// does not match are skipped and counted; a truncated tail ends the read.
func ReadEntries(segmentPath string) (entries []*Entry, skipped int, err error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var header [8]byte
	for {
		if _, err := io.ReadFull(file, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, skipped, fmt.Errorf("failed to read entry header: %w", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			// Truncated write
			break
		}

		if crc32.ChecksumIEEE(payload) != crc {
			skipped++
			continue
		}

		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, skipped, nil
}
