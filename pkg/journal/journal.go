// Package journal implements the append-only ring journal described in
// component 4.B: a fixed-capacity ring file of length-prefixed,
// crc32c-checked entries tagged by monotonic sequence number, with
// durable-commit notification and start-of-ring trimming.
//
// The journal itself is durability-mode agnostic: every Append is synced
// (or, in direct+async mode, tracked until the kernel reports it synced)
// before its completion callback fires. OpPipeline is what decides,
// via config.DurabilityMode, whether ObjectStore apply waits for that
// callback (Writeahead), races it (Parallel), or runs ahead of it
// (Trailing).
package journal

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/ncw/directio"

	"github.com/coldshard/objectcore/internal/mmap"
	"github.com/coldshard/objectcore/internal/ocerr"
	"github.com/coldshard/objectcore/pkg/config"
)

// fileBacked is implemented by device backends that expose the
// underlying *os.File, letting Open map the header region for
// syscall-free position polling.
type fileBacked interface {
	File() *os.File
}

// pendingEntry tracks one appended-but-not-yet-trimmed entry so Trim can
// find the new start-of-ring offset and the async completion drainer can
// advance committed_thru in seq order.
type pendingEntry struct {
	seq      uint64
	offset   int64 // logical offset of the frame within the ring
	length   int   // padded on-disk length of the frame
	done     bool
	onDurable func(error)
}

// Journal is a single-writer, multi-reader handle on one mounted ring
// file.
type Journal struct {
	mu   sync.Mutex
	dev  device
	path string
	hdr  header

	pending       []*pendingEntry
	committedThru uint64

	async       *asyncDevice
	asyncDoneMu sync.Mutex
	asyncDone   map[uint64]error
	closeCh     chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	// headerMap is an mmap of the on-disk header page, only ever read, used by
	// PeekPositions so a monitoring caller can sample the write/start
	// cursors without taking j.mu or issuing a read(2) syscall. It is nil
	// when the backing device doesn't expose a plain file descriptor.
	headerMap []byte
}

// Mkfs lays out a fresh journal file at path with the given ring capacity
// (rounded up to a multiple of the I/O mode's block size) and an empty
// header.
func Mkfs(path string, capacityBytes int64, ioMode config.IOMode) error {
	dev, err := openDevice(path, ioMode, true)
	if err != nil {
		return ocerr.Wrap("journal.Mkfs", ocerr.Io, err)
	}
	defer dev.Close()

	block := dev.blockSize()
	capacity := alignUp64(capacityBytes, int64(block))
	if err := dev.Truncate(int64(headerSize) + capacity); err != nil {
		return ocerr.Wrap("journal.Mkfs", ocerr.Io, err)
	}

	h := header{
		Magic:     headerMagic,
		Version:   headerVersion,
		UUID:      [16]byte(uuid.New()),
		BlockSize: uint32(block),
		Capacity:  capacity,
		WritePos:  0,
		StartPos:  0,
	}
	if err := dev.WriteAt(padTo(encodeHeader(h), block), 0); err != nil {
		return ocerr.Wrap("journal.Mkfs", ocerr.Io, err)
	}
	return ocerr.Wrap("journal.Mkfs", ocerr.Io, dev.Sync())
}

func padTo(buf []byte, block int) []byte {
	n := alignUp(len(buf), block)
	if n == len(buf) {
		return buf
	}
	out := make([]byte, n)
	copy(out, buf)
	return out
}

func alignUp64(n, block int64) int64 {
	if block <= 1 {
		return n
	}
	if rem := n % block; rem != 0 {
		return n + (block - rem)
	}
	return n
}

// Open mounts an existing journal file, reading its header. It does not
// replay entries; call Replay explicitly once the caller (ObjectStore's
// replay guard machinery) is ready to receive them.
func Open(path string, ioMode config.IOMode) (*Journal, error) {
	dev, err := openDevice(path, ioMode, false)
	if err != nil {
		return nil, ocerr.Wrap("journal.Open", ocerr.Io, err)
	}
	buf := make([]byte, headerSize)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		dev.Close()
		return nil, ocerr.Wrap("journal.Open", ocerr.Io, err)
	}
	h, ok := decodeHeader(buf)
	if !ok {
		dev.Close()
		return nil, ocerr.New("journal.Open", ocerr.Corruption, "bad journal header")
	}

	j := &Journal{
		dev:       dev,
		path:      path,
		hdr:       h,
		asyncDone: map[uint64]error{},
		closeCh:   make(chan struct{}),
	}
	if a, ok := dev.(*asyncDevice); ok {
		j.async = a
		j.wg.Add(1)
		go j.drainAsync()
	}
	if fb, ok := dev.(fileBacked); ok {
		if m, err := mmap.NewFile(fb.File().Fd(), 0, headerSize); err == nil {
			j.headerMap = m
		}
	}
	return j, nil
}

// PeekPositions samples the ring's write and start cursors directly from
// the mmap'd header page, without acquiring j.mu or issuing a syscall. It
// is a best-effort snapshot for monitoring; callers that need a
// consistent read should use CommittedThru instead. It returns ok=false
// if the device wasn't file-backed at Open.
func (j *Journal) PeekPositions() (writePos, startPos int64, ok bool) {
	if j.headerMap == nil {
		return 0, 0, false
	}
	h, valid := decodeHeader(j.headerMap)
	if !valid {
		return 0, 0, false
	}
	return h.WritePos, h.StartPos, true
}

func (j *Journal) drainAsync() {
	defer j.wg.Done()
	for {
		select {
		case c := <-j.async.completions:
			j.asyncDoneMu.Lock()
			j.asyncDone[c.seq] = c.err
			j.asyncDoneMu.Unlock()
			j.advanceAsync()
		case <-j.closeCh:
			return
		}
	}
}

// advanceAsync walks pending from the front, firing onDurable for every
// entry whose completion has arrived, in strict seq order, stopping at
// the first entry not yet reported done: the kernel may finish writes out
// of submission order, but committed_thru must never skip ahead of an
// earlier, still-in-flight entry.
func (j *Journal) advanceAsync() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.asyncDoneMu.Lock()
	defer j.asyncDoneMu.Unlock()

	for len(j.pending) > 0 {
		p := j.pending[0]
		err, ok := j.asyncDone[p.seq]
		if !ok {
			break
		}
		delete(j.asyncDone, p.seq)
		p.done = true
		if p.seq > j.committedThru {
			j.committedThru = p.seq
		}
		if p.onDurable != nil {
			cb := p.onDurable
			e := err
			go cb(e)
		}
		j.pending = j.pending[1:]
	}
}

// Append writes one entry frame at the current write position, advancing
// it (wrapping as needed) and persisting the header. onDurable is invoked
// exactly once for every call, including every failure path: inline,
// before Append returns, in every mode but direct+async, where it fires
// from the completion drainer once the kernel reports the write done.
func (j *Journal) Append(seq uint64, payload []byte, onDurable func(error)) error {
	j.mu.Lock()

	block := j.dev.blockSize()
	need := frameLen(len(payload), block)
	reserve := int64(need)
	if _, isAsync := j.dev.(*asyncDevice); isAsync && j.hdr.WritePos+reserve > j.hdr.Capacity {
		// A wrapping direct+async write first pads out to the ring end.
		reserve += j.hdr.Capacity - j.hdr.WritePos
	}
	if reserve > j.freeLocked() {
		j.mu.Unlock()
		err := ocerr.New("journal.Append", ocerr.NoSpace, "ring journal full")
		if onDurable != nil {
			onDurable(err)
		}
		return err
	}

	buf := j.scratchFrame(seq, payload, need)
	off := j.hdr.WritePos

	var writeErr error
	var newWritePos int64
	var entryOffset int64
	if a, ok := j.dev.(*asyncDevice); ok {
		entryOffset, newWritePos, writeErr = j.writeLogicalAsync(a, seq, buf, off)
	} else {
		newWritePos = (off + int64(len(buf))) % j.hdr.Capacity
		entryOffset = off
		writeErr = j.writeLogical(buf, off)
	}
	if writeErr != nil {
		j.mu.Unlock()
		err := ocerr.Wrap("journal.Append", ocerr.Io, writeErr)
		if onDurable != nil {
			onDurable(err)
		}
		return err
	}

	j.hdr.WritePos = newWritePos
	entry := &pendingEntry{seq: seq, offset: entryOffset, length: len(buf), onDurable: onDurable}
	j.pending = append(j.pending, entry)

	if _, isAsync := j.dev.(*asyncDevice); isAsync {
		if err := j.persistHeaderLocked(); err != nil {
			j.mu.Unlock()
			return ocerr.Wrap("journal.Append", ocerr.Io, err)
		}
		j.mu.Unlock()
		return nil
	}

	syncErr := j.dev.Sync()
	if syncErr == nil {
		syncErr = j.persistHeaderLocked()
	}
	entry.done = syncErr == nil
	if syncErr == nil && seq > j.committedThru {
		j.committedThru = seq
	}
	j.mu.Unlock()

	if onDurable != nil {
		onDurable(syncErr)
	}
	return ocerr.Wrap("journal.Append", ocerr.Io, syncErr)
}

// scratchFrame builds the on-disk frame for one entry. Direct-sync mode
// reuses the journal's single arena-backed scratch buffer, since the
// write completes before Append returns and the buffer can be safely
// reset on the next call. Direct+async mode cannot do this: the write it
// submits outlives this call, racing a reused buffer against the next
// Append, so it allocates a fresh aligned buffer per entry instead.
func (j *Journal) scratchFrame(seq uint64, payload []byte, need int) []byte {
	switch d := j.dev.(type) {
	case *asyncDevice:
		buf := directio.AlignedBlock(need)
		frameInto(buf, seq, payload)
		return buf
	case *directDevice:
		buf := d.alignedScratch(need)
		frameInto(buf, seq, payload)
		return buf
	default:
		return frame(seq, payload, j.dev.blockSize())
	}
}

// writeLogical writes buf at logical ring offset off, splitting the write
// in two if it straddles the end of the ring. Every split point falls on
// a block boundary because both the ring capacity and every frame length
// are block-size multiples.
func (j *Journal) writeLogical(buf []byte, off int64) error {
	capacity := j.hdr.Capacity
	if off+int64(len(buf)) <= capacity {
		return j.dev.WriteAt(buf, int64(headerSize)+off)
	}
	first := capacity - off
	if err := j.dev.WriteAt(buf[:first], int64(headerSize)+off); err != nil {
		return err
	}
	return j.dev.WriteAt(buf[first:], int64(headerSize))
}

func (j *Journal) writeLogicalAsync(a *asyncDevice, seq uint64, buf []byte, off int64) (entryOffset, newWritePos int64, err error) {
	capacity := j.hdr.Capacity
	if off+int64(len(buf)) <= capacity {
		a.submit(seq, buf, int64(headerSize)+off)
		return off, (off + int64(len(buf))) % capacity, nil
	}
	// A wrapping write can't be split across two independent async
	// completions and still report one seq's durability atomically, so
	// direct+async mode pads out to the ring boundary instead of
	// splitting; Append's free-space check already counts this padding.
	pad := directio.AlignedBlock(int(capacity - off))
	if err := j.dev.WriteAt(pad, int64(headerSize)+off); err != nil {
		return 0, 0, err
	}
	a.submit(seq, buf, int64(headerSize))
	return 0, int64(len(buf)) % capacity, nil
}

// freeLocked returns the number of contiguous free bytes available before
// the write cursor would overtake start_pos. Callers must hold j.mu.
func (j *Journal) freeLocked() int64 {
	used := j.hdr.WritePos - j.hdr.StartPos
	if used < 0 {
		used += j.hdr.Capacity
	}
	return j.hdr.Capacity - used - 1 // never let write catch up to start exactly
}

func (j *Journal) persistHeaderLocked() error {
	buf := padTo(encodeHeader(j.hdr), int(j.hdr.BlockSize))
	if err := j.dev.WriteAt(buf, 0); err != nil {
		return err
	}
	return j.dev.Sync()
}

// CommittedThru returns the highest seq for which every entry with a
// lesser-or-equal seq is confirmed durable.
func (j *Journal) CommittedThru() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committedThru
}

// Trim releases ring space for every pending entry with seq <= thru,
// advancing start_pos past them.
func (j *Journal) Trim(thru uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	i := 0
	for i < len(j.pending) && j.pending[i].seq <= thru {
		i++
	}
	if i == 0 {
		return nil
	}
	if i < len(j.pending) {
		j.hdr.StartPos = j.pending[i].offset
	} else {
		j.hdr.StartPos = j.hdr.WritePos
	}
	j.pending = j.pending[i:]
	return ocerr.Wrap("journal.Trim", ocerr.Io, j.persistHeaderLocked())
}

// readLogical reads n bytes starting at logical ring offset off, wrapping
// the read across the end of the ring if necessary.
func (j *Journal) readLogical(off int64, n int) ([]byte, error) {
	capacity := j.hdr.Capacity
	out := make([]byte, n)
	if off+int64(n) <= capacity {
		_, err := j.dev.ReadAt(out, int64(headerSize)+off)
		return out, err
	}
	first := int(capacity - off)
	if _, err := j.dev.ReadAt(out[:first], int64(headerSize)+off); err != nil {
		return nil, err
	}
	_, err := j.dev.ReadAt(out[first:], int64(headerSize))
	return out, err
}

// Replay scans forward from start_pos, invoking fn for every entry whose
// seq exceeds afterSeq. It stops at the first entry that fails to verify
// (torn write) and, in that case, rewinds write_pos to the torn entry's
// offset so the next Append overwrites it rather than leaving a gap —
// matching the "subsequent appends start at N" torn-tail contract.
func (j *Journal) Replay(afterSeq uint64, fn func(seq uint64, payload []byte) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	block := int(j.hdr.BlockSize)
	off := j.hdr.StartPos
	j.pending = nil

	for off != j.hdr.WritePos {
		hdrBuf, err := j.readLogical(off, entryHeaderLen)
		if err != nil {
			return ocerr.Wrap("journal.Replay", ocerr.Io, err)
		}
		if binary.BigEndian.Uint32(hdrBuf[0:4]) != entryMagic {
			break
		}
		plen := int(binary.BigEndian.Uint32(hdrBuf[12:16]))
		total := frameLen(plen, block)
		full, err := j.readLogical(off, total)
		if err != nil {
			return ocerr.Wrap("journal.Replay", ocerr.Io, err)
		}
		seq, payload, ok := parseFrame(full)
		if !ok {
			break
		}

		j.pending = append(j.pending, &pendingEntry{seq: seq, offset: off, length: total, done: true})
		if seq > j.committedThru {
			j.committedThru = seq
		}
		if seq > afterSeq {
			if err := fn(seq, payload); err != nil {
				return err
			}
		}

		off = (off + int64(total)) % j.hdr.Capacity
	}

	if off != j.hdr.WritePos {
		// A torn or unwritten frame was found before reaching the
		// recorded write cursor: truncate the log there.
		j.hdr.WritePos = off
	}
	return ocerr.Wrap("journal.Replay", ocerr.Io, j.persistHeaderLocked())
}

// Close stops the async completion drainer (if any) and closes the
// underlying device.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.closeCh)
		j.wg.Wait()
		if j.headerMap != nil {
			_ = mmap.Free(j.headerMap)
		}
		err = j.dev.Close()
	})
	return ocerr.Wrap("journal.Close", ocerr.Io, err)
}
