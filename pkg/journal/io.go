package journal

import (
	"os"

	"github.com/ncw/directio"

	"github.com/coldshard/objectcore/internal/arena"
	"github.com/coldshard/objectcore/pkg/config"
)

// device is the journal's write path, selected at Open by config.IOMode.
// All three implementations share the same *os.File-based read/write
// calls; what differs is how the file is opened and whether Write blocks
// until the kernel reports completion.
type device interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) error
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error

	// blockSize is the alignment every entry frame and every WriteAt
	// offset must respect. Buffered mode has no alignment requirement
	// and reports 1; the direct modes report the device block size, so
	// frame layout differs between the two.
	blockSize() int
}

func openDevice(path string, mode config.IOMode, create bool) (device, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	switch mode {
	case config.IOBuffered:
		f, err := os.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, err
		}
		return &bufferedDevice{f: f}, nil
	case config.IODirect, config.IODirectAsync:
		f, err := directio.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, err
		}
		block := directio.BlockSize
		d := &directDevice{f: f, block: block, arena: arena.New(uint(2 * block))}
		if mode == config.IODirectAsync {
			return &asyncDevice{directDevice: d, completions: make(chan asyncCompletion, 1024)}, nil
		}
		return d, nil
	default:
		f, err := os.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, err
		}
		return &bufferedDevice{f: f}, nil
	}
}

// bufferedDevice writes through the page cache with no alignment
// requirement, matching the teacher's plain os.File path used anywhere
// direct I/O is not requested. Its blockSize is 1, so entry frames are
// packed with no padding.
type bufferedDevice struct {
	f *os.File
}

func (d *bufferedDevice) ReadAt(buf []byte, off int64) (int, error) { return d.f.ReadAt(buf, off) }
func (d *bufferedDevice) WriteAt(buf []byte, off int64) error {
	_, err := d.f.WriteAt(buf, off)
	return err
}
func (d *bufferedDevice) Sync() error             { return d.f.Sync() }
func (d *bufferedDevice) Truncate(size int64) error { return d.f.Truncate(size) }
func (d *bufferedDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
func (d *bufferedDevice) Close() error   { return d.f.Close() }
func (d *bufferedDevice) blockSize() int { return 1 }
func (d *bufferedDevice) File() *os.File { return d.f }

// directDevice writes with O_DIRECT, bypassing the page cache. Every
// WriteAt buffer must already be block-aligned in length and content; the
// journal writer builds entry frames to a multiple of blockSize() for
// exactly this reason.
type directDevice struct {
	f     *os.File
	block int
	arena *arena.Arena
}

func (d *directDevice) ReadAt(buf []byte, off int64) (int, error) { return d.f.ReadAt(buf, off) }
func (d *directDevice) WriteAt(buf []byte, off int64) error {
	_, err := d.f.WriteAt(buf, off)
	return err
}
func (d *directDevice) Sync() error               { return d.f.Sync() }
func (d *directDevice) Truncate(size int64) error { return d.f.Truncate(size) }
func (d *directDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
func (d *directDevice) Close() error {
	d.arena.Close()
	return d.f.Close()
}
func (d *directDevice) blockSize() int { return d.block }
func (d *directDevice) File() *os.File { return d.f }

// alignedScratch returns an arena-backed buffer of exactly n bytes,
// resetting the arena first: the journal serializes all writes under one
// lock, so a single scratch region can be reused for every append instead
// of allocating a fresh aligned buffer each time.
func (d *directDevice) alignedScratch(n int) []byte {
	d.arena.Reset()
	off, err := d.arena.Allocate(uint(n), uint(d.block))
	if err != nil {
		// Fall back to a one-off aligned allocation; this only happens
		// for an entry larger than the arena's capacity.
		return directio.AlignedBlock(alignUp(n, d.block))[:n]
	}
	return d.arena.GetBytes(off, uint(n))
}

// asyncCompletion reports that the write submitted for seq has reached
// the kernel's durability point, in whatever order the kernel finishes
// them.
type asyncCompletion struct {
	seq uint64
	err error
}

// asyncDevice wraps a directDevice but submit hands each write off to its
// own goroutine so callers don't block on fsync; completions are
// delivered out of submission order via completions, matching the
// "outstanding writes tracked by an in-flight queue" contract.
type asyncDevice struct {
	*directDevice
	completions chan asyncCompletion
}

func (d *asyncDevice) submit(seq uint64, buf []byte, off int64) {
	go func() {
		err := d.directDevice.WriteAt(buf, off)
		if err == nil {
			err = d.directDevice.Sync()
		}
		d.completions <- asyncCompletion{seq: seq, err: err}
	}()
}
