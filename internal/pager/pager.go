// Package pager implements the "Paged Store" external dependency of §6: a
// single mmap-backed file offering fixed-size page allocation with flags,
// contiguous multi-page ("overflow") runs, and named tree roots that
// survive reopen.
//
// This contract (raw fixed pages tagged with owner hashes and a small flag
// set, as opposed to a bucket/key-value API like boltdb/bbolt) is modeled
// on aergoio-hashtabledb's page-header and free-list conventions and on
// boltdb/bbolt's general mmap+freelist shape.
package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

// PageSize is the fixed page size used by every page in the store.
const PageSize = 8192

// Page flags, combined into PageHeader.Flags.
const (
	FlagOverflow   byte = 1 << 0
	FlagRawData    byte = 1 << 1
	FlagCompressed byte = 1 << 2
)

// headerSize is the size, in bytes, of the common header written at the
// start of every multi-page allocation (a section or an overflow run).
// Layout: owner_hash(8) | table_type(1) | flags(1) | num_pages(4) |
// overflow_size(4). Sections ignore overflow_size and use the remainder of
// the header page for their own free-list/dictionary metadata (§3).
const headerSize = 18

// PageHeader is the common prefix of every multi-page allocation's first
// page.
type PageHeader struct {
	OwnerHash    uint64
	TableType    byte
	Flags        byte
	NumPages     uint32
	OverflowSize uint32 // meaningful only when Flags&FlagOverflow != 0
}

func (h PageHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.OwnerHash)
	buf[8] = h.TableType
	buf[9] = h.Flags
	binary.LittleEndian.PutUint32(buf[10:14], h.NumPages)
	binary.LittleEndian.PutUint32(buf[14:18], h.OverflowSize)
}

func decodeHeader(buf []byte) PageHeader {
	return PageHeader{
		OwnerHash:    binary.LittleEndian.Uint64(buf[0:8]),
		TableType:    buf[8],
		Flags:        buf[9],
		NumPages:     binary.LittleEndian.Uint32(buf[10:14]),
		OverflowSize: binary.LittleEndian.Uint32(buf[14:18]),
	}
}

// HeaderSize is exported so callers (section, table) know where their own
// layout may begin within a header page.
const HeaderSize = headerSize

// Pager owns the memory-mapped backing file.
type Pager struct {
	mu   sync.Mutex
	file *os.File
	data mmap.MMap

	session uuid.UUID // diagnostic only; never persisted, never hashed

	super superblock
}

// Open opens (creating if necessary) the paged store backed by path.
func Open(path string) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}

	p := &Pager{file: f, session: uuid.New()}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		if err := p.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := p.mapFile(); err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != 0 {
		p.super = decodeSuperblock(p.pageBytes(0))
	}
	return p, nil
}

func (p *Pager) initEmpty() error {
	if err := p.file.Truncate(PageSize); err != nil {
		return err
	}
	return nil
}

func (p *Pager) mapFile() error {
	m, err := mmap.Map(p.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("pager: mmap: %w", err)
	}
	p.data = m
	return nil
}

// NumPages reports the number of pages currently backed by the file.
func (p *Pager) NumPages() uint32 {
	return uint32(len(p.data) / PageSize)
}

func (p *Pager) pageBytes(pageNo uint32) []byte {
	off := int(pageNo) * PageSize
	return p.data[off : off+PageSize]
}

// Close flushes and unmaps the backing file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.encodeSuperblock()
	if err := p.data.Flush(); err != nil {
		return err
	}
	if err := p.data.Unmap(); err != nil {
		return err
	}
	return p.file.Close()
}

func (p *Pager) encodeSuperblock() {
	p.super.encode(p.pageBytes(0))
}

// grow extends the backing file (and remaps it) to hold at least n
// additional pages beyond the current end, returning the first new page
// number.
func (p *Pager) grow(n uint32) (uint32, error) {
	first := p.NumPages()
	newSize := int64(first+n) * PageSize

	if err := p.data.Unmap(); err != nil {
		return 0, err
	}
	if err := p.file.Truncate(newSize); err != nil {
		return 0, err
	}
	if err := p.mapFile(); err != nil {
		return 0, err
	}
	return first, nil
}

// Alloc reserves numPages contiguous pages, writes the common header into
// the first page, and returns the first page's number and its full byte
// slice (header included).
func (p *Pager) Alloc(numPages uint32, flags byte, ownerHash uint64, tableType byte) (uint32, []byte, error) {
	if numPages == 0 {
		return 0, nil, fmt.Errorf("pager: alloc: numPages must be > 0")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	first, ok := p.super.freeList.take(numPages)
	if !ok {
		var err error
		first, err = p.grow(numPages)
		if err != nil {
			return 0, nil, err
		}
	}

	hdr := PageHeader{OwnerHash: ownerHash, TableType: tableType, Flags: flags, NumPages: numPages}
	buf := p.pageBytes(first)
	for i := range buf {
		buf[i] = 0
	}
	hdr.encode(buf)

	return first, buf, nil
}

// Read returns a read-only view of pageNo. The slice aliases the mapped
// file and is valid until the next Free/grow.
func (p *Pager) Read(pageNo uint32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageBytes(pageNo)
}

// Modify returns a writable view of pageNo.
func (p *Pager) Modify(pageNo uint32) []byte {
	return p.Read(pageNo)
}

// Header decodes the common PageHeader at the start of pageNo.
func (p *Pager) Header(pageNo uint32) PageHeader {
	return decodeHeader(p.Read(pageNo))
}

// ReadRange returns a view spanning numPages pages starting at startPage.
// Because every page of a multi-page allocation is physically contiguous
// in the backing mmap, callers that manage their own sub-page layout across
// an allocation (the raw-data section slab allocator) can treat the whole
// run as one flat byte slice.
func (p *Pager) ReadRange(startPage, numPages uint32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := int(startPage) * PageSize
	return p.data[off : off+int(numPages)*PageSize]
}

// ModifyRange is the writable counterpart of ReadRange.
func (p *Pager) ModifyRange(startPage, numPages uint32) []byte {
	return p.ReadRange(startPage, numPages)
}

// SetOverflowSize patches the OverflowSize field of an already-allocated
// page's header, used once the exact payload length of an overflow run is
// known.
func (p *Pager) SetOverflowSize(pageNo uint32, size uint32) {
	buf := p.Modify(pageNo)
	hdr := decodeHeader(buf)
	hdr.OverflowSize = size
	hdr.encode(buf)
}

// SetFlags patches the Flags field of an already-allocated page's header,
// used when an in-place overflow update changes whether the payload is
// compressed without changing its page-count class.
func (p *Pager) SetFlags(pageNo uint32, flags byte) {
	buf := p.Modify(pageNo)
	hdr := decodeHeader(buf)
	hdr.Flags = flags
	hdr.encode(buf)
}

// Free releases a numPages run starting at pageNo back to the free list.
func (p *Pager) Free(pageNo, numPages uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.super.freeList.put(pageNo, numPages)
}

// Session returns this open's diagnostic session token. It is never
// persisted and never contributes to any owner-hash computation.
func (p *Pager) Session() uuid.UUID {
	return p.session
}
