package pager

import (
	"encoding/binary"
	"fmt"
)

// Page 0 is the superblock: a free-list of reclaimed page runs and a
// directory mapping tree names to their root page number. Both are small
// (the engine opens few named trees per table and fragmentation is bounded
// by compaction) so they are kept inline in the superblock page rather than
// spilling to an overflow run.

const (
	maxFreeRuns  = 300
	maxDirEntries = 64
	dirNameLen    = 40

	// layout within page 0, after the common header
	freeCountOff = HeaderSize
	freeRunsOff  = freeCountOff + 4
	freeRunSize  = 8 // pageNo uint32 | length uint32

	dirCountOff = freeRunsOff + maxFreeRuns*freeRunSize
	dirOff      = dirCountOff + 4
	dirEntrySize = dirNameLen + 4 // name | pageNo uint32
)

type run struct {
	page uint32
	n    uint32
}

type freeList struct {
	runs []run
}

// take removes and returns the first run with length >= n, splitting it if
// it is larger than needed.
func (fl *freeList) take(n uint32) (uint32, bool) {
	for i, r := range fl.runs {
		if r.n < n {
			continue
		}
		page := r.page
		if r.n == n {
			fl.runs = append(fl.runs[:i], fl.runs[i+1:]...)
		} else {
			fl.runs[i] = run{page: r.page + n, n: r.n - n}
		}
		return page, true
	}
	return 0, false
}

// put returns a run to the free list, merging with an adjacent run when
// present.
func (fl *freeList) put(page, n uint32) {
	for i, r := range fl.runs {
		if r.page+r.n == page {
			fl.runs[i].n += n
			return
		}
		if page+n == r.page {
			fl.runs[i].page = page
			fl.runs[i].n += n
			return
		}
	}
	fl.runs = append(fl.runs, run{page: page, n: n})
}

type directory struct {
	names []string
	pages []uint32
}

func (d *directory) lookup(name string) (uint32, bool) {
	for i, n := range d.names {
		if n == name {
			return d.pages[i], true
		}
	}
	return 0, false
}

func (d *directory) set(name string, page uint32) error {
	for i, n := range d.names {
		if n == name {
			d.pages[i] = page
			return nil
		}
	}
	if len(d.names) >= maxDirEntries {
		return fmt.Errorf("pager: tree directory is full (max %d)", maxDirEntries)
	}
	if len(name) > dirNameLen {
		return fmt.Errorf("pager: tree name %q exceeds %d bytes", name, dirNameLen)
	}
	d.names = append(d.names, name)
	d.pages = append(d.pages, page)
	return nil
}

type superblock struct {
	freeList freeList
	dir      directory
}

func decodeSuperblock(buf []byte) superblock {
	var sb superblock

	count := binary.LittleEndian.Uint32(buf[freeCountOff : freeCountOff+4])
	for i := uint32(0); i < count; i++ {
		off := freeRunsOff + int(i)*freeRunSize
		sb.freeList.runs = append(sb.freeList.runs, run{
			page: binary.LittleEndian.Uint32(buf[off : off+4]),
			n:    binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		})
	}

	dcount := binary.LittleEndian.Uint32(buf[dirCountOff : dirCountOff+4])
	for i := uint32(0); i < dcount; i++ {
		off := dirOff + int(i)*dirEntrySize
		nameBuf := buf[off : off+dirNameLen]
		end := 0
		for end < len(nameBuf) && nameBuf[end] != 0 {
			end++
		}
		name := string(nameBuf[:end])
		page := binary.LittleEndian.Uint32(buf[off+dirNameLen : off+dirNameLen+4])
		sb.dir.names = append(sb.dir.names, name)
		sb.dir.pages = append(sb.dir.pages, page)
	}

	return sb
}

func (sb superblock) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}

	hdr := PageHeader{TableType: 0, Flags: 0, NumPages: 1}
	hdr.encode(buf)

	n := len(sb.freeList.runs)
	if n > maxFreeRuns {
		n = maxFreeRuns
	}
	binary.LittleEndian.PutUint32(buf[freeCountOff:freeCountOff+4], uint32(n))
	for i := 0; i < n; i++ {
		off := freeRunsOff + i*freeRunSize
		binary.LittleEndian.PutUint32(buf[off:off+4], sb.freeList.runs[i].page)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], sb.freeList.runs[i].n)
	}

	dn := len(sb.dir.names)
	binary.LittleEndian.PutUint32(buf[dirCountOff:dirCountOff+4], uint32(dn))
	for i := 0; i < dn; i++ {
		off := dirOff + i*dirEntrySize
		copy(buf[off:off+dirNameLen], sb.dir.names[i])
		binary.LittleEndian.PutUint32(buf[off+dirNameLen:off+dirNameLen+4], sb.dir.pages[i])
	}
}

// OpenTree returns the root page of the named tree, creating an
// empty-marker entry (root page 0 means "not yet allocated") on first use.
func (p *Pager) OpenTree(name string) (rootPage uint32, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if page, ok := p.super.dir.lookup(name); ok {
		return page, false, nil
	}
	if err := p.super.dir.set(name, 0); err != nil {
		return 0, false, err
	}
	return 0, true, nil
}

// SetTreeRoot updates the root page recorded for a named tree, e.g. after
// the tree's own root splits or is first allocated.
func (p *Pager) SetTreeRoot(name string, page uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.super.dir.set(name, page)
}
