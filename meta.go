package mdb

import (
	"fmt"
	"hash/fnv"
	"unsafe"
)

// magic identifies a valid data file.
const magic uint32 = 0xBEEFC0DE

// version is the on-disk format version understood by this package.
const version uint32 = 2

// meta is the dual-copy root record. Two copies live at page ids 0 and
// 1; the copy with the larger txid is authoritative.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucket // main-DB descriptor (DBI 1)
	freeDB   bucket // free-DB descriptor (DBI 0)
	pgid     pgid   // high water mark: first unallocated page
	txid     txid   // committing transaction id
	checksum uint64
}

// validate checks the marker bytes of the meta page to ensure it
// matches the expected format and version.
func (m *meta) validate() error {
	if m.checksum != 0 && m.checksum != m.sum64() {
		return ErrChecksum
	} else if m.magic != magic {
		return ErrInvalid
	} else if m.version != version {
		return ErrVersionMismatch
	}
	return nil
}

// copy copies one meta object to another.
func (m *meta) copy(dest *meta) {
	*dest = *m
}

// write writes the meta onto a page.
func (m *meta) write(p *page) {
	if m.root.root >= m.pgid {
		panic(fmt.Sprintf("root bucket pgid (%d) above high water mark (%d)", m.root.root, m.pgid))
	} else if m.freeDB.root >= m.pgid && m.freeDB.root != 0 {
		panic(fmt.Sprintf("free-db pgid (%d) above high water mark (%d)", m.freeDB.root, m.pgid))
	}

	// Page id is either 0 or 1 which we can determine by the transaction ID.
	p.id = pgid(m.txid % 2)
	p.flags |= metaPageFlag

	// Calculate the checksum.
	m.checksum = m.sum64()

	m.copy(p.meta())
}

// sum64 generates the checksum for the meta.
func (m *meta) sum64() uint64 {
	h := fnv.New64a()
	_, _ = h.Write((*[unsafe.Offsetof(meta{}.checksum)]byte)(unsafe.Pointer(m))[:])
	return h.Sum64()
}
