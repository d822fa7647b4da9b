// In-place scatter-gather map. For a multi-range transfer to one bdev the caller
// donates its first local range as scratch space, and we lay the range table for the
// block client directly into it - no allocation on the io path.
package sgmap

import (
	c "bdevxfer/internal"
	"unsafe"

	"github.com/negrel/assert"
)

// Fixed binary contract with the block client - LittleEndian, field order and
// sizes are not negotiable per request.
// [count_u32][reserved_u32] then count * [ptr_u64][byte_len_u64][off_lba_u64]
const HDR_SIZE 		= uint64(c.LEN_U64)
const ENTRY_SIZE 	= uint64(3 * c.LEN_U64)

type Entry struct {
	Ptr 	uintptr // ram address of the range
	ByteLen uint64
	OffLba 	uint64 	// byte offset into the bdev
}

// Pure - used by the classifier for its bounds check before anything is written.
func RequiredSize(nEntries int) uint64 {
	return HDR_SIZE + ENTRY_SIZE*uint64(nEntries)
}

// Map is a view over caller-supplied memory. It never allocates and never copies.
type Map struct {
	raw []byte
}

// Place lays a map for nEntries over the memory at addr. The declared length is
// checked BEFORE any byte is touched - a short buffer is refused untouched.
// Entries still have to be filled in with PutEntry after this.
func Place(addr uintptr, declaredLen uint64, nEntries int) (Map, bool) {
	need := RequiredSize(nEntries)
	if need > declaredLen {
		return Map{}, false
	}

	m := Map{raw: unsafe.Slice((*byte)(unsafe.Pointer(addr)), need)}
	c.Bin.PutUint32(m.raw[0:], uint32(nEntries))
	c.Bin.PutUint32(m.raw[c.LEN_U32:], 0)
	return m, true
}

func (m Map) Count() int {
	return int(c.Bin.Uint32(m.raw[0:]))
}

func (m Map) PutEntry(i int, e Entry) {
	assert.Less(i, m.Count(), "sg entry index out of range")

	off := HDR_SIZE + ENTRY_SIZE*uint64(i)
	c.Bin.PutUint64(m.raw[off:], uint64(e.Ptr))
	c.Bin.PutUint64(m.raw[off+c.LEN_U64:], e.ByteLen)
	c.Bin.PutUint64(m.raw[off+2*c.LEN_U64:], e.OffLba)
}

// Decode side - only the block client reads entries back out.
func (m Map) EntryAt(i int) Entry {
	assert.Less(i, m.Count(), "sg entry index out of range")

	off := HDR_SIZE + ENTRY_SIZE*uint64(i)
	return Entry{
		Ptr: 		uintptr(c.Bin.Uint64(m.raw[off:])),
		ByteLen: 	c.Bin.Uint64(m.raw[off+c.LEN_U64:]),
		OffLba: 	c.Bin.Uint64(m.raw[off+2*c.LEN_U64:]),
	}
}

func (m Map) Base() uintptr {
	return uintptr(unsafe.Pointer(&m.raw[0]))
}

func (m Map) Size() uint64 {
	return RequiredSize(m.Count())
}
