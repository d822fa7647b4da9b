//go:build linux

package blkclient

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/cespare/xxhash"
)

// Only meaningful once the request is terminal - in flight, seen and the range
// slices belong to the ring goroutine.
func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Req | Op: %v, Fd: 0x%x, Done: %v, Count: %d, Seen: %d, Res: 0x%x\n",
		r.Op, r.Fd, r.done.Load(), r.cnt, r.seen, r.res.Load())

	for i := range r.cnt {
		var d string
		if i+1 == r.seen {
			d = ">"
		} else {
			d = "|"
		}
		fmt.Fprintf(&b, "   %s [%02d] %-5s [ Buf: @0x%x | Len: 0x%08x | Lba: 0x%08x]\n",
			d, i, r.Op, r.bufs[i], r.lens[i], r.offs[i])
	}

	return b.String()
}

// Checksum of one range for completion traces - lets you eyeball whether two
// sides of a transfer moved the same bytes without dumping them.
func (r *Request) rangeSum(i int) uint64 {
	if int(r.cnt) <= i || r.lens[i] == 0 {
		return 0
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(r.bufs[i])), r.lens[i])
	return xxhash.Sum64(buf)
}
