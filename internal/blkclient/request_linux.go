//go:build linux

package blkclient

import (
	"math"
	"sync/atomic"

	"bdevxfer/internal/sgmap"

	"golang.org/x/sys/unix"
)

// Keep this below RING_ENTRIES or a single request can wedge the submission sem
const REQ_MAX_RANGES = 0x40

// Request is one pollable io against one bdev - 1..REQ_MAX_RANGES contiguous
// ranges that complete as a unit. The submitter may poll Err() at any cadence,
// or attach a completion callback - the callback runs on the ring goroutine.
//
// WARN: after SubmitIo the request belongs to the ring goroutine until it
// reports terminal. Only Err/RawRes/TryCancel are safe to call while in flight.
type Request struct {
	Op 		OpCode
	Fd 		int

	bufs 	[]uintptr
	lens 	[]uint32
	offs 	[]uint64
	cnt 	uint16
	seen 	uint16 // ring goroutine only

	res 	atomic.Int32 // raw result of the first failing sqe (negative errno), else 0
	done 	atomic.Bool  // written once per flight, strictly after res

	cb 		func(IoErr)
	hasCB 	bool
	cancelled atomic.Bool
}

func (r *Request) reset(op OpCode, fd int) {
	r.Op = op
	r.Fd = fd
	r.bufs = r.bufs[:0]
	r.lens = r.lens[:0]
	r.offs = r.offs[:0]
	r.cnt = 0
}

func (r *Request) addRange(buf uintptr, byteLen uint32, off uint64) {
	r.bufs = append(r.bufs, buf)
	r.lens = append(r.lens, byteLen)
	r.offs = append(r.offs, off)
	r.cnt++
}

// Single contiguous range: ram buf <-> byte offset lba on the bdev.
func (r *Request) Init1Rng(op OpCode, fd int, lba uint64, byteLen uint64, buf uintptr) IoErr {
	if byteLen == 0 || byteLen > math.MaxUint32 || buf == 0 {
		return IoInvalParams
	}
	r.reset(op, fd)
	r.addRange(buf, uint32(byteLen), lba)
	return IoOk
}

// Multi-range from an in-place scatter-gather map. This is the only decode site
// of the map layout.
func (r *Request) InitMulti(op OpCode, fd int, m sgmap.Map) IoErr {
	n := m.Count()
	if n == 0 || n > REQ_MAX_RANGES {
		return IoInvalParams
	}
	r.reset(op, fd)
	for i := range n {
		e := m.EntryAt(i)
		if e.ByteLen == 0 || e.ByteLen > math.MaxUint32 || e.Ptr == 0 {
			return IoInvalParams
		}
		r.addRange(e.Ptr, uint32(e.ByteLen), e.OffLba)
	}
	return IoOk
}

// Callback fires exactly once per flight, on the ring goroutine, after the
// error state is readable. Opts the request out of get-error polling.
func (r *Request) SetCompletion(fn func(IoErr)) {
	r.cb = fn
	r.hasCB = fn != nil
}

// Back to poll-only completion (the default).
func (r *Request) SetPollable() {
	r.cb = nil
	r.hasCB = false
}

func (r *Request) HasCallback() bool { return r.hasCB }
func (r *Request) NumRanges() int    { return int(r.cnt) }

func (r *Request) BufBytes() uint64 {
	total := uint64(0)
	for _, l := range r.lens {
		total += uint64(l)
	}
	return total
}

// Current error state - this is the get-error poll path for requests with no
// callback. Safe from any goroutine.
func (r *Request) Err() IoErr {
	if !r.done.Load() {
		return IoInTransfer
	}
	res := r.res.Load()
	if res >= 0 {
		return IoOk
	}
	if res == -int32(unix.EINVAL) {
		return IoInvalParams
	}
	return IoBackendErr
}

// Raw native result for diagnosis, only meaningful once terminal.
func (r *Request) RawRes() int32 {
	return r.res.Load()
}

// Best effort. Completed io - meaningless, reports false. In-flight io is
// flagged so its completion is discarded when it lands; the kernel owns the
// buffers until then, so the request stays pinned in the ticket table either way.
func (r *Request) TryCancel() bool {
	if r.done.Load() {
		return false
	}
	r.cancelled.Store(true)
	return true
}
