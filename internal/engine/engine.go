// Transfer engine: takes index-aligned descriptor-list pairs from the framework,
// classifies them into native block-client requests, and drives submit/poll/release.
package engine

import (
	"log/slog"
	"strings"

	"bdevxfer/internal/blkclient"
	"bdevxfer/internal/sgmap"

	"github.com/negrel/assert"
)

// Memory classes of descriptor lists. The framework defines more; only these
// two make sense for a block backend.
type MemType uint8

const (
	MemDram MemType = iota 	// process memory
	MemBlk 					// byte space of a block device
)

// A contiguous range: ram address (dram) or byte offset into the bdev (blk).
type Desc struct {
	DevId 	uint64
	Addr 	uintptr
	Len 	uint64
}

// Ordered, index-aligned with its partner list for a given transfer.
type DList struct {
	Typ 	MemType
	Descs 	[]Desc
}

type XferOp uint8

const (
	XferRead 	XferOp = iota // bdev -> ram
	XferWrite 				  // ram -> bdev
)

// Option substrings, matched anywhere in the custom string.
const OPT_SGL 		= "-sgl"  // caller donated local[0] as scatter-gather map space
const OPT_POLLABLE 	= "-poll" // no completion callback, poll queries the client

type XferOpts struct {
	Custom string
}

type InitParams struct {
	ClientName 	string
	MaxInflight int
	ConfText 	string
}

type Engine struct {
	log 	*slog.Logger
	clnt 	*blkclient.Context
	bdevs 	*bdevTab
}

func CreateEngine(p InitParams) (*Engine, error) {
	log := slog.With("src", "XferEngine")

	clnt, err := blkclient.CreateContext(blkclient.Config{
		ClientName: 	p.ClientName,
		MaxInflight: 	p.MaxInflight,
		ConfText: 		p.ConfText,
	})
	if err != nil { return nil, err }

	return &Engine{
		log: 	log,
		clnt: 	clnt,
		bdevs: 	createBdevTab(clnt, log),
	}, nil
}

func (e *Engine) Close() error {
	return e.clnt.Close()
}

/*************************** memory registration *****************************/

type MemHandle struct {
	devId 	uint64
	addr 	uintptr
	byteLen uint64
	typ 	MemType
}

// Dram registration opens the bdev (shared via refcount) and pins the buffer
// with the client; blk registration is bookkeeping only. No partial handles
// escape - a failed buffer pin unwinds the open.
func (e *Engine) RegisterMem(d Desc, typ MemType) (*MemHandle, error) {
	if typ != MemDram && typ != MemBlk {
		e.log.Error("register: type not supported", "typ", typ)
		return nil, ErrNotSupported
	}
	e.log.Debug("register", "devId", d.DevId, "addr", d.Addr, "len", d.Len, "typ", typ)

	h := &MemHandle{devId: d.DevId, addr: d.Addr, byteLen: d.Len, typ: typ}
	if typ == MemBlk {
		// device-side ranges need no client pinning
		return h, nil
	}

	if err := e.bdevs.open(d.DevId); err != nil {
		return nil, err
	}
	if rv := e.clnt.BufsRegister(d.DevId, d.Addr, d.Len); rv != blkclient.ConnOk {
		closeErr := e.bdevs.close(d.DevId) // nothing to do with its error code
		e.log.Error("register buf failed", "rv", rv, "closeErr", closeErr,
			"addr", d.Addr, "len", d.Len)
		return nil, connToErr(rv)
	}
	return h, nil
}

func (e *Engine) DeregisterMem(h *MemHandle) error {
	if h == nil {
		e.log.Error("deregister: nil handle")
		return ErrInvalidParam
	}
	e.log.Debug("deregister", "devId", h.devId, "addr", h.addr, "len", h.byteLen, "typ", h.typ)
	if h.typ == MemBlk {
		return nil
	}

	if rv := e.clnt.BufsUnregister(h.devId, h.addr, h.byteLen); rv != blkclient.ConnOk {
		e.log.Error("unregister buf failed", "rv", rv, "addr", h.addr, "len", h.byteLen)
		return connToErr(rv)
	}
	return e.bdevs.close(h.devId)
}

/********************************** IO ***************************************/

// The unit handed back to the framework: build once, exec once, poll to
// terminal, release. Never reused across transfers.
type Xfer struct {
	op 		XferOp
	node 	xferNode
	devs 	[]uint64 // borrowed bdev handles, returned on release
}

func opToClient(op XferOp) blkclient.OpCode {
	if op == XferWrite {
		return blkclient.OpWrite
	}
	return blkclient.OpRead
}

func entireIoTo1Bdev(remote []Desc) bool {
	devId := remote[0].DevId
	for i := 1; i < len(remote); i++ {
		if remote[i].DevId != devId {
			return false
		}
	}
	return true
}

// The classifier. Exactly one node comes out or an error does - building has no
// side effects beyond writing scatter-gather bytes into local[0] in strategy 2,
// and submission never happens here.
func (e *Engine) PrepXfer(op XferOp, local DList, remote DList,
	remoteAgent string, opts *XferOpts) (*Xfer, error) {
	_ = remoteAgent // local backend - the remote agent is ourselves

	if local.Typ != MemDram {
		e.log.Error("prep: local list must be dram", "typ", local.Typ)
		return nil, ErrInvalidParam
	}
	if remote.Typ != MemBlk {
		e.log.Error("prep: remote list must be blk", "typ", remote.Typ)
		return nil, ErrInvalidParam
	}
	nRanges := len(remote.Descs)
	if nRanges == 0 || len(local.Descs) != nRanges {
		e.log.Error("prep: descriptor count mismatch",
			"local", len(local.Descs), "remote", nRanges)
		return nil, ErrInvalidParam
	}

	opc := opToClient(op)
	hasSgl := opts != nil && strings.Contains(opts.Custom, OPT_SGL)
	pollable := opts != nil && strings.Contains(opts.Custom, OPT_POLLABLE)
	oneBdev := entireIoTo1Bdev(remote.Descs)

	// Each resolved fd is a borrow keeping its handle alive until release;
	// any failed build gives every borrow back before returning
	borrowed := make([]uint64, 0, nRanges)
	resolve := func(devId uint64) (int, bool) {
		fd, ok := e.bdevs.borrowFd(devId)
		if ok { borrowed = append(borrowed, devId) }
		return fd, ok
	}
	fail := func(err error) (*Xfer, error) {
		for _, d := range borrowed {
			e.bdevs.unborrow(d)
		}
		return nil, err
	}

	switch {
	case nRanges == 1:
		fd, ok := resolve(remote.Descs[0].DevId)
		if !ok {
			e.log.Error("prep: bdev not open", "devId", remote.Descs[0].DevId)
			return fail(ErrNotFound)
		}
		x := createSingleXfer(e.clnt, e.log, pollable)
		if err := x.set1Rng(opc, fd, local.Descs[0], remote.Descs[0]); err != nil {
			return fail(err)
		}
		return &Xfer{op: op, node: x, devs: borrowed}, nil

	case oneBdev && hasSgl:
		// Whole io goes to one bdev and the caller donated local[0] as map
		// space - one native request carries every range
		fd, ok := resolve(remote.Descs[0].DevId)
		if !ok {
			e.log.Error("prep: bdev not open", "devId", remote.Descs[0].DevId)
			return fail(ErrNotFound)
		}
		nEntries := nRanges - 1 // first range IS the map
		if need := sgmap.RequiredSize(nEntries); need > local.Descs[0].Len {
			// refused before a single byte is written
			e.log.Error("prep: sg map larger than donated range - enlarge the "+
				"mapping or use a shorter transfer list",
				"need", need, "have", local.Descs[0].Len)
			return fail(ErrInvalidParam)
		}
		m, ok2 := sgmap.Place(local.Descs[0].Addr, local.Descs[0].Len, nEntries)
		assert.True(ok2, "bounds were checked above")
		for i := 1; i < nRanges; i++ {
			m.PutEntry(i-1, sgmap.Entry{
				Ptr: 		local.Descs[i].Addr,
				ByteLen: 	local.Descs[i].Len,
				OffLba: 	uint64(remote.Descs[i].Addr),
			})
		}
		x := createSingleXfer(e.clnt, e.log, pollable)
		if err := x.setMapped(opc, fd, m); err != nil {
			return fail(err)
		}
		return &Xfer{op: op, node: x, devs: borrowed}, nil

	default:
		// Heterogeneous bdevs (or no opt-in): one child per remaining pair.
		// A donated sg range cant be used across bdevs - skip it, it carries
		// no payload
		start := 0
		if hasSgl { start = 1 }
		e.log.Debug("compound io", "oneBdev", oneBdev, "hasSgl", hasSgl,
			"nSubIOs", nRanges-start)

		x := createCompoundXfer(e.log, nRanges-start)
		for i := start; i < nRanges; i++ {
			fd, ok := resolve(remote.Descs[i].DevId)
			if !ok {
				e.log.Error("prep: bdev not open", "devId", remote.Descs[i].DevId)
				return fail(ErrNotFound)
			}
			sub := createSingleXfer(e.clnt, e.log, pollable)
			if err := sub.set1Rng(opc, fd, local.Descs[i], remote.Descs[i]); err != nil {
				return fail(err)
			}
			x.child = append(x.child, sub)
		}
		assert.Greater(len(x.child), 0, "compound built with no children")
		return &Xfer{op: op, node: x, devs: borrowed}, nil
	}
}

// Issues the native io(s) and returns immediately - terminal state comes from
// CheckXfer.
func (e *Engine) PostXfer(x *Xfer) Status {
	if x == nil || x.node == nil {
		e.log.Error("post on nil/released handle")
		return InvalidParam
	}
	return x.node.exec()
}

func (e *Engine) CheckXfer(x *Xfer) Status {
	if x == nil || x.node == nil {
		e.log.Error("check on nil/released handle")
		return InvalidParam
	}
	return x.node.poll()
}

// Always succeeds. Unfinished children are cancelled best-effort; the client
// keeps completion targets alive until the native side is done with them.
func (e *Engine) ReleaseXfer(x *Xfer) {
	if x == nil || x.node == nil {
		return
	}
	x.node.cancel()
	x.node = nil
	for _, d := range x.devs {
		e.bdevs.unborrow(d)
	}
	x.devs = nil
}
