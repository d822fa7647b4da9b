package engine

import (
	"log/slog"
	"sync/atomic"

	"bdevxfer/internal/blkclient"
	"bdevxfer/internal/sgmap"
)

// One logical transfer - either a single native request or a compound of them.
// Building and executing are separate phases: the classifier builds, the caller
// drives exec then polls to a terminal status. Nothing here ever blocks.
type xferNode interface {
	exec() Status
	poll() Status
	cancel()
}

// singleXfer wraps one native io. The rv cell is the only synchronization with
// the client: single writer (the completion side) / single reader (poll).
type singleXfer struct {
	log 	*slog.Logger
	clnt 	*blkclient.Context
	io 		blkclient.Request
	rv 		atomic.Int32 // last observed client io code
}

func createSingleXfer(clnt *blkclient.Context, log *slog.Logger, pollable bool) *singleXfer {
	x := &singleXfer{log: log, clnt: clnt}
	x.rv.Store(int32(blkclient.IoInTransfer)) // pending until terminal
	if pollable {
		x.io.SetPollable()
	} else {
		x.io.SetCompletion(func(e blkclient.IoErr) {
			// must be the last thing the completion does - once stored, the
			// polling side may release the node
			x.rv.Store(int32(e))
		})
	}
	return x
}

func (x *singleXfer) set1Rng(op blkclient.OpCode, fd int, local Desc, remote Desc) error {
	if rv := x.io.Init1Rng(op, fd, uint64(remote.Addr), local.Len, local.Addr); rv != blkclient.IoOk {
		x.log.Error("bad range", "devId", remote.DevId, "buf", local.Addr, "len", local.Len)
		return ErrInvalidParam
	}
	x.log.Debug("RNG1", "op", op, "devId", remote.DevId, "buf", local.Addr,
		"len", local.Len, "lba", uint64(remote.Addr), "fd", fd)
	return nil
}

func (x *singleXfer) setMapped(op blkclient.OpCode, fd int, m sgmap.Map) error {
	if rv := x.io.InitMulti(op, fd, m); rv != blkclient.IoOk {
		x.log.Error("bad sg map", "entries", m.Count(), "fd", fd)
		return ErrInvalidParam
	}
	x.log.Debug("SGL", "op", op, "entries", m.Count(), "map", m.Base(), "fd", fd)
	return nil
}

func (x *singleXfer) exec() Status {
	x.rv.Store(int32(blkclient.IoInTransfer))
	x.clnt.SubmitIo(&x.io)
	x.log.Debug("io start", "op", x.io.Op, "ranges", x.io.NumRanges(),
		"kb", x.io.BufBytes()>>10)
	return InProg
}

func (x *singleXfer) poll() Status {
	if !x.io.HasCallback() {
		// no completion callback on this one - query the client error state
		x.rv.Store(int32(x.io.Err()))
	}
	e := blkclient.IoErr(x.rv.Load())
	s := ioToStatus(e)
	if s == BackendErr {
		x.log.Error("io exec error", "op", x.io.Op, "code", int32(e), "res", x.io.RawRes())
	}
	return s
}

func (x *singleXfer) cancel() {
	x.io.TryCancel()
}

// compoundXfer owns an ordered set of children spanning heterogeneous bdevs.
// There is no shared native completion primitive across devices, so completion
// is computed by re-polling every child - O(children) per poll, cached once
// terminal.
type compoundXfer struct {
	log 	*slog.Logger
	agg 	atomic.Int32 // Status
	child 	[]xferNode
}

func createCompoundXfer(log *slog.Logger, nSubIOs int) *compoundXfer {
	x := &compoundXfer{log: log}
	x.agg.Store(int32(InProg))
	x.child = make([]xferNode, 0, nSubIOs)
	return x
}

// Children are submitted in index order but complete in any order - there is no
// ordering dependency between devices.
func (x *compoundXfer) exec() Status {
	x.agg.Store(int32(InProg))
	x.log.Debug("compound start", "nSubIOs", len(x.child))
	for _, sub := range x.child {
		sub.exec() // rv is known to be in-progress
	}
	return InProg
}

func (x *compoundXfer) poll() Status {
	if s := Status(x.agg.Load()); s != InProg {
		return s // all children already resolved into this aggregate
	}
	for _, sub := range x.child {
		if sub.poll() == InProg {
			return InProg // at least 1 sub-io still in air
		}
	}
	// All children terminal - first failed child in index order wins, the
	// rest dont matter
	for i, sub := range x.child {
		if s := sub.poll(); s != Success {
			x.log.Debug("compound done, inherit sub io status", "idx", i, "status", s)
			x.agg.Store(int32(s))
			return s
		}
	}
	x.log.Debug("compound done, success")
	x.agg.Store(int32(Success))
	return Success
}

func (x *compoundXfer) cancel() {
	for _, sub := range x.child {
		sub.cancel()
	}
}
