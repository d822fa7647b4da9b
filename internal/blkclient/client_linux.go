//go:build linux

package blkclient

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

const ALIGN 		= uint64(0x1000)
const MMAP_MODE 	= unix.MAP_ANON | unix.MAP_PRIVATE
const MMAP_PROT 	= unix.PROT_READ | unix.PROT_WRITE
const F_OPEN_DIRECT 	= unix.O_RDWR | unix.O_CREAT | unix.O_DIRECT
const F_OPEN_BUFFERED 	= unix.O_RDWR | unix.O_CREAT
const F_OPEN_PERM 	= 0b_000_110_100_000
const RING_ENTRIES 	= 0x80
const RING_DPTHTRG 	= 0x40
const OP_Q_SIZE 	= 0x100

// For io buffers - not for io_uring itself, the ring library handles mmap-ing
// its own queues. This allocation is aligned to the system page size, which is
// what direct-mode bdevs demand of every buffer.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, int(size), MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

// Context is the process-wide client: the bdev table from the config text and
// one io_uring driven by a dedicated goroutine. Submitters never touch the ring,
// they hand requests over a channel and read completion state back through
// atomics (or get called back).
type Context struct {
	log 	*slog.Logger
	ring 	*giouring.Ring
	opQueue	chan *Request
	opSem 	chan struct{}
	quit 	chan struct{}

	bdevs 	bdevMap
}

func CreateContext(cfg Config) (*Context, error) {
	log := slog.With("src", "BlkClient", "client", cfg.ClientName)

	defs, err := parseConf(cfg.ConfText)
	if err != nil {
		log.Error("CreateContext", "err", err)
		return nil, err
	}

	if cfg.MaxInflight <= 0 || cfg.MaxInflight > RING_ENTRIES {
		cfg.MaxInflight = RING_ENTRIES
	} else if cfg.MaxInflight < REQ_MAX_RANGES {
		// a request takes one sem slot per range before the ring goroutine
		// ever sees it - a cap below the max fanout would wedge submit forever
		cfg.MaxInflight = REQ_MAX_RANGES
	}

	ring, err := giouring.CreateRing(RING_ENTRIES)
	if err != nil { return nil, err }

	ctx := Context{
		log: 		log,
		ring: 		ring,
		opQueue: 	make(chan *Request, OP_Q_SIZE),
		opSem: 		make(chan struct{}, cfg.MaxInflight),
		quit: 		make(chan struct{}),
	}
	ctx.bdevs.init(log, defs)

	go ctx.ringlord()
	return &ctx, nil
}

// Signals the ring goroutine to tear the ring down once it drains. Open bdevs
// are force-closed - disconnect them properly first if you care about the rv.
func (c *Context) Close() error {
	close(c.quit)
	c.bdevs.closeAll()
	return nil
}

// WARN: the request must have a fixed address and must not be reinitialized by
// the caller until it reports terminal.
func (c *Context) SubmitIo(r *Request) {
	r.done.Store(false)
	r.res.Store(0)
	r.cancelled.Store(false)
	for range r.cnt {
		c.opSem <- struct{}{}
	}
	c.opQueue <- r
}

func (c *Context) prepSQEs(op *Request, tickets *ticketTab) uint {
	op.seen = 0

	switch op.Op {
	case OpNop:
		tk := tickets.acq(op)
		for range op.cnt {
			sqe := c.ring.GetSQE()
			sqe.PrepareNop()
			sqe.UserData = uint64(tk)
		}

	case OpWrite:
		tk := tickets.acq(op)
		for i := range op.cnt {
			sqe := c.ring.GetSQE()
			sqe.PrepareWrite(op.Fd, op.bufs[i], op.lens[i], op.offs[i])
			sqe.UserData = uint64(tk)
		}

	case OpRead:
		tk := tickets.acq(op)
		for i := range op.cnt {
			sqe := c.ring.GetSQE()
			sqe.PrepareRead(op.Fd, op.bufs[i], op.lens[i], op.offs[i])
			sqe.UserData = uint64(tk)
		}

	default:
		c.log.Warn("Invalid opcode", "opcode", op.Op)
		for range op.cnt {
			<-c.opSem
		}
		c.complete(op, -int32(unix.EINVAL))
		return 0
	}

	return uint(op.cnt)
}

// Terminal-state publication: res first, done second, callback last. Pollers
// read done before res so they can never observe a half-written result.
func (c *Context) complete(op *Request, res int32) {
	op.res.Store(res)
	op.done.Store(true)
	if op.cancelled.Load() {
		// whoever submitted this already walked away - nobody to tell
		c.log.Debug("io done after cancel, dropped", "op", op.Op, "res", res)
		return
	}
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.Debug("io done", "op", op.Op, "ranges", op.cnt, "res", res, "sum", op.rangeSum(0))
	}
	if op.hasCB {
		op.cb(op.Err())
	}
}

// Ring manager loop, split into three phases:
// 1. collect submitted requests from the worker-facing opQueue, get+prepare SQEs
// 2. submit to the submission queue
// 3. reap completed CQEs and publish terminal state
// A request takes one ticket for all its SQEs; the ticket (and so the request)
// is held until the last CQE for it is seen.
func (c *Context) ringlord() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(1)
	err := unix.SchedSetaffinity(0, &cpuSet)
	if err != nil { c.log.Warn("Couldn't set core affinity for ring manager") }

	tickets := createTicketTab(RING_ENTRIES)

	var queued   uint = 0 // SQEs prepared from the opQueue, not yet submitted
	var inflight uint = 0 // SQEs submitted, CQE not yet seen

	for {
		// STAGE 1
		if inflight == 0 && queued == 0 {
			// nothing to reap and nothing to submit - block until theres work
			// or we are told to die
			select {
			case op := <-c.opQueue:
				queued += c.prepSQEs(op, &tickets)
			case <-c.quit:
				c.ring.QueueExit()
				return
			}
		}
		// Non-blocking
		COLLECT: for {
			select {
			case op := <-c.opQueue:
				queued += c.prepSQEs(op, &tickets)
			default:
				break COLLECT
			}
		}

		// STAGE 2
		if queued > 0 {
			var submitted uint
			var err error
			if inflight+queued > RING_DPTHTRG {
				submitted, err = c.ring.SubmitAndWait(8)
			} else {
				submitted, err = c.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				c.log.Error("Submit", "err", err)
			}
			queued -= submitted
			inflight += submitted
		}

		// STAGE 3
		for inflight > 0 {
			cqe, err := c.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				c.log.Error("Peek cqe fatal error", "err", err)
				panic("Something wrong with your IO_URING!")
			}

			if cqe == nil {
				c.log.Warn("cqe == nil but we didnt get an err (eagain)?")
				break
			}

			inflight--

			tk := int(cqe.UserData)
			op := tickets.get(tk)
			op.seen++

			if !op.done.Load() && (cqe.Res < 0 || op.seen == op.cnt) {
				c.complete(op, cqe.Res)
			}
			if op.seen == op.cnt {
				// kernel is finished with this request, safe to unpin
				tickets.rel(tk)
			}

			c.ring.CQESeen(cqe)
			<-c.opSem
		}
	}
}
