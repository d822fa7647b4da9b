//go:build linux

package blkclient

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

type BdevInfo struct {
	Fd 			int 	// native descriptor, borrowed by submitters for the connect duration
	BlockSize 	uint32
	NumBlocks 	uint64
	Name 		string
}

// Connected bdevs. Connect/disconnect can race with registrations on other
// goroutines so this is mutex-owned; the io path never takes the lock, it
// carries borrowed fds.
type bdevMap struct {
	log 	*slog.Logger
	mu 		sync.Mutex
	defs 	map[uint64]BdevDef
	open 	map[uint64]*bdevState
}

type bdevState struct {
	info 	BdevInfo
	def 	BdevDef
	bufs 	[]regdBuf
}

type regdBuf struct {
	ptr 	uintptr
	byteLen uint64
}

func (b *bdevMap) init(log *slog.Logger, defs map[uint64]BdevDef) {
	b.log = log
	b.defs = defs
	b.open = make(map[uint64]*bdevState)
}

// Idempotent - connecting a connected bdev is OK (the engine refcounts above us).
func (c *Context) BdevConnect(devId uint64) ConnRv {
	b := &c.bdevs
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.open[devId]; ok {
		return ConnOk
	}
	def, ok := b.defs[devId]
	if !ok {
		b.log.Error("connect: bdev not in conf", "devId", devId)
		return ConnNoDevice
	}

	mode := F_OPEN_BUFFERED
	if def.Direct { mode = F_OPEN_DIRECT }
	fd, err := unix.Open(def.Path, mode, F_OPEN_PERM)
	if err != nil {
		b.log.Error("connect: open failed", "devId", devId, "path", def.Path, "err", err)
		return ConnBackendErr
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		b.log.Error("connect: fstat failed", "devId", devId, "err", err)
		return ConnBackendErr
	}

	info := BdevInfo{
		Fd: 		fd,
		BlockSize: 	uint32(st.Blksize),
		NumBlocks: 	uint64(st.Size) / uint64(st.Blksize),
		Name: 		def.Path,
	}
	b.open[devId] = &bdevState{info: info, def: def}
	b.log.Debug("connect", "devId", devId, "fd", fd,
		"block_size", info.BlockSize, "num_blocks", info.NumBlocks, "name", info.Name)
	return ConnOk
}

// The fd must have no in-flight io - the engine defers disconnect while
// operations still borrow the descriptor.
func (c *Context) BdevDisconnect(devId uint64) ConnRv {
	b := &c.bdevs
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.open[devId]
	if !ok {
		return ConnNoDevice
	}
	if err := unix.Close(s.info.Fd); err != nil {
		// entry stays - a later disconnect can retry
		b.log.Error("disconnect: close failed", "devId", devId, "fd", s.info.Fd, "err", err)
		return ConnBackendErr
	}
	delete(b.open, devId)
	b.log.Debug("disconnect", "devId", devId, "fd", s.info.Fd, "name", s.info.Name)
	return ConnOk
}

func (c *Context) BdevGetInfo(devId uint64) (BdevInfo, bool) {
	b := &c.bdevs
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.open[devId]
	if !ok {
		return BdevInfo{}, false
	}
	return s.info, true
}

// Buffer pinning bookkeeping. Direct-mode bdevs want every io inside a
// registered, page-aligned region.
func (c *Context) BufsRegister(devId uint64, ptr uintptr, byteLen uint64) ConnRv {
	b := &c.bdevs
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.open[devId]
	if !ok {
		return ConnNoDevice
	}
	if ptr == 0 || byteLen == 0 {
		return ConnWrongArgs
	}
	if s.def.Direct && uint64(ptr)%ALIGN != 0 {
		b.log.Error("register buf: unaligned for direct bdev", "devId", devId, "ptr", ptr)
		return ConnWrongArgs
	}
	s.bufs = append(s.bufs, regdBuf{ptr, byteLen})
	return ConnOk
}

func (c *Context) BufsUnregister(devId uint64, ptr uintptr, byteLen uint64) ConnRv {
	b := &c.bdevs
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.open[devId]
	if !ok {
		return ConnNoDevice
	}
	for i, r := range s.bufs {
		if r.ptr == ptr && r.byteLen == byteLen {
			s.bufs = append(s.bufs[:i], s.bufs[i+1:]...)
			return ConnOk
		}
	}
	return ConnWrongArgs
}

func (b *bdevMap) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for devId, s := range b.open {
		if err := unix.Close(s.info.Fd); err != nil {
			b.log.Warn("closeAll", "devId", devId, "err", err)
		}
		delete(b.open, devId)
	}
}
