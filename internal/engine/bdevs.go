package engine

import (
	"log/slog"
	"sync"

	"bdevxfer/internal/blkclient"
)

type bdevEntry struct {
	info 	blkclient.BdevInfo
	ref 	int
	borrows int // unreleased transfers holding the fd
}

// Refcounted device handle table, shared across all transfers. Registrations
// racing with each other serialize on the mutex; transfers only carry borrowed
// fds resolved at prep time, which stay valid until their matching close.
type bdevTab struct {
	log 	*slog.Logger
	clnt 	*blkclient.Context
	mu 		sync.Mutex
	devs 	map[uint64]*bdevEntry
}

func createBdevTab(clnt *blkclient.Context, log *slog.Logger) *bdevTab {
	return &bdevTab{
		log: 	log,
		clnt: 	clnt,
		devs: 	make(map[uint64]*bdevEntry),
	}
}

// Idempotent via refcount - concurrent registrations share one connection.
func (t *bdevTab) open(devId uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.devs[devId]; ok {
		e.ref++
		t.log.Debug("Open: already exists", "devId", devId, "ref", e.ref,
			"fd", e.info.Fd, "name", e.info.Name)
		return nil
	}

	rv := t.clnt.BdevConnect(devId)
	if rv != blkclient.ConnOk {
		t.log.Error("Open: connect failed", "devId", devId, "rv", rv)
		return connToErr(rv)
	}
	info, _ := t.clnt.BdevGetInfo(devId)
	t.devs[devId] = &bdevEntry{info: info, ref: 1}
	t.log.Debug("Open", "devId", devId, "fd", info.Fd, "name", info.Name,
		"block_size", info.BlockSize, "num_blocks", info.NumBlocks)
	return nil
}

func (t *bdevTab) close(devId uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.devs[devId]
	if !ok {
		t.log.Debug("Close: not opened", "devId", devId)
		return nil
	}
	e.ref--
	if e.ref > 0 {
		t.log.Debug("Close: still used", "devId", devId, "ref", e.ref,
			"fd", e.info.Fd, "name", e.info.Name)
		return nil
	}
	if e.borrows > 0 {
		// last reference, but unreleased transfers still hold the fd -
		// rejected rather than deferred, release the transfers first
		e.ref++
		t.log.Error("Close: bdev still borrowed by transfers", "devId", devId,
			"borrows", e.borrows)
		return ErrInvalidParam
	}

	rv := t.clnt.BdevDisconnect(devId)
	if rv != blkclient.ConnOk {
		// Keep the handle registered and the refcount restored so the next
		// close can pick it up and retry the disconnect
		e.ref++
		t.log.Error("Close: disconnect failed", "devId", devId, "rv", rv)
		return connToErr(rv)
	}
	t.log.Debug("Close", "devId", devId, "fd", e.info.Fd, "name", e.info.Name)
	delete(t.devs, devId)
	return nil
}

// Borrowed native descriptor - never owned by the caller. The borrow keeps the
// handle alive (close is rejected) until unborrow, which the engine pairs with
// transfer release.
func (t *bdevTab) borrowFd(devId uint64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.devs[devId]
	if !ok {
		return -1, false
	}
	e.borrows++
	return e.info.Fd, true
}

func (t *bdevTab) unborrow(devId uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.devs[devId]; ok && e.borrows > 0 {
		e.borrows--
	}
}
