//go:build linux

package blkclient

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"

	"bdevxfer/internal/sgmap"
)

const TEST_PAGE = 0x1000

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

func tempfile(t *testing.T) string {
	dir := t.TempDir()
	return filepath.Join(dir, fmt.Sprintf("blktest%016x.bin", rand.Uint64()))
}

// Non-direct mode so this runs on tmpfs / CI filesystems too
func confFor(bdevs map[uint64]string) string {
	text := "# test bdevs\n"
	for devId, path := range bdevs {
		text += fmt.Sprintf("0x%x f W N %s sec=0x3\n", devId, path)
	}
	return text
}

func fillRand(buf []byte) {
	src := rand.NewPCG(uint64(time.Now().UnixNano()), 0xb10cdef)
	r := rand.New(src)
	data := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), len(buf)/8)
	for i := range data {
		data[i] = r.Uint64()
	}
}

func base(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func testCtx(t *testing.T, bdevs map[uint64]string) *Context {
	ctx, err := CreateContext(Config{ClientName: "blktest", ConfText: confFor(bdevs)})
	if err != nil { t.Fatal(err) }
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func waitTerminal(t *testing.T, r *Request) IoErr {
	deadline := time.Now().Add(10 * time.Second)
	for {
		if e := r.Err(); e != IoInTransfer {
			return e
		}
		if time.Now().After(deadline) {
			t.Fatal("io stuck in transfer", r)
		}
		runtime.Gosched()
	}
}

func Test_Client_Connect(t *testing.T) {
	ctx := testCtx(t, map[uint64]string{0x11: tempfile(t)})

	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11))
	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11)) // idempotent

	info, ok := ctx.BdevGetInfo(0x11)
	assert.True(t, ok)
	assert.Greater(t, info.Fd, 0)

	assert.Equal(t, ConnNoDevice, ctx.BdevConnect(0x99))

	assert.Equal(t, ConnOk, ctx.BdevDisconnect(0x11))
	assert.Equal(t, ConnNoDevice, ctx.BdevDisconnect(0x11))
}

func Test_Client_Bufs_Register(t *testing.T) {
	ctx := testCtx(t, map[uint64]string{0x11: tempfile(t)})
	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11))

	slab, err := AllocSlab(TEST_PAGE)
	if err != nil { t.Fatal(err) }
	defer DeallocSlab(slab)

	assert.Equal(t, ConnOk, ctx.BufsRegister(0x11, base(slab), TEST_PAGE))
	assert.Equal(t, ConnWrongArgs, ctx.BufsRegister(0x11, 0, TEST_PAGE))
	assert.Equal(t, ConnNoDevice, ctx.BufsRegister(0x99, base(slab), TEST_PAGE))

	assert.Equal(t, ConnOk, ctx.BufsUnregister(0x11, base(slab), TEST_PAGE))
	assert.Equal(t, ConnWrongArgs, ctx.BufsUnregister(0x11, base(slab), TEST_PAGE))
}

func Test_Client_1Rng_WriteRead(t *testing.T) {
	ctx := testCtx(t, map[uint64]string{0x11: tempfile(t)})
	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11))
	info, _ := ctx.BdevGetInfo(0x11)

	slab, err := AllocSlab(2 * TEST_PAGE)
	if err != nil { t.Fatal(err) }
	defer DeallocSlab(slab)
	fillRand(slab[:TEST_PAGE])

	// write with a completion callback
	var wreq Request
	done := make(chan IoErr, 1)
	wreq.SetCompletion(func(e IoErr) { done <- e })
	assert.Equal(t, IoOk, wreq.Init1Rng(OpWrite, info.Fd, 0, TEST_PAGE, base(slab)))
	ctx.SubmitIo(&wreq)
	assert.Equal(t, IoOk, <-done)

	// read back with get-error polling, no callback
	var rreq Request
	assert.False(t, rreq.HasCallback())
	assert.Equal(t, IoOk, rreq.Init1Rng(OpRead, info.Fd, 0, TEST_PAGE, base(slab[TEST_PAGE:])))
	ctx.SubmitIo(&rreq)
	assert.Equal(t, IoOk, waitTerminal(t, &rreq))

	assert.Equal(t, xxhash.Sum64(slab[:TEST_PAGE]), xxhash.Sum64(slab[TEST_PAGE:]))
	assert.True(t, slices.Equal(slab[:TEST_PAGE], slab[TEST_PAGE:]))
}

func Test_Client_Init_Bad_Ranges(t *testing.T) {
	var req Request
	assert.Equal(t, IoInvalParams, req.Init1Rng(OpWrite, 3, 0, 0, 0xdead0000))
	assert.Equal(t, IoInvalParams, req.Init1Rng(OpWrite, 3, 0, TEST_PAGE, 0))
}

func Test_Client_Multi_Map_RoundTrip(t *testing.T) {
	const N_RANGES = 4
	ctx := testCtx(t, map[uint64]string{0x11: tempfile(t)})
	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11))
	info, _ := ctx.BdevGetInfo(0x11)

	// pages 0..3 payload, page 4 map scratch, pages 5..8 read targets
	slab, err := AllocSlab(9 * TEST_PAGE)
	if err != nil { t.Fatal(err) }
	defer DeallocSlab(slab)
	fillRand(slab[:N_RANGES*TEST_PAGE])

	scratch := slab[4*TEST_PAGE : 5*TEST_PAGE]
	m, ok := sgmap.Place(base(scratch), TEST_PAGE, N_RANGES)
	assert.True(t, ok)
	for i := range N_RANGES {
		m.PutEntry(i, sgmap.Entry{
			Ptr: 		base(slab[i*TEST_PAGE:]),
			ByteLen: 	TEST_PAGE,
			OffLba: 	uint64(i * TEST_PAGE),
		})
	}

	var wreq Request
	assert.Equal(t, IoOk, wreq.InitMulti(OpWrite, info.Fd, m))
	assert.Equal(t, N_RANGES, wreq.NumRanges())
	assert.Equal(t, uint64(N_RANGES*TEST_PAGE), wreq.BufBytes())
	ctx.SubmitIo(&wreq)
	assert.Equal(t, IoOk, waitTerminal(t, &wreq))

	// reuse the scratch page for the read-side map
	m, ok = sgmap.Place(base(scratch), TEST_PAGE, N_RANGES)
	assert.True(t, ok)
	for i := range N_RANGES {
		m.PutEntry(i, sgmap.Entry{
			Ptr: 		base(slab[(5+i)*TEST_PAGE:]),
			ByteLen: 	TEST_PAGE,
			OffLba: 	uint64(i * TEST_PAGE),
		})
	}

	var rreq Request
	assert.Equal(t, IoOk, rreq.InitMulti(OpRead, info.Fd, m))
	ctx.SubmitIo(&rreq)
	assert.Equal(t, IoOk, waitTerminal(t, &rreq))

	assert.True(t, slices.Equal(slab[:N_RANGES*TEST_PAGE], slab[5*TEST_PAGE:]))
}

// A request takes a sem slot per range before the ring goroutine ever sees it,
// so a tight inflight cap must never be able to wedge submission.
func Test_Client_Small_Inflight_Cap_Fits_Multi(t *testing.T) {
	const N_RANGES = 3
	ctx, err := CreateContext(Config{
		ClientName:  "blktest",
		MaxInflight: 2, // below the request fanout
		ConfText:    confFor(map[uint64]string{0x11: tempfile(t)}),
	})
	if err != nil { t.Fatal(err) }
	t.Cleanup(func() { ctx.Close() })
	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11))
	info, _ := ctx.BdevGetInfo(0x11)

	// pages 0..2 payload, page 3 map scratch
	slab, err := AllocSlab(4 * TEST_PAGE)
	if err != nil { t.Fatal(err) }
	defer DeallocSlab(slab)
	fillRand(slab[:N_RANGES*TEST_PAGE])

	m, ok := sgmap.Place(base(slab[3*TEST_PAGE:]), TEST_PAGE, N_RANGES)
	assert.True(t, ok)
	for i := range N_RANGES {
		m.PutEntry(i, sgmap.Entry{
			Ptr: 		base(slab[i*TEST_PAGE:]),
			ByteLen: 	TEST_PAGE,
			OffLba: 	uint64(i * TEST_PAGE),
		})
	}

	var req Request
	assert.Equal(t, IoOk, req.InitMulti(OpWrite, info.Fd, m))

	submitted := make(chan struct{})
	go func() {
		ctx.SubmitIo(&req)
		close(submitted)
	}()
	select {
	case <-submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("submit wedged on a request wider than the inflight cap")
	}
	assert.Equal(t, IoOk, waitTerminal(t, &req))
}

func Test_Client_Cancel_After_Done_Is_Noop(t *testing.T) {
	ctx := testCtx(t, map[uint64]string{0x11: tempfile(t)})
	assert.Equal(t, ConnOk, ctx.BdevConnect(0x11))
	info, _ := ctx.BdevGetInfo(0x11)

	slab, err := AllocSlab(TEST_PAGE)
	if err != nil { t.Fatal(err) }
	defer DeallocSlab(slab)

	var req Request
	assert.Equal(t, IoOk, req.Init1Rng(OpWrite, info.Fd, 0, TEST_PAGE, base(slab)))
	ctx.SubmitIo(&req)
	assert.Equal(t, IoOk, waitTerminal(t, &req))

	assert.False(t, req.TryCancel())
	assert.Equal(t, IoOk, req.Err()) // result untouched
}
