//go:build linux

package blkclient

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// Fixed pool of numbered slots pinning in-flight requests. The slot number rides
// in SQE user data, and holding the *Request here keeps it reachable until the
// kernel has delivered every CQE for it - even if the submitter already let go
// of the request. Only the ring goroutine touches this, so no locks.
type ticketTab struct {
	freeQ 	[]int // ring-buffer of free slot numbers
	head 	int   // next slot to write to
	cnt 	int
	slots 	[]*Request
}

func createTicketTab(size int) ticketTab {
	t := ticketTab{
		freeQ: 	make([]int, size),
		slots: 	make([]*Request, size),
	}
	for i := range size {
		t.push(i)
	}
	return t
}

func (t *ticketTab) push(v int) {
	if t.cnt == len(t.freeQ) { panic("ticket overflow") }
	t.freeQ[t.head] = v
	t.head = mod(t.head+1, len(t.freeQ))
	t.cnt++
}

func (t *ticketTab) pop() int {
	if t.cnt == 0 { panic("ticket underflow") }
	i := mod(t.head-t.cnt, len(t.freeQ))
	t.cnt--
	return t.freeQ[i]
}

func (t *ticketTab) acq(r *Request) int {
	tk := t.pop()
	t.slots[tk] = r
	return tk
}

func (t *ticketTab) rel(tk int) {
	t.slots[tk] = nil
	t.push(tk)
}

func (t *ticketTab) get(tk int) *Request {
	return t.slots[tk]
}
