// Package ftl carries the task traffic between the FTL core and the
// StorPU cores: context-lifecycle and invoke requests in one direction,
// flash/host I/O requests in the other, with completions flowing back
// over lock-free lists and doorbell IPIs.
package ftl

import "time"

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/llist"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/proc"
import "github.com/nobodyknowsthat/storpu/stats"

// Storputask_t is an FTL -> StorPU request. The payload union of the
// wire format is flattened into per-kind fields.
type Storputask_t struct {
	node llist.Node_t[*Storputask_t]

	Kind   int32
	Retval int32

	Create struct {
		Soaddr uintptr
		Cidout uint32
	}
	Delete struct {
		Cid uint32
	}
	Invoke struct {
		Cid    uint32
		Entry  uintptr
		Arg    uintptr
		Result uintptr
	}

	// ack is the waiter cookie: capacity 1 so a completion that
	// arrives after a submit timeout is posted without blocking and
	// simply discarded.
	ack chan struct{}
}

// Reapfinish posts the invoke completion when the spawned thread is
// reaped.
func (t *Storputask_t) Reapfinish(result uintptr) {
	t.Retval = 0
	t.Invoke.Result = result
	Enqueue_storpu_completion(t)
}

// Ftltask_t is a StorPU -> FTL I/O or sync request.
type Ftltask_t struct {
	node llist.Node_t[*Ftltask_t]

	Kind   int32
	Srccpu int32
	Retval int32

	Nsid    uint32
	Bufphys mem.Pa_t
	Addr    uintptr
	Count   uintptr

	waiter *proc.Thread_t
}

// Servicer_i handles FTL-bound I/O tasks; the production FTL sits
// behind it, tests plug in a mock.
type Servicer_i interface {
	Service(t *Ftltask_t) int32
}

var reqq llist.List_t[*Storputask_t]
var compq llist.List_t[*Storputask_t]
var ftlq llist.List_t[*Ftltask_t]

// Reqdoorbell wakes a StorPU service thread; installed at boot.
var Reqdoorbell func()

var compdoorch chan struct{}
var ftldoorch chan struct{}

// Ftl_init resets the queues and starts the FTL-side loops: the
// completion-IPI handler and the I/O servicer. Closing over the old
// channels retires any previous incarnation.
func Ftl_init(sv Servicer_i) {
	if compdoorch != nil {
		close(compdoorch)
	}
	if ftldoorch != nil {
		close(ftldoorch)
	}

	reqq.Reset()
	compq.Reset()
	ftlq.Reset()

	compdoorch = make(chan struct{}, 1)
	ftldoorch = make(chan struct{}, 1)

	go completionloop(compdoorch)
	go servicerloop(ftldoorch, sv)
}

func ring(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue_storpu_request queues a request for the StorPU cores and
// rings their doorbell.
func Enqueue_storpu_request(t *Storputask_t) {
	t.node.Val = t
	reqq.Push(&t.node)
	if Reqdoorbell != nil {
		Reqdoorbell()
	}
}

// Reqpending reports whether requests are waiting.
func Reqpending() bool {
	return !reqq.Empty()
}

// Dequeue_storpu_requests drains the request queue in FIFO order.
func Dequeue_storpu_requests() []*Storputask_t {
	n := llist.Reverse(reqq.Popall())
	var tasks []*Storputask_t
	for ; n != nil; n = n.Next {
		tasks = append(tasks, n.Val)
	}
	return tasks
}

// Enqueue_storpu_completion queues a completed task and sends the
// completion IPI to the FTL core.
func Enqueue_storpu_completion(t *Storputask_t) {
	t.node.Val = t
	compq.Push(&t.node)
	stats.K.Complipi.Inc()
	ring(compdoorch)
}

func handle_storpu_completion() {
	n := llist.Reverse(compq.Popall())
	for ; n != nil; n = n.Next {
		t := n.Val
		if t.ack != nil {
			select {
			case t.ack <- struct{}{}:
			default:
			}
		}
	}
}

func completionloop(door chan struct{}) {
	for range door {
		handle_storpu_completion()
	}
}

// Submit_storpu_task queues a request and blocks until its completion
// arrives or the timeout expires. A timeout of 0 waits forever. A late
// completion after a timeout is accepted and discarded.
func Submit_storpu_task(t *Storputask_t, timeoutms uint32) int32 {
	t.ack = make(chan struct{}, 1)

	Enqueue_storpu_request(t)

	if timeoutms == 0 {
		<-t.ack
		return t.Retval
	}

	select {
	case <-t.ack:
		return t.Retval
	case <-time.After(time.Duration(timeoutms) * time.Millisecond):
		return -int32(defs.ETIMEDOUT)
	}
}

// Submit_ftl_task is the guest side of an I/O request: thread state,
// queue push, and schedule are one unit; the completion path wakes the
// thread after storing the result.
func Submit_ftl_task(t *Ftltask_t) {
	cur := proc.Current()
	if cur == nil {
		panic("ftl submit from outside the scheduler")
	}
	t.waiter = cur
	t.node.Val = t

	proc.Set_current_state(proc.THREAD_BLOCKED)
	ftlq.Push(&t.node)
	stats.K.Ftltask.Inc()
	ring(ftldoorch)
	proc.Schedule()
}

// Enqueue_storpu_ftl_completion wakes the thread blocked on t.
func Enqueue_storpu_ftl_completion(t *Ftltask_t) {
	proc.Wake_up_thread(t.waiter)
}

func servicerloop(door chan struct{}, sv Servicer_i) {
	for range door {
		n := llist.Reverse(ftlq.Popall())
		for ; n != nil; n = n.Next {
			t := n.Val
			t.Retval = sv.Service(t)
			Enqueue_storpu_ftl_completion(t)
		}
	}
}
