package proc

import "container/list"
import "runtime"
import "sync"
import "sync/atomic"

// Futex_t is the in-kernel wait primitive keyed on a caller-supplied
// 32-bit word. The queue lock is a leaf lock.
type Futex_t struct {
	l       sync.Mutex
	waiters list.List
}

// Wait blocks the calling thread while *word still equals old. A wait
// that loses the race (the word changed before the queue lock was
// taken) returns immediately; spurious wake-ups return 0. A caller
// from outside the scheduler (the FTL world touching a shared lock)
// spins instead of sleeping.
func (f *Futex_t) Wait(word *uint32, old uint32) int {
	t := Current()
	if t == nil {
		for atomic.LoadUint32(word) == old {
			runtime.Gosched()
		}
		return 0
	}

	f.l.Lock()
	if atomic.LoadUint32(word) != old {
		f.l.Unlock()
		return 0
	}

	t.state.Store(THREAD_BLOCKED)
	t.waitel = f.waiters.PushBack(t)
	f.l.Unlock()

	Schedule()
	return 0
}

// Wake dequeues up to count waiters and makes each runnable, sending a
// reschedule IPI when the waiter's cpu is remote.
func (f *Futex_t) Wake(count uint32) int {
	f.l.Lock()
	for count > 0 {
		el := f.waiters.Front()
		if el == nil {
			break
		}
		t := el.Value.(*Thread_t)
		f.waiters.Remove(el)
		t.waitel = nil

		Wake_up_thread(t)
		count--
	}
	f.l.Unlock()
	return 0
}
