package proc

import "container/list"
import "sync"

import "github.com/nobodyknowsthat/storpu/stats"

// Stopfn_t is a stopper work function.
type Stopfn_t func(arg any) int

// Stopwork_t is one queued stopper work item.
type Stopwork_t struct {
	fn  Stopfn_t
	arg any
}

type stopper_t struct {
	thread *Thread_t

	sync.Mutex
	works *list.List
}

func stopperloop(arg uintptr) uintptr {
	cpu := int(arg)
	st := &cpus[cpu].stopper

	for {
		var work *Stopwork_t

		for {
			Set_current_state(THREAD_BLOCKED)

			st.Lock()
			if el := st.works.Front(); el != nil {
				work = el.Value.(*Stopwork_t)
				st.works.Remove(el)
			}
			st.Unlock()

			if work != nil {
				break
			}

			Schedule()
		}
		Set_current_state(THREAD_RUNNING)

		stats.K.Stopperwork.Inc()
		work.fn(work.arg)
	}
}

func cpustopinitcpu(c *Cpu_t) {
	t, r := Thread_create_on_cpu(nil, nil, nil, c.id, stopperloop, uintptr(c.id))
	if r != 0 {
		panic("failed to create migration thread")
	}
	c.stopper.thread = t
}

func stop_one_cpu_nowait(cpu int, fn Stopfn_t, arg any, work *Stopwork_t) bool {
	*work = Stopwork_t{fn: fn, arg: arg}

	st := &cpus[cpu].stopper

	st.Lock()
	st.works.PushBack(work)
	Wake_up_thread(st.thread)
	st.Unlock()

	return true
}
