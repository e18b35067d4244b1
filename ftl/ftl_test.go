package ftl

import "sync/atomic"
import "testing"
import "time"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "github.com/nobodyknowsthat/storpu/defs"

type nullserv_t struct{}

func (n *nullserv_t) Service(t *Ftltask_t) int32 {
	return 0
}

func TestSubmitCompleteRoundtrip(t *testing.T) {
	Ftl_init(&nullserv_t{})

	var rung atomic.Int32
	Reqdoorbell = func() { rung.Add(1) }
	defer func() { Reqdoorbell = nil }()

	// the consumer side: drain requests, complete them
	done := make(chan int32, 1)
	go func() {
		task := &Storputask_t{Kind: defs.SPU_TYPE_CREATE_CONTEXT}
		task.Create.Soaddr = 0x99
		done <- Submit_storpu_task(task, 0)
	}()

	var tasks []*Storputask_t
	deadline := time.Now().Add(5 * time.Second)
	for len(tasks) == 0 {
		require.True(t, time.Now().Before(deadline), "no request arrived")
		tasks = Dequeue_storpu_requests()
	}
	require.Len(t, tasks, 1)
	assert.Equal(t, defs.SPU_TYPE_CREATE_CONTEXT, tasks[0].Kind)
	assert.Equal(t, uintptr(0x99), tasks[0].Create.Soaddr)
	assert.GreaterOrEqual(t, rung.Load(), int32(1))

	tasks[0].Retval = -7
	Enqueue_storpu_completion(tasks[0])

	select {
	case rv := <-done:
		assert.Equal(t, int32(-7), rv)
	case <-time.After(5 * time.Second):
		t.Fatal("submitter never woke")
	}
}

func TestSubmitTimeoutLateCompletion(t *testing.T) {
	Ftl_init(&nullserv_t{})
	Reqdoorbell = nil

	task := &Storputask_t{Kind: defs.SPU_TYPE_DELETE_CONTEXT}
	rv := Submit_storpu_task(task, 20)
	assert.Equal(t, -int32(defs.ETIMEDOUT), rv)

	// the request is still queued; a late completion must be accepted
	// without blocking the completer
	tasks := Dequeue_storpu_requests()
	require.Len(t, tasks, 1)
	tasks[0].Retval = 0
	Enqueue_storpu_completion(tasks[0])

	// give the completion handler a chance to post the discarded ack
	time.Sleep(50 * time.Millisecond)
}

func TestRequestFifoOrder(t *testing.T) {
	Ftl_init(&nullserv_t{})
	Reqdoorbell = nil

	for i := 0; i < 5; i++ {
		task := &Storputask_t{Kind: defs.SPU_TYPE_INVOKE}
		task.Invoke.Arg = uintptr(i)
		Enqueue_storpu_request(task)
	}

	tasks := Dequeue_storpu_requests()
	require.Len(t, tasks, 5)
	for i, task := range tasks {
		assert.Equal(t, uintptr(i), task.Invoke.Arg)
	}

	assert.False(t, Reqpending())
	assert.Empty(t, Dequeue_storpu_requests())
}
