// Package vm implements guest virtual memory: demand-paged regions
// with pluggable back-ends, a software page directory per context, the
// unified page cache, and context lifecycle. The scheduler and the
// file layer are reached through registered hooks so the package stays
// below them in the import order.
package vm

import "sync"

import "github.com/sirupsen/logrus"

import "github.com/nobodyknowsthat/storpu/mem"

// Region flags.
const (
	RF_READ          = 0x0001
	RF_WRITE         = 0x0002
	RF_EXEC          = 0x0004
	RF_UNINITIALIZED = 0x0010
	RF_MAPSHARED     = 0x0020
	RF_ANON          = 0x0100
	RF_IO            = 0x0400
)

// Guest virtual address range. Mappings without a hint are placed
// downward from the stack top.
const (
	VUSERSTART uintptr = 0x0000004000000000
	VSTACKTOP  uintptr = 0x00007fff00000000
)

// HUGEPGSIZE is the flash cache line: 4 frames.
const HUGEPGSIZE = 4 * mem.PGSIZE

// HPNRPAGES is the frame count of a huge cached page.
const HPNRPAGES = 4

// Mutex_i is the blocking mutex the VM layer needs for the mmap lock
// and cached-page locks. The scheduler installs its futex-based mutex
// at boot; the default is a plain sync.Mutex so the package is usable
// before the scheduler is up.
type Mutex_i interface {
	Lock()
	Unlock()
}

type stdmutex_t struct {
	sync.Mutex
}

// Mkmutex builds a blocking mutex. Replaced at boot.
var Mkmutex func() Mutex_i = func() Mutex_i { return &stdmutex_t{} }

// Yield gives up the cpu between page-cache writebacks. Replaced at
// boot with the scheduler's schedule().
var Yield func() = func() {}

// Spuread and Spuwrite move bytes between physical memory and the
// object behind fd. They are installed by the file layer at boot and
// may block the calling thread. Both return the byte count or a
// negated errno.
var Spuread func(fd int, phys mem.Pa_t, count int, off uintptr) int
var Spuwrite func(fd int, phys mem.Pa_t, count int, off uintptr) int

// Log carries VM diagnostics (bad guest accesses, exec failures).
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.WarnLevel)
}
