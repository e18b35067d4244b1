package ftl

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"

// Wire layout of the shared-memory task ABI, all fields little-endian,
// payload union aligned to 8 bytes. The llist next pointer and the
// opaque waiter cookie travel as raw 64-bit slots; they are
// meaningless across the wire and re-seeded on decode.

// STORPUTASKSZ is the encoded size of a StorPU task.
const STORPUTASKSZ = 56

// FTLTASKSZ is the encoded size of an FTL task.
const FTLTASKSZ = 56

// Encode serializes the task into buf per the shared-memory ABI.
func (t *Storputask_t) Encode(buf []uint8) {
	if len(buf) < STORPUTASKSZ {
		panic("short encode buffer")
	}
	for i := 0; i < STORPUTASKSZ; i++ {
		buf[i] = 0
	}
	util.Writen(buf, 4, 8, uint64(uint32(t.Kind)))
	util.Writen(buf, 4, 12, uint64(uint32(t.Retval)))
	switch t.Kind {
	case defs.SPU_TYPE_CREATE_CONTEXT:
		util.Writen(buf, 8, 16, uint64(t.Create.Soaddr))
		util.Writen(buf, 4, 24, uint64(t.Create.Cidout))
	case defs.SPU_TYPE_DELETE_CONTEXT:
		util.Writen(buf, 4, 16, uint64(t.Delete.Cid))
	case defs.SPU_TYPE_INVOKE:
		util.Writen(buf, 4, 16, uint64(t.Invoke.Cid))
		util.Writen(buf, 8, 24, uint64(t.Invoke.Entry))
		util.Writen(buf, 8, 32, uint64(t.Invoke.Arg))
		util.Writen(buf, 8, 40, uint64(t.Invoke.Result))
	default:
		panic("unknown task kind")
	}
}

// Decode_storpu_task parses a wire StorPU task.
func Decode_storpu_task(buf []uint8) (*Storputask_t, defs.Err_t) {
	if len(buf) < STORPUTASKSZ {
		return nil, -defs.EINVAL
	}
	t := &Storputask_t{}
	t.Kind = int32(uint32(util.Readn(buf, 4, 8)))
	t.Retval = int32(uint32(util.Readn(buf, 4, 12)))
	switch t.Kind {
	case defs.SPU_TYPE_CREATE_CONTEXT:
		t.Create.Soaddr = uintptr(util.Readn(buf, 8, 16))
		t.Create.Cidout = uint32(util.Readn(buf, 4, 24))
	case defs.SPU_TYPE_DELETE_CONTEXT:
		t.Delete.Cid = uint32(util.Readn(buf, 4, 16))
	case defs.SPU_TYPE_INVOKE:
		t.Invoke.Cid = uint32(util.Readn(buf, 4, 16))
		t.Invoke.Entry = uintptr(util.Readn(buf, 8, 24))
		t.Invoke.Arg = uintptr(util.Readn(buf, 8, 32))
		t.Invoke.Result = uintptr(util.Readn(buf, 8, 40))
	default:
		return nil, -defs.EINVAL
	}
	return t, 0
}

// Encode serializes the task into buf per the shared-memory ABI.
func (t *Ftltask_t) Encode(buf []uint8) {
	if len(buf) < FTLTASKSZ {
		panic("short encode buffer")
	}
	for i := 0; i < FTLTASKSZ; i++ {
		buf[i] = 0
	}
	util.Writen(buf, 4, 8, uint64(uint32(t.Kind)))
	util.Writen(buf, 4, 12, uint64(uint32(t.Srccpu)))
	util.Writen(buf, 4, 16, uint64(uint32(t.Retval)))
	util.Writen(buf, 4, 20, uint64(t.Nsid))
	util.Writen(buf, 8, 24, uint64(t.Bufphys))
	util.Writen(buf, 8, 32, uint64(t.Addr))
	util.Writen(buf, 8, 40, uint64(t.Count))
}

// Decode_ftl_task parses a wire FTL task.
func Decode_ftl_task(buf []uint8) (*Ftltask_t, defs.Err_t) {
	if len(buf) < FTLTASKSZ {
		return nil, -defs.EINVAL
	}
	t := &Ftltask_t{}
	t.Kind = int32(uint32(util.Readn(buf, 4, 8)))
	if t.Kind < defs.FTL_TYPE_FLASH_READ || t.Kind > defs.FTL_TYPE_SYNC {
		return nil, -defs.EINVAL
	}
	t.Srccpu = int32(uint32(util.Readn(buf, 4, 12)))
	t.Retval = int32(uint32(util.Readn(buf, 4, 16)))
	t.Nsid = uint32(util.Readn(buf, 4, 20))
	t.Bufphys = mem.Pa_t(util.Readn(buf, 8, 24))
	t.Addr = uintptr(util.Readn(buf, 8, 32))
	t.Count = uintptr(util.Readn(buf, 8, 40))
	return t, 0
}
