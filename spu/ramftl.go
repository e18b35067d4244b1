package spu

import "sync"

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/ftl"
import "github.com/nobodyknowsthat/storpu/mem"

// Taskrec_t records one serviced FTL task for inspection.
type Taskrec_t struct {
	Kind  int32
	Nsid  uint32
	Addr  uintptr
	Count uintptr
}

// Ramftl_t is a RAM-backed FTL endpoint: flash namespaces and the host
// DMA window are byte slices. It serves as the production-shaped mock
// behind the FTL task queue.
type Ramftl_t struct {
	sync.Mutex
	flash   map[uint32][]uint8
	flashsz int
	Host    []uint8
	records []Taskrec_t
}

// Mkramftl builds an endpoint with flashsz bytes per namespace and a
// hostsz byte host window.
func Mkramftl(flashsz, hostsz int) *Ramftl_t {
	return &Ramftl_t{
		flash:   make(map[uint32][]uint8),
		flashsz: flashsz,
		Host:    make([]uint8, hostsz),
	}
}

func (r *Ramftl_t) ns(nsid uint32) []uint8 {
	b, ok := r.flash[nsid]
	if !ok {
		b = make([]uint8, r.flashsz)
		r.flash[nsid] = b
	}
	return b
}

// Flash returns the backing bytes of a namespace.
func (r *Ramftl_t) Flash(nsid uint32) []uint8 {
	r.Lock()
	defer r.Unlock()
	return r.ns(nsid)
}

// Records returns the serviced task log.
func (r *Ramftl_t) Records() []Taskrec_t {
	r.Lock()
	defer r.Unlock()
	out := make([]Taskrec_t, len(r.records))
	copy(out, r.records)
	return out
}

// Service implements ftl.Servicer_i.
func (r *Ramftl_t) Service(t *ftl.Ftltask_t) int32 {
	r.Lock()
	defer r.Unlock()

	r.records = append(r.records, Taskrec_t{
		Kind: t.Kind, Nsid: t.Nsid, Addr: t.Addr, Count: t.Count,
	})

	switch t.Kind {
	case defs.FTL_TYPE_FLASH_READ, defs.FTL_TYPE_FLASH_WRITE:
		b := r.ns(t.Nsid)
		if t.Addr+t.Count > uintptr(len(b)) {
			return int32(defs.EFAULT)
		}
		buf := mem.Physmem.Dmap(t.Bufphys, int(t.Count))
		if t.Kind == defs.FTL_TYPE_FLASH_READ {
			copy(buf, b[t.Addr:])
		} else {
			copy(b[t.Addr:], buf)
		}
		return 0

	case defs.FTL_TYPE_HOST_READ, defs.FTL_TYPE_HOST_WRITE:
		if t.Addr+t.Count > uintptr(len(r.Host)) {
			return int32(defs.EFAULT)
		}
		buf := mem.Physmem.Dmap(t.Bufphys, int(t.Count))
		if t.Kind == defs.FTL_TYPE_HOST_READ {
			copy(buf, r.Host[t.Addr:])
		} else {
			copy(r.Host[t.Addr:], buf)
		}
		return 0

	case defs.FTL_TYPE_FLUSH, defs.FTL_TYPE_FLUSH_DATA, defs.FTL_TYPE_SYNC:
		return 0
	}

	return int32(defs.EINVAL)
}
