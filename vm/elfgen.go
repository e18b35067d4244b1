package vm

import "bytes"
import "debug/elf"
import "encoding/binary"

import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"

// Synthetic image builder. The host normally compiles guest shared
// objects; for drivers and tests the runtime can fabricate a minimal
// ELF with the requested segments so the load path runs for real.

// Elfseg_t describes one loadable segment of a synthetic image.
type Elfseg_t struct {
	Vaddr uintptr
	Data  []uint8
	Memsz uintptr
	Flags elf.ProgFlag
}

// Mkelf builds a little-endian ELF64 executable image with the given
// entry point and segments.
func Mkelf(entry uintptr, segs []Elfseg_t) []uint8 {
	const ehsize = 64
	const phentsize = 56
	pg := uintptr(mem.PGSIZE)

	phoff := uintptr(ehsize)
	dataoff := phoff + uintptr(len(segs)*phentsize)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   1,
		Entry:     uint64(entry),
		Phoff:     uint64(phoff),
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
	}
	hdr.Ident[0] = 0x7f
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[4] = byte(elf.ELFCLASS64)
	hdr.Ident[5] = byte(elf.ELFDATA2LSB)
	hdr.Ident[6] = byte(elf.EV_CURRENT)

	var phdrs []elf.Prog64
	off := dataoff
	for _, s := range segs {
		// keep vaddr and file offset congruent modulo the page size
		off = util.Roundup(off, pg) + s.Vaddr%pg
		memsz := s.Memsz
		if memsz < uintptr(len(s.Data)) {
			memsz = uintptr(len(s.Data))
		}
		phdrs = append(phdrs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    uint64(off),
			Vaddr:  uint64(s.Vaddr),
			Paddr:  uint64(s.Vaddr),
			Filesz: uint64(len(s.Data)),
			Memsz:  uint64(memsz),
			Align:  uint64(pg),
		})
		off += uintptr(len(s.Data))
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	for i := range phdrs {
		binary.Write(&buf, binary.LittleEndian, &phdrs[i])
	}
	for i, s := range segs {
		for uintptr(buf.Len()) < uintptr(phdrs[i].Off) {
			buf.WriteByte(0)
		}
		buf.Write(s.Data)
	}

	return buf.Bytes()
}
