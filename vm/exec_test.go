package vm

import "debug/elf"
import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

func TestExecLoadsSegments(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	textva := VUSERSTART + 0x10000
	datava := VUSERSTART + 0x20000

	text := []uint8{0x01, 0x02, 0x03, 0x04}
	data := []uint8{0xaa, 0xbb}

	raw := Mkelf(textva, []Elfseg_t{
		{Vaddr: textva, Data: text, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_X},
		{Vaddr: datava, Data: data, Memsz: 0x2000, Flags: elf.PF_R | elf.PF_W},
	})

	img, err := Mkimage(raw, map[string]Guestproc_t{
		"entry": func(arg uintptr) uintptr { return arg },
	}, map[string]uintptr{"entry": textva})
	require.Zero(t, err)

	require.Zero(t, ctx.Exec(img))

	assert.Equal(t, textva, ctx.Loadbase)

	got := make([]uint8, len(text))
	require.Zero(t, ctx.User2k(got, textva))
	assert.Equal(t, text, got)

	got = make([]uint8, len(data))
	require.Zero(t, ctx.User2k(got, datava))
	assert.Equal(t, data, got)

	// the bss tail reads zero
	v, rerr := ctx.Userreadn(datava+uintptr(len(data)), 8)
	require.Zero(t, rerr)
	assert.Zero(t, v)

	// the whole memsz range is mapped
	_, rerr = ctx.Userreadn(datava+0x1000, 8)
	assert.Zero(t, rerr)

	p, ok := ctx.Resolveproc(textva)
	require.True(t, ok)
	assert.Equal(t, uintptr(7), p(7))

	_, ok = ctx.Resolveproc(textva + 8)
	assert.False(t, ok)

	entry, eerr := img.Entry()
	require.Zero(t, eerr)
	assert.Equal(t, textva, entry)
}

func TestExecRejectsGarbage(t *testing.T) {
	ctx := vmboot(t)
	defer Put_context(ctx)

	_, err := Mkimage([]uint8{1, 2, 3}, nil, nil)
	assert.NotZero(t, err)

	raw := Mkelf(VUSERSTART, nil)
	img, err := Mkimage(raw, nil, nil)
	require.Zero(t, err)
	require.Zero(t, ctx.Exec(img))
}
