// Command spurun boots the StorPU runtime with a RAM-backed FTL and
// runs a small built-in workload, printing the guest console.
package main

import "debug/elf"
import "fmt"
import "os"

import "github.com/spf13/cobra"

import "github.com/nobodyknowsthat/storpu/spu"
import "github.com/nobodyknowsthat/storpu/stats"
import "github.com/nobodyknowsthat/storpu/vm"

func main() {
	var cfgpath string
	var cpus int

	root := &cobra.Command{
		Use:   "spurun",
		Short: "StorPU execution runtime driver",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "boot the runtime and invoke the demo workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := spu.Mkconfig()
			if cfgpath != "" {
				var err error
				cfg, err = spu.Loadconfig(cfgpath)
				if err != nil {
					return err
				}
			}
			if cpus > 0 {
				cfg.Cpus = cpus
			}
			return rundemo(cfg)
		},
	}
	run.Flags().StringVarP(&cfgpath, "config", "c", "", "TOML config file")
	run.Flags().IntVar(&cpus, "cpus", 0, "override the cpu count")

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rundemo(cfg spu.Config_t) error {
	ram := spu.Mkramftl(1<<20, 1<<20)
	spu.Boot(cfg, ram)

	const hellova = vm.VUSERSTART + 0x10000

	raw := vm.Mkelf(hellova, []vm.Elfseg_t{
		{Vaddr: hellova, Data: []uint8{0xd6, 0x5f, 0x03, 0xc0}, Memsz: 0x1000,
			Flags: elf.PF_R | elf.PF_X},
	})

	img, err := vm.Mkimage(raw, map[string]vm.Guestproc_t{
		"hello": func(arg uintptr) uintptr {
			spu.Spu_printf("hello from context, arg=%d\n", arg)
			return arg + 1
		},
	}, map[string]uintptr{"hello": hellova})
	if err != 0 {
		return fmt.Errorf("image build failed: %d", err)
	}

	soaddr := spu.Register_image(img)

	cid, rv := spu.Host_create_context(soaddr, 1000)
	if rv != 0 {
		return fmt.Errorf("create_context failed: %d", rv)
	}

	result, rv := spu.Host_invoke(cid, hellova, 41, 1000)
	if rv != 0 {
		return fmt.Errorf("invoke failed: %d", rv)
	}

	if rv := spu.Host_delete_context(cid, 1000); rv != 0 {
		return fmt.Errorf("delete_context failed: %d", rv)
	}

	fmt.Printf("invoke result: %d\n", result)
	fmt.Printf("console:\n%s", string(spu.Console_tail()))
	fmt.Printf("stats: %s", stats.Stats2String(stats.K))

	return nil
}
