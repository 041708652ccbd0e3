// Command rvm boots a RISC-V RV64IMAC guest kernel under the internal/riscv
// emulator: it loads a machine config, attaches a UART wired to the host's
// stdin/stdout, optionally attaches a virtio-blk disk and a virtio-net device
// backed by the userspace netstack, and runs the machine until it halts or
// the kernel panics.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/cc/internal/config"
	"github.com/tinyrange/cc/internal/loader"
	"github.com/tinyrange/cc/internal/netstack"
	"github.com/tinyrange/cc/internal/riscv"
	vtterm "github.com/tinyrange/cc/internal/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf rewrites bare '\n' to "\r\n" so log output stays sane once the
// terminal is in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

func run() error {
	configPath := flag.String("config", "", "Path to machine config YAML (default: rvm.yml)")
	kernelPath := flag.String("kernel", "", "Path to the guest kernel image (raw or ELF64 RISC-V), overrides config")
	diskPath := flag.String("disk", "", "Path to a disk image exposed as virtio-blk, overrides config")
	loadAddr := flag.Uint64("load-addr", riscv.RAMBase, "Physical load address for a raw (non-ELF) kernel image")
	net_ := flag.Bool("net", false, "Enable virtio-net, overrides config")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	batch := flag.Int64("batch", 0, "Run exactly this many instructions then exit (0 = run until halt)")
	parallel := flag.Bool("parallel", false, "Run harts on independent goroutines instead of round-robin")
	vtDump := flag.String("vt-dump", "", "Periodically render the guest console through a VT100 emulator and write its screen text to this file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [kernel-image]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}
	if *diskPath != "" {
		cfg.Disk = *diskPath
	}
	if *net_ {
		cfg.Net = true
	}
	if args := flag.Args(); len(args) > 0 {
		cfg.Kernel = args[0]
	}
	if cfg.Kernel == "" {
		flag.Usage()
		return errors.New("kernel image required")
	}

	m := riscv.NewMachine(cfg.RAMSize, cfg.Harts)
	m.SetStopOnZero(true)

	kernelData, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel %s: %w", cfg.Kernel, err)
	}
	image, err := loader.LoadKernel(m, kernelData, *loadAddr)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}
	m.Reset(image.Entry)
	slog.Info("loaded kernel", "path", cfg.Kernel, "entry", fmt.Sprintf("0x%x", image.Entry), "harts", cfg.Harts)

	if cfg.Disk != "" {
		disk, err := os.ReadFile(cfg.Disk)
		if err != nil {
			return fmt.Errorf("read disk %s: %w", cfg.Disk, err)
		}
		m.AttachDisk(disk)
		slog.Info("attached disk", "path", cfg.Disk, "size", len(disk))
	}

	if cfg.Net {
		mac, err := net.ParseMAC(cfg.MAC)
		if err != nil {
			return fmt.Errorf("parse mac %q: %w", cfg.MAC, err)
		}
		stack := netstack.New(slog.Default())
		var macArr [6]byte
		copy(macArr[:], mac)
		if _, err := m.AttachNet(stack, macArr); err != nil {
			return fmt.Errorf("attach net: %w", err)
		}
		slog.Info("attached virtio-net", "mac", cfg.MAC)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	var console *vtterm.Console
	if *vtDump != "" {
		console = vtterm.NewConsole(80, 40)
		go dumpConsole(ctx, console, *vtDump)
	}

	stdinErr := make(chan error, 1)
	go pumpStdin(ctx, m, stdinErr)
	go pumpStdout(ctx, m, console)

	var runErr error
	if *batch > 0 {
		runErr = m.RunBatch(*batch)
	} else if *parallel {
		runErr = m.RunParallel(ctx)
	} else {
		runErr = m.Run(ctx, 0)
	}

	if runErr != nil && !errors.Is(runErr, riscv.ErrHalt) && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run machine: %w", runErr)
	}

	slog.Info("machine halted")
	return nil
}

// pumpStdin reads raw bytes from stdin and feeds them to the guest UART's
// receive queue until ctx is cancelled or stdin closes.
func pumpStdin(ctx context.Context, m *riscv.Machine, errc chan<- error) {
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			m.UartInput(buf[:n])
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// pumpStdout drains the guest UART's transmit queue to the host terminal,
// rewriting bare '\n' to "\r\n" since raw mode disables the host's own
// output post-processing. If console is non-nil, the same bytes are also
// fed through its VT100 emulator so -vt-dump can snapshot the guest's
// rendered screen rather than its raw byte stream.
func pumpStdout(ctx context.Context, m *riscv.Machine, console *vtterm.Console) {
	for {
		if ctx.Err() != nil {
			return
		}
		out := m.UartDrain()
		if len(out) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		os.Stdout.Write(bytes.ReplaceAll(out, []byte{'\n'}, []byte{'\r', '\n'}))
		if console != nil {
			console.Write(out)
		}
	}
}

// dumpConsole periodically renders console's screen state to path, so a
// human or test harness can inspect what a guest shell would show on a real
// terminal without attaching one.
func dumpConsole(ctx context.Context, console *vtterm.Console, path string) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := os.WriteFile(path, []byte(console.Render()), 0o644); err != nil {
				slog.Warn("write vt dump", "path", path, "error", err)
			}
		}
	}
}
