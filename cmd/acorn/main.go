// Acorn CLI - runs, inspects and serves Acorn bytecode programs
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/acorn/image"
	"github.com/chazu/acorn/manifest"
	"github.com/chazu/acorn/server"
	"github.com/chazu/acorn/snapshot"
	"github.com/chazu/acorn/vm"
)

var log = commonlog.GetLogger("acorn.cli")

// options is the effective configuration after merging acorn.toml with
// command-line flags.
type options struct {
	program      string
	entry        string
	self         int
	trace        bool
	maxCallDepth int
	stepLimit    uint64
	verbosity    int
	logFile      *string
	addr         string
	snapshot     string
}

func main() {
	configDir := flag.String("C", ".", "Directory to search (upwards) for acorn.toml")
	entry := flag.String("entry", "", "Code object to run (default: main)")
	self := flag.Int("self", 0, "Instance id bound to self for the entry code")
	trace := flag.Bool("trace", false, "Log every dispatched instruction")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = warnings, 1 = info, 2 = debug)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	maxDepth := flag.Int("max-depth", 0, "Maximum call depth")
	stepLimit := flag.Uint64("step-limit", 0, "Abort a run after this many instructions (0 = unlimited)")
	showGlobals := flag.Bool("globals", false, "Print globals and instance variables after the run")
	profile := flag.Bool("profile", false, "Print instruction counts after the run")
	disasm := flag.Bool("disasm", false, "Print the program as assembly and exit")
	compileOut := flag.String("compile", "", "Write the program as a CBOR image to this path and exit")
	serveMode := flag.Bool("serve", false, "Start the runner server (gRPC + Connect HTTP/JSON)")
	addr := flag.String("addr", "", "Runner server address (used with -serve and -remote)")
	lspMode := flag.Bool("lsp", false, "Start the assembly language server on stdio")
	interactive := flag.Bool("i", false, "Start interactive REPL")
	printProto := flag.Bool("print-proto", false, "Print the runner service definition and exit")
	remote := flag.Bool("remote", false, "Run on a runner server over gRPC instead of locally")
	snapshotPath := flag.String("snapshot", "", "SQLite snapshot database")
	restore := flag.Bool("restore", false, "Load variables from the snapshot before running")
	save := flag.Bool("save", false, "Save variables to the snapshot after running")
	noColor := flag.Bool("no-color", false, "Disable colored output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: acorn [options] [program.gmasm|program.acrn]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an Acorn program from assembly source or a compiled image.\n")
		fmt.Fprintf(os.Stderr, "Settings in the nearest acorn.toml apply unless a flag overrides them.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  acorn game.gmasm                   # Run main\n")
		fmt.Fprintf(os.Stderr, "  acorn -entry step -self 100001 game.gmasm\n")
		fmt.Fprintf(os.Stderr, "  acorn -compile game.acrn game.gmasm  # Assemble to an image\n")
		fmt.Fprintf(os.Stderr, "  acorn -disasm game.acrn            # Print an image as assembly\n")
		fmt.Fprintf(os.Stderr, "  acorn -i game.gmasm                # REPL with the program loaded\n")
		fmt.Fprintf(os.Stderr, "\nRunner server:\n")
		fmt.Fprintf(os.Stderr, "  acorn -serve -addr :7411 game.gmasm\n")
		fmt.Fprintf(os.Stderr, "  acorn -remote -addr localhost:7411 -entry main\n")
		fmt.Fprintf(os.Stderr, "  acorn -lsp                         # Editor support over stdio\n")
	}
	flag.Parse()

	if *noColor {
		color.NoColor = true
	}

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fatalf("loading manifest: %v", err)
	}
	if m == nil {
		m = manifest.Default(*configDir)
	}

	opts := options{
		program:      m.ImagePath(),
		entry:        m.Program.Entry,
		self:         m.Program.Self,
		trace:        m.VM.Trace,
		maxCallDepth: m.VM.MaxCallDepth,
		stepLimit:    uint64(m.VM.StepLimit),
		verbosity:    m.Log.Verbosity,
		logFile:      m.LogPath(),
		addr:         m.Server.Addr,
		snapshot:     m.SnapshotPath(),
	}
	if opts.program == "" {
		opts.program = m.SourcePath()
	}

	// Flags that were set explicitly override the manifest.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "entry":
			opts.entry = *entry
		case "self":
			opts.self = *self
		case "trace":
			opts.trace = *trace
		case "v":
			opts.verbosity = *verbosity
		case "log":
			opts.logFile = nil
			if *logFile != "" {
				opts.logFile = logFile
			}
		case "max-depth":
			opts.maxCallDepth = *maxDepth
		case "step-limit":
			opts.stepLimit = *stepLimit
		case "addr":
			opts.addr = *addr
		case "snapshot":
			opts.snapshot = *snapshotPath
		}
	})
	if flag.NArg() > 0 {
		opts.program = flag.Arg(0)
	}
	if opts.trace && opts.verbosity < 2 {
		opts.verbosity = 2
	}
	commonlog.Configure(opts.verbosity, opts.logFile)

	if *printProto {
		src, err := server.RunnerProto()
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(src)
		return
	}

	if *lspMode {
		lsp := server.NewLSP(opts.vmOptions()...)
		if opts.stepLimit > 0 {
			if err := lsp.SetStepLimit(opts.stepLimit); err != nil {
				fatalf("%v", err)
			}
		}
		if err := lsp.Run(); err != nil {
			fatalf("LSP server: %v", err)
		}
		return
	}

	if *remote {
		var source string
		if opts.program != "" {
			data, err := os.ReadFile(opts.program)
			if err != nil {
				fatalf("%v", err)
			}
			if image.IsImage(data) {
				fatalf("-remote sends assembly source; %s is a compiled image", opts.program)
			}
			source = string(data)
		}
		if err := runRemote(opts.addr, source, opts.entry, opts.self, os.Stdout); err != nil {
			fatalf("%v", err)
		}
		return
	}

	var p *vm.Program
	if opts.program != "" {
		p, err = loadProgram(opts.program)
		if err != nil {
			reportLoadError(opts.program, err)
			os.Exit(1)
		}
		log.Infof("loaded %s: %d codes, %d functions", opts.program, len(p.Codes), len(p.Functions))
		if banner := bannerLine(p.Info); banner != "" {
			log.Info(banner)
		}
	}

	if *compileOut != "" {
		if p == nil {
			fatalf("-compile needs a program")
		}
		if err := image.WriteFile(*compileOut, p); err != nil {
			fatalf("writing image: %v", err)
		}
		fmt.Printf("Wrote %s\n", *compileOut)
		return
	}

	if *disasm {
		if p == nil {
			fatalf("-disasm needs a program")
		}
		printListing(os.Stdout, p)
		return
	}

	var store *snapshot.Store
	if opts.snapshot != "" && (*restore || *save || *serveMode) {
		store, err = snapshot.Open(opts.snapshot)
		if err != nil {
			fatalf("%v", err)
		}
		defer store.Close()
	}

	if *serveMode {
		if p == nil {
			p = &vm.Program{}
		}
		srvOpts := []server.ServerOption{
			server.WithVMOptions(opts.vmOptions()...),
			server.WithStepLimit(opts.stepLimit),
		}
		if store != nil {
			srvOpts = append(srvOpts, server.WithSnapshotStore(store))
		}
		srv, err := server.New(p, srvOpts...)
		if err != nil {
			fatalf("%v", err)
		}
		defer srv.Stop()
		if err := srv.ListenAndServe(opts.addr); err != nil {
			fatalf("Server error: %v", err)
		}
		return
	}

	if *interactive || p == nil {
		if err := runREPL(p, opts.vmOptions(), opts.stepLimit); err != nil {
			fatalf("%v", err)
		}
		return
	}

	profiler := vm.NewProfiler(opts.stepLimit)
	machine := vm.New(p, append(opts.vmOptions(), vm.WithHook(profiler))...)
	if *restore {
		if store == nil {
			fatalf("-restore needs a snapshot path (-snapshot or [snapshot] path)")
		}
		sum, err := store.Load(p, machine.Variables())
		if err != nil {
			fatalf("restoring snapshot: %v", err)
		}
		log.Infof("restored %d globals, %d instance variables (%d skipped)", sum.Globals, sum.Instances, sum.Skipped)
	}

	code, runErr := runEntry(os.Stdout, machine, opts.entry, opts.self)

	if *showGlobals {
		printVariables(os.Stdout, machine)
	}
	if *profile {
		printProfile(os.Stdout, profiler)
	}
	if *save && runErr == nil {
		if store == nil {
			fatalf("-save needs a snapshot path (-snapshot or [snapshot] path)")
		}
		sum, err := store.Save(p, machine.Variables())
		if err != nil {
			fatalf("saving snapshot: %v", err)
		}
		log.Infof("saved %d globals, %d instance variables", sum.Globals, sum.Instances)
	}
	// os.Exit skips deferred calls.
	if store != nil {
		store.Close()
	}
	if runErr != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
	os.Exit(code)
}

// vmOptions builds VM options from the merged configuration. The step
// limit is not among them: each caller owns a profiler and decides when
// to reset it.
func (o options) vmOptions() []vm.Option {
	return []vm.Option{
		vm.WithMaxCallDepth(o.maxCallDepth),
		vm.WithTrace(o.trace),
	}
}

func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasPrefix(msg, "Error") && !strings.HasPrefix(msg, "Server error") {
		msg = "Error: " + msg
	}
	errorColor.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
