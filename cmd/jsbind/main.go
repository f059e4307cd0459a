// jsbind CLI - loads script modules into an embedded engine environment and
// drives its update pump.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/GeTechG/jsbind/bridge"
	"github.com/GeTechG/jsbind/pack"
	"github.com/GeTechG/jsbind/settings"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	projectDir := flag.String("C", ".", "Project directory (where jsbind.toml is searched)")
	verbosity := flag.Int("verbosity", -1, "Log verbosity (overrides jsbind.toml)")
	evalSnippet := flag.String("e", "", "Evaluate a source snippet and exit")
	checkFile := flag.String("check", "", "Validate a script's syntax and exit")
	buildPack := flag.String("build-pack", "", "Pack the first module search path into the given file and exit")
	watch := flag.Bool("watch", false, "Rescan loaded modules for source changes every tick")
	ticks := flag.Int("ticks", 0, "Stop after this many update ticks (0 runs until timers drain)")
	showStats := flag.Bool("stats", false, "Print environment statistics before exiting")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jsbind [options] [entry-module]\n\n")
		fmt.Fprintf(os.Stderr, "Loads the entry module (from jsbind.toml if not given) and pumps the\n")
		fmt.Fprintf(os.Stderr, "environment until all timers have drained.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  jsbind main                  # Load scripts/main.js and run it\n")
		fmt.Fprintf(os.Stderr, "  jsbind -e 'print(6*7)'       # Evaluate a snippet\n")
		fmt.Fprintf(os.Stderr, "  jsbind -watch main           # Reload changed modules while running\n")
		fmt.Fprintf(os.Stderr, "  jsbind -build-pack app.pack  # Pack the source tree for distribution\n")
	}
	flag.Parse()

	cfg, err := settings.FindAndLoad(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	level := cfg.Log.Verbosity
	if *verbosity >= 0 {
		level = *verbosity
	}
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(level, logFile)

	if *buildPack != "" {
		roots := cfg.SearchPaths()
		if len(roots) == 0 {
			fmt.Fprintln(os.Stderr, "Error: no module search paths configured")
			os.Exit(1)
		}
		manifest, err := pack.Build(*buildPack, roots[0], cfg.Modules.Entry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Packed %d modules into %s\n", len(manifest.Modules), *buildPack)
		return
	}

	env := bridge.NewEnvironment(bridge.Options{
		StrictChecks:      cfg.Engine.StrictChecks,
		DeletionQueueSize: cfg.Engine.DeletionQueueSize,
		SourceRoots:       cfg.SearchPaths(),
	})
	defer env.Dispose()

	var store *pack.Store
	if packPath := cfg.PackPath(); packPath != "" {
		store, err = pack.Open(packPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		env.AddModuleResolver(pack.NewResolver(store))
	}

	registerHostBuiltins(env)

	if *checkFile != "" {
		source, err := os.ReadFile(*checkFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := env.ValidateScript(string(source), *checkFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: OK\n", *checkFile)
		return
	}

	if *evalSnippet != "" {
		result, err := env.Eval(*evalSnippet, "<eval>")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if result != nil {
			fmt.Println(result)
		}
		return
	}

	entry := cfg.Modules.Entry
	if flag.NArg() > 0 {
		entry = flag.Arg(0)
	}
	if entry == "" {
		flag.Usage()
		os.Exit(2)
	}

	if _, err := env.Load(entry); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	interval := time.Duration(cfg.Engine.TimerIntervalMS) * time.Millisecond
	pump(env, interval, *watch, *ticks)

	if *showStats {
		printStats(env)
	}
}

// pump drives the environment's update pass until every timer has drained
// or the tick budget runs out.
func pump(env *bridge.Environment, interval time.Duration, watch bool, maxTicks int) {
	tick := 0
	for {
		env.Update()
		if watch {
			env.ScanForChanges()
		}
		tick++
		if maxTicks > 0 && tick >= maxTicks {
			return
		}
		stats := env.Stats()
		if stats.Timers == 0 && stats.PendingReleases == 0 {
			return
		}
		time.Sleep(interval)
	}
}

// registerHostBuiltins exposes the CLI's small host surface: a print
// function plus host metadata constants, all reachable through
// require("jsbind").
func registerHostBuiltins(env *bridge.Environment) {
	catalogue := env.Catalogue()
	catalogue.RegisterUtility("print", func(env *bridge.Environment, args []bridge.NativeValue) (bridge.NativeValue, error) {
		line := make([]any, len(args))
		copy(line, args)
		fmt.Println(line...)
		return nil, nil
	})
	catalogue.RegisterConstant("platform", "cli")
	catalogue.RegisterConstant("pid", int64(os.Getpid()))

	// `print` is common enough to deserve a global alias
	printValue, err := catalogue.LoadType(env, "print")
	if err == nil {
		_ = env.Runtime().GlobalObject().Set("print", printValue)
	}
}

func printStats(env *bridge.Environment) {
	stats := env.Stats()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println("--- environment statistics ---")
	}
	fmt.Printf("objects:            %d (%d persistent)\n", stats.Objects, stats.PersistentObjects)
	fmt.Printf("native classes:     %d\n", stats.NativeClasses)
	fmt.Printf("script classes:     %d\n", stats.ScriptClasses)
	fmt.Printf("cached functions:   %d\n", stats.CachedFunctions)
	fmt.Printf("modules:            %d\n", stats.Modules)
	fmt.Printf("timers:             %d\n", stats.Timers)
	fmt.Printf("pending releases:   %d\n", stats.PendingReleases)
	fmt.Printf("heap:               %d bytes / %d objects\n", stats.HeapAlloc, stats.HeapObjects)
}
