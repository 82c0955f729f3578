// Package main is the entry point for the toolsmith CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/toolsmith-hq/toolsmith/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the CLI and returns the exit code: 0 = success,
// 2 = error.
func run(args []string) int {
	fs := flag.NewFlagSet("toolsmith", flag.ContinueOnError)

	var (
		configPath  string
		rootFlag    string
		verboseFlag bool
		versionFlag bool
	)

	fs.StringVar(&configPath, "config", ".toolsmith.yaml", "path to the configuration file")
	fs.StringVar(&rootFlag, "root", "", "plugin root directory (overrides config)")
	fs.BoolVar(&verboseFlag, "verbose", false, "enable verbose output")
	fs.BoolVar(&verboseFlag, "v", false, "enable verbose output (shorthand)")
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: toolsmith <command> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve            Start the MCP server (stdio, or SSE with -listen)\n")
		fmt.Fprintf(os.Stderr, "  refresh          Scan plugins and print the registry diff\n")
		fmt.Fprintf(os.Stderr, "  list             List discovered tools\n")
		fmt.Fprintf(os.Stderr, "  info [name]      Show plugin environment details\n")
		fmt.Fprintf(os.Stderr, "  diagnose <name>  Classify a plugin environment's health\n")
		fmt.Fprintf(os.Stderr, "  repair <name>    Recreate a plugin environment\n")
		fmt.Fprintf(os.Stderr, "  version          Print version and exit\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if verboseFlag {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if versionFlag {
		printVersion()
		return 0
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return 2
	}
	if rootFlag != "" {
		cfg.PluginRoot = rootFlag
	}

	command := remaining[0]
	switch command {
	case "serve":
		return runServe(remaining[1:], cfg)
	case "refresh":
		return runRefresh(cfg)
	case "list":
		return runList(cfg)
	case "info":
		return runInfo(remaining[1:], cfg)
	case "diagnose":
		return runDiagnose(remaining[1:], cfg)
	case "repair":
		return runRepair(remaining[1:], cfg)
	case "version":
		printVersion()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		fs.Usage()
		return 2
	}
}

func printVersion() {
	fmt.Printf("toolsmith %s (commit: %s, built: %s)\n", version, commit, date)
}

func newServer(cfg *server.Config) (*server.Server, int) {
	srv, err := server.New(version, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, 2
	}
	return srv, 0
}

func runServe(args []string, cfg *server.Config) int {
	serveFS := flag.NewFlagSet("serve", flag.ContinueOnError)
	var listen string
	serveFS.StringVar(&listen, "listen", "", "serve over SSE on this address instead of stdio (e.g. :3001)")
	if err := serveFS.Parse(args); err != nil {
		return 2
	}

	srv, code := newServer(cfg)
	if code != 0 {
		return code
	}

	if listen != "" {
		if err := srv.ServeSSE(listen); err != nil {
			fmt.Fprintf(os.Stderr, "error: SSE server failed: %v\n", err)
			return 2
		}
		return 0
	}
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "error: MCP server failed: %v\n", err)
		return 2
	}
	return 0
}

func runRefresh(cfg *server.Config) int {
	srv, code := newServer(cfg)
	if code != 0 {
		return code
	}

	diff, res, err := srv.Loader().Refresh(context.Background(), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: refresh failed: %v\n", err)
		return 2
	}
	printJSON(map[string]any{
		"diff":   diff,
		"tools":  len(res.Tools),
		"errors": res.Errors,
	})
	return 0
}

func runList(cfg *server.Config) int {
	srv, code := newServer(cfg)
	if code != 0 {
		return code
	}

	_, res, err := srv.Loader().Refresh(context.Background(), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: scan failed: %v\n", err)
		return 2
	}

	names := make([]string, 0, len(res.Tools))
	for name := range res.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s\t%s\n", name, firstLine(res.Tools[name].Descriptor.Description))
	}
	for _, le := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", le.Plugin, le.Error)
	}
	return 0
}

func runInfo(args []string, cfg *server.Config) int {
	srv, code := newServer(cfg)
	if code != 0 {
		return code
	}

	ctx := context.Background()
	if len(args) > 0 {
		dir, err := pluginDir(cfg, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		printJSON(srv.Envs().Describe(ctx, dir))
		return 0
	}

	dirs, err := pluginDirs(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	for _, dir := range dirs {
		printJSON(srv.Envs().Describe(ctx, dir))
	}
	return 0
}

func runDiagnose(args []string, cfg *server.Config) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: toolsmith diagnose <name>")
		return 2
	}
	srv, code := newServer(cfg)
	if code != 0 {
		return code
	}

	dir, err := pluginDir(cfg, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	printJSON(srv.Envs().Diagnose(context.Background(), dir))
	return 0
}

func runRepair(args []string, cfg *server.Config) int {
	repairFS := flag.NewFlagSet("repair", flag.ContinueOnError)
	var force bool
	repairFS.BoolVar(&force, "force", false, "destroy the environment before recreating it")
	if err := repairFS.Parse(args); err != nil {
		return 2
	}
	if repairFS.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: toolsmith repair <name> [-force]")
		return 2
	}

	srv, code := newServer(cfg)
	if code != 0 {
		return code
	}

	dir, err := pluginDir(cfg, repairFS.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	install, err := srv.Envs().Repair(context.Background(), dir, force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: repair failed: %v\n", err)
		return 2
	}
	printJSON(install)
	return 0
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
