// CLI for the pml capability runtime.
//
// Sub-commands:
//
//	call    --tool ns:action [--args '{"k":"v"}']   Invoke a tool, print result or envelope JSON
//	resume  --tool ns:action --workflow-id <id> [--reject] [--args ...]
//	lock    [--prune-days N]                         Show or prune the workspace lockfile
//	version                                          Print the build version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Casys-AI/pmlrun"
	"github.com/Casys-AI/pmlrun/internal/config"
	"github.com/Casys-AI/pmlrun/internal/lockfile"
	"github.com/Casys-AI/pmlrun/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "call":
		cmdCall(os.Args[2:], false)
	case "resume":
		cmdCall(os.Args[2:], true)
	case "lock":
		cmdLock(os.Args[2:])
	case "version":
		fmt.Println(version.GitCommit)
	default:
		fmt.Fprintf(os.Stderr, "Unknown sub-command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pmlrun <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  call     Invoke a tool and print its result or approval envelope")
	fmt.Fprintln(os.Stderr, "  resume   Answer an approval envelope and re-invoke")
	fmt.Fprintln(os.Stderr, "  lock     Show or prune the workspace lockfile")
	fmt.Fprintln(os.Stderr, "  version  Print the build version")
}

func cmdCall(args []string, resume bool) {
	name := "call"
	if resume {
		name = "resume"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	tool := fs.String("tool", "", "tool identifier (ns:action)")
	argsJSON := fs.String("args", "{}", "arguments document as JSON")
	workspaceDir := fs.String("workspace", "", "workspace root (default: detected)")
	workflowID := fs.String("workflow-id", "", "pending workflow to answer (resume only)")
	reject := fs.Bool("reject", false, "answer the workflow with abort instead of continue")
	verbose := fs.Bool("v", false, "debug logging")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall invocation deadline")
	fs.Parse(args)

	if *tool == "" {
		fmt.Fprintln(os.Stderr, "--tool is required")
		os.Exit(1)
	}
	if resume && *workflowID == "" {
		fmt.Fprintln(os.Stderr, "--workflow-id is required for resume")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var callArgs map[string]any
	if err := json.Unmarshal([]byte(*argsJSON), &callArgs); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --args: %v\n", err)
		os.Exit(1)
	}

	rt, err := pmlrun.New(pmlrun.Options{Workspace: *workspaceDir, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot initialize runtime: %v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		result   *pmlrun.Result
		envelope *pmlrun.Envelope
	)
	if resume {
		result, envelope, err = rt.Resume(ctx, *tool, callArgs, *workflowID, !*reject)
	} else {
		result, envelope, err = rt.Invoke(ctx, *tool, callArgs)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if envelope != nil {
		enc.Encode(envelope)
		// Approval required is not a failure, but the call did not complete.
		os.Exit(2)
	}
	enc.Encode(map[string]any{
		"value":       result.Value,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func cmdLock(args []string) {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	workspaceDir := fs.String("workspace", ".", "workspace root")
	pruneDays := fs.Int("prune-days", 0, "remove entries older than N days")
	fs.Parse(args)

	cfg, err := config.Load(*workspaceDir + "/" + pmlrun.ConfigFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	lock, err := lockfile.Load(*workspaceDir, lockfile.Options{
		AutoApproveNew: cfg.GetAutoApproveNew(),
		OrgPrefix:      cfg.OrgPrefix,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *pruneDays > 0 {
		if err := lock.Prune(time.Duration(*pruneDays) * 24 * time.Hour); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("%d entries in %s/%s\n", lock.Len(), *workspaceDir, lockfile.FileName)
}
