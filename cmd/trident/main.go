package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trident/internal/app"
	"trident/internal/config"
	"trident/internal/module"
	"trident/internal/workflow"
	"trident/modules/general"
)

func main() {
	var (
		cfgPath string
		runFile string
		modName string
		input   string
		session string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&runFile, "run", "", "execute a workflow file (yaml or json) and exit")
	flag.StringVar(&modName, "module", "", "module for a single request (empty = infer)")
	flag.StringVar(&input, "input", "", "prompt text for a single request")
	flag.StringVar(&session, "session", "", "session id for a single request")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Compiled-in modules. Deployments extend this table.
	defs := []module.Definition{
		general.Definition(),
	}

	a, err := app.New(cfgPath, defs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	switch {
	case runFile != "":
		os.Exit(runWorkflowFile(ctx, a, runFile))
	case input != "":
		os.Exit(runSingle(ctx, a, modName, input, session))
	default:
		if err := a.Start(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal start:", err)
			os.Exit(1)
		}
		<-a.Done()
		_ = a.Stop(context.Background())
		if err := a.Err(); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
	}
}

func runWorkflowFile(ctx context.Context, a *app.App, path string) int {
	defer func() { _ = a.Stop(context.Background()) }()
	wf, err := config.LoadWorkflowFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "workflow:", err)
		return 1
	}
	runID, results, err := a.Executor().RunWorkflow(ctx, wf, currentUser(), false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "workflow:", err)
		return 1
	}
	printJSON(map[string]any{
		"run_id":  runID,
		"summary": workflow.Summarize(results),
		"results": results,
	})
	if workflow.Summarize(results).Errors > 0 {
		return 1
	}
	return 0
}

func runSingle(ctx context.Context, a *app.App, modName, input, session string) int {
	defer func() { _ = a.Stop(context.Background()) }()
	resp := a.Executor().ExecuteStep(ctx, workflow.StepRequest{
		Module:  modName,
		Prompt:  input,
		Session: session,
	})
	printJSON(resp)
	if resp.Err() != "" {
		return 1
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
