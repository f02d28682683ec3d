package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/vsavkov/mender/internal/runner"
	"github.com/vsavkov/mender/internal/task"
	"github.com/vsavkov/mender/internal/tool"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "validate":
		validate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  mender run [--config <run.yaml>] [--tasks <glob>] [--strategy <name>] [--seed <n>] [--run-id <id>] [--logs-root <dir>] [--memory <file>]")
	fmt.Fprintln(os.Stderr, "  mender validate --tasks <glob>")
}

func run(args []string) {
	var configPath string
	var tasksGlob string
	var strategy string
	var seedStr string
	var runID string
	var logsRoot string
	var memoryPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--tasks":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tasks requires a value")
				os.Exit(1)
			}
			tasksGlob = args[i]
		case "--strategy":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--strategy requires a value")
				os.Exit(1)
			}
			strategy = args[i]
		case "--seed":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--seed requires a value")
				os.Exit(1)
			}
			seedStr = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		case "--memory":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--memory requires a value")
				os.Exit(1)
			}
			memoryPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	var opts runner.Options
	if configPath != "" {
		cfg, err := runner.LoadRunConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts = cfg.Options()
		if tasksGlob == "" {
			tasksGlob = cfg.Tasks
		}
	}
	if tasksGlob == "" {
		usage()
		os.Exit(1)
	}
	if strategy != "" {
		opts.Strategy = strategy
	}
	if seedStr != "" {
		seed, err := strconv.ParseInt(seedStr, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--seed: %v\n", err)
			os.Exit(1)
		}
		opts.Seed = seed
	}
	if runID != "" {
		opts.RunID = runID
	}
	if logsRoot != "" {
		opts.LogsRoot = logsRoot
	}
	if memoryPath != "" {
		opts.MemoryPath = memoryPath
	}

	tasks, err := task.Load(tasksGlob)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stderr, "no tasks match %s\n", tasksGlob)
		os.Exit(1)
	}

	r, err := runner.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sum, runErr := r.RunAll(context.Background(), tasks)
	if err := r.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}

	fmt.Printf("run_id=%s\n", sum.RunID)
	fmt.Printf("tasks=%d\n", len(sum.Results))
	fmt.Printf("succeeded=%d\n", sum.Succeeded)
	fmt.Printf("failed=%d\n", sum.Failed)
	fmt.Printf("escalated=%d\n", sum.Escalated)
	for _, res := range sum.Results {
		line := fmt.Sprintf("task=%s status=%s", res.TaskID, res.Status)
		if res.Reason != "" {
			line += " reason=" + res.Reason
		}
		fmt.Println(line)
	}

	if sum.Failed == 0 && sum.Escalated == 0 {
		os.Exit(0)
	}
	os.Exit(1)
}

func validate(args []string) {
	var tasksGlob string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tasks":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tasks requires a value")
				os.Exit(1)
			}
			tasksGlob = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if tasksGlob == "" {
		usage()
		os.Exit(1)
	}

	tasks, err := task.Load(tasksGlob)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	reg := tool.DefaultRegistry()
	bad := 0
	for _, t := range tasks {
		if err := t.Validate(reg); err != nil {
			fmt.Fprintf(os.Stderr, "task %s: %v\n", t.TaskID, err)
			bad++
		}
	}
	fmt.Printf("tasks=%d invalid=%d\n", len(tasks), bad)
	if bad > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}
