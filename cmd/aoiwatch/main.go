// Command aoiwatch follows AOI pipeline progress from an aoipipe server.
//
// Usage:
//
//	aoiwatch -url http://localhost:8080 -project 1 -start
//
// With -project it exits once a run for that project completes: 0 on
// success, 2 on partial failure, 1 on failure or error. Without -project
// it prints events for every project until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/aoipipe/sdk/go/aoipipe"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aoiwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", envOr("AOIPIPE_URL", "http://localhost:8080"), "aoipipe server URL")
	project := fs.String("project", "", "project ID to follow")
	start := fs.Bool("start", false, "start a pipeline run for -project once subscribed")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *start && *project == "" {
		_, _ = fmt.Fprintln(stderr, "aoiwatch: -start requires -project")
		return 1
	}

	client, err := aoipipe.NewClient(aoipipe.Config{BaseURL: *baseURL})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "aoiwatch:", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := newWatcher(stdout, *project)
	var ready func()
	var startErr error
	if *start {
		ready = func() {
			resp, err := client.StartPipeline(ctx, *project)
			if err != nil {
				startErr = err
				cancel()
				return
			}
			w.follow(resp.PipelineID)
		}
	}

	err = client.Subscribe(ctx, aoipipe.SubscribeOptions{ProjectID: *project}, ready, w.handle)
	switch {
	case startErr != nil:
		_, _ = fmt.Fprintln(stderr, "aoiwatch: start pipeline:", startErr)
		return 1
	case errors.Is(err, errDone):
		return w.exitCode()
	case errors.Is(err, context.Canceled):
		return 0
	default:
		_, _ = fmt.Fprintln(stderr, "aoiwatch:", err)
		return 1
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
