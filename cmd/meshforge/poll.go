package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/client"
	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/types"
)

// =============================================================================
// 🔁 poll 命令
// =============================================================================

// runPoll 跟踪任务直到结束，返回进程退出码
func runPoll(args []string) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	baseURL := fs.String("base-url", "", "Server base URL")
	interval := fs.Duration("interval", 0, "Poll interval")
	maxAttempts := fs.Int("max-attempts", 0, "Poll attempts before giving up")
	watch := fs.Bool("watch", false, "Use the WebSocket stream instead of polling")
	asJSON := fs.Bool("json", false, "Print the final job as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshforge poll [options] <jobId>")
		return 2
	}
	jobID := fs.Arg(0)

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	pollerCfg := cfg.Poller
	applyPollFlags(&pollerCfg, *baseURL, *interval, *maxAttempts)

	logCfg := cfg.Log
	logCfg.Level = "warn"
	logCfg.Format = "console"
	logCfg.OutputPaths = []string{"stderr"}
	logger := initLogger(logCfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, err := followJob(ctx, pollerCfg, jobID, *watch, os.Stderr, logger)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Polling failed: %v\n", err)
		return 1
	}
	printJob(os.Stdout, job, *asJSON)
	if job.Status == types.JobStatusFailed {
		return 1
	}
	return 0
}

func applyPollFlags(cfg *config.PollerConfig, baseURL string, interval time.Duration, maxAttempts int) {
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if interval > 0 {
		cfg.Interval = interval
	}
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
}

// followJob 通过轮询或 WebSocket 跟踪任务，并在 progress 上输出进度行
func followJob(ctx context.Context, cfg config.PollerConfig, jobID string, watch bool, progress io.Writer, logger *zap.Logger) (*types.Job, error) {
	onProgress := func(u client.Update) {
		fmt.Fprintf(progress, "\r[%3d%%] %-10s attempt %d", u.Progress, u.Status, u.Attempt)
	}
	if watch {
		return client.WatchJob(ctx, cfg.BaseURL, jobID, onProgress)
	}
	poller := client.NewPoller(client.NewHTTPStatusFetcher(cfg.BaseURL), client.PollerConfigFrom(cfg), logger)
	return poller.Poll(ctx, jobID, onProgress)
}

func printJob(w io.Writer, job *types.Job, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(job)
		return
	}
	fmt.Fprintf(w, "Job:    %s\n", job.ID)
	fmt.Fprintf(w, "Status: %s\n", job.Status)
	switch job.Status {
	case types.JobStatusCompleted:
		fmt.Fprintf(w, "Model:  %s\n", job.ModelURL)
		if job.FallbackUsed {
			fmt.Fprintf(w, "Note:   served from the upstream URL (%s)\n", job.FallbackReason)
		}
		fmt.Fprintf(w, "Time:   %s\n", time.Duration(job.ProcessingTimeMs)*time.Millisecond)
	case types.JobStatusFailed:
		fmt.Fprintf(w, "Error:  %s\n", job.ErrorMessage)
	}
}
