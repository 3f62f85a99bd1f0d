// Command coordinator runs the single central 2PC coordinator process. It
// takes one positional argument, the port to listen on.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/s-wangru/Failure-Resilience-2PC/internal/coordinator"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/telemetry"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/transport"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/txn"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: coordinator <port>")
		os.Exit(1)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port <= 0 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", os.Args[1])
		os.Exit(1)
	}

	logger := telemetry.NewLogger("coordinator")
	metrics := telemetry.NewMetrics("coordinator")

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	tr, err := transport.Listen(addr, logger)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	wd, err := os.Getwd()
	if err != nil {
		logger.Error("failed to resolve working directory", "error", err)
		os.Exit(1)
	}

	coord, err := coordinator.New(coordinator.Config{
		LogPath:   "log",
		WorkDir:   wd,
		Transport: tr,
		Logger:    logger,
		Metrics:   metrics,
		TxnConfig: txn.DefaultConfig(),
	})
	if err != nil {
		logger.Error("failed to initialize coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Close()

	telemetry.Banner("coordinator", addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The dispatcher must already be running before recovery starts:
	// a recovered transaction's retransmitted decision still needs its
	// ACK routed back to it through this loop.
	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher loop exited", "error", err)
		}
	}()

	if err := coord.Recover(); err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		runSubmissionLoop(ctx, coord, logger)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// runSubmissionLoop is the coordinator's stdin control surface: the only
// new-submission channel this program exposes.
//
//	submit <fileName> <contentPath> <addr:src>[,<addr:src>...]
func runSubmissionLoop(ctx context.Context, coord *coordinator.Coordinator, logger interface {
	Error(msg string, args ...interface{})
	Info(msg string, args ...interface{})
}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			return
		}
		if err := handleSubmitLine(coord, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func handleSubmitLine(coord *coordinator.Coordinator, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "submit" {
		return fmt.Errorf("usage: submit <fileName> <contentPath> <addr:src>[,<addr:src>...]")
	}
	fileName, contentPath, sourceList := fields[1], fields[2], fields[3]

	content, err := os.ReadFile(contentPath)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	sources := strings.Split(sourceList, ",")

	if err := coord.StartCommit(fileName, content, sources); err != nil {
		return err
	}
	color.New(color.FgYellow).Printf("submitted %s\n", fileName)
	return nil
}
