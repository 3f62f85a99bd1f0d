// Command participant runs a single remote process holding candidate
// source files. It takes two positional arguments, port and id.
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

	"github.com/s-wangru/Failure-Resilience-2PC/internal/participant"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/telemetry"
	"github.com/s-wangru/Failure-Resilience-2PC/internal/transport"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: participant <port> <id>")
		os.Exit(1)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port <= 0 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", os.Args[1])
		os.Exit(1)
	}
	id := os.Args[2]

	logger := telemetry.NewLogger("participant-" + id)
	metrics := telemetry.NewMetrics("participant-" + id)

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

	p, err := participant.New(participant.Config{
		ID:        id,
		WorkDir:   wd,
		LogPath:   fmt.Sprintf("log_%s.txt", id),
		Transport: tr,
		Approve:   promptUser,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		logger.Error("failed to initialize participant", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	if err := p.Recover(); err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}

	telemetry.Banner(fmt.Sprintf("participant %s", id), addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("main loop exited", "error", err)
		os.Exit(1)
	}
}

// promptUser is the user-approval oracle: it prints the requested source
// list to stdout and reads a yes/no answer from stdin. Any UI beyond this
// bare confirmation prompt is out of scope.
func promptUser(content []byte, sources []string) bool {
	fmt.Printf("approve release of %s (%d bytes payload)? [y/N] ", strings.Join(sources, ", "), len(content))
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
