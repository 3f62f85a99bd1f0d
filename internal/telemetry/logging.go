// Package telemetry wires the structured logger and metrics handle shared
// by the coordinator and participant, plus the colorized console output
// used for CLI banners and terminal decision announcements.
package telemetry

import (
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the process-wide structured logger. name distinguishes
// coordinator output from participant output when both run on one machine
// during local testing.
func NewLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.Info,
		Color: hclog.AutoColor,
	})
}

// Banner prints a colorized one-line startup announcement. This is purely
// cosmetic console output, never consulted by the protocol.
func Banner(role, addr string) {
	bold := color.New(color.Bold, color.FgCyan)
	bold.Printf("%s listening on %s\n", role, addr)
}

// Decision prints a colorized terminal announcement of a transaction's
// outcome, green for commit and red for abort.
func Decision(fileName string, committed bool) {
	if committed {
		color.New(color.FgGreen).Fprintf(os.Stdout, "%s: COMMITTED\n", fileName)
	} else {
		color.New(color.FgRed).Fprintf(os.Stdout, "%s: ABORTED\n", fileName)
	}
}
