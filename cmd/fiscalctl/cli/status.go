package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
)

// Exit codes of the status command.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitThreshold = 10
)

// StatusReader loads the fiscal dashboard view.
type StatusReader interface {
	Status(ctx context.Context) (fiscal.Status, error)
}

// StatusOptions defines available flags for the fiscal status command.
type StatusOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatusCommand prints the current fiscal year and counter usage. It exits
// with ExitThreshold when any counter crossed the transition threshold, so
// cron wrappers can page before numbering runs out.
func StatusCommand(ctx context.Context, reader StatusReader, opts StatusOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	status, err := reader.Status(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fiscal status: %v\n", err)
		return ExitFailure
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(status); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fiscal status: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderStatusHuman(opts.Stdout, status)
	}
	for _, c := range status.Counters {
		if c.ThresholdWarning {
			return ExitThreshold
		}
	}
	if status.ThresholdWarning {
		return ExitThreshold
	}
	return ExitOK
}

func renderStatusHuman(out io.Writer, status fiscal.Status) {
	auto := "off"
	if status.AutoSwitchEnabled {
		auto = "on"
	}
	_, _ = fmt.Fprintf(out, "Fiscal year %s (auto-switch %s, threshold %d)\n", status.FiscalYear, auto, status.TransitionThreshold)
	for _, c := range status.Counters {
		marker := ""
		if c.ThresholdWarning {
			marker = " [threshold]"
		}
		_, _ = fmt.Fprintf(out, " - %s: %d/%d issued, %d remaining%s\n", c.EntityType, c.LastNumber, c.Max, c.Remaining, marker)
	}
}
