package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/genesis32/labsetup/provisioner"
	"github.com/genesis32/labsetup/quotas"
	"github.com/genesis32/labsetup/resources"
)

var (
	changedColor   = color.New(color.FgYellow)
	satisfiedColor = color.New(color.FgGreen)
	blockedColor   = color.New(color.FgRed)
)

func printProvisionReport(w io.Writer, report *provisioner.Report) {
	if report == nil || len(report.Steps) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tOUTCOME\tATTEMPTS\tDURATION\tDETAILS")
	for _, s := range report.Steps {
		outcome := satisfiedColor.Sprint(s.Outcome)
		if s.Outcome == resources.Changed {
			outcome = changedColor.Sprint(s.Outcome)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Name, outcome, s.Attempts, s.Duration.Round(time.Millisecond), s.Message)
	}
	tw.Flush()
}

func printRestrictReport(w io.Writer, report *quotas.Report) {
	if report == nil {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tMETRIC\tLIMIT\tDECISION")
	for _, f := range report.Findings {
		if f.Decision == quotas.SkippedAllowed {
			continue
		}
		decision := f.Decision.String()
		if f.Decision == quotas.Blocked {
			switch {
			case f.Applied:
				decision = blockedColor.Sprint("blocked")
			case report.DryRun:
				decision = blockedColor.Sprint("would block")
			default:
				decision = blockedColor.Sprint("block failed")
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.Model, truncate(f.Metric, 48), f.EffectiveLimit, decision)
	}
	tw.Flush()

	blocked := report.Count(quotas.Blocked)
	if report.DryRun {
		fmt.Fprintf(w, "\nDry run: %d model quotas would be set to 0. Re-run with --no-dry-run to apply.\n", blocked)
		return
	}
	fmt.Fprintf(w, "\n%d of %d model quotas set to 0.\n", report.Applied(), blocked)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n-3])) + "..."
}
