package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

type painter bool

func (noColor painter) c(code string) string {
	if noColor {
		return ""
	}
	return code
}

// FormatText writes a human-readable report to w.
// If noColor is true, ANSI codes are suppressed.
func FormatText(w io.Writer, report *Report, noColor bool) {
	p := painter(noColor)
	for _, sr := range report.Services {
		fmt.Fprintf(w, "\n%s# %s%s\n", p.c(colorCyan), sr.Service, p.c(colorReset))

		if sr.Plan != nil {
			formatPlan(w, sr.Plan, p)
		}

		if sr.Guard != nil {
			for _, v := range sr.Guard.Violations {
				color := colorYellow
				if v.Blocking() {
					color = colorRed
				}
				fmt.Fprintf(w, "  %s!%s policy %s (%s): %s\n", p.c(color), p.c(colorReset), v.Policy, v.Severity, v.Message)
			}
		}

		if sr.Result != nil && sr.Result.Mode == ModeApply {
			for _, o := range sr.Result.Outcomes {
				if o.Status == OutcomeFailed {
					fmt.Fprintf(w, "  %s✗%s %s: %s\n", p.c(colorRed), p.c(colorReset), o.Operation.String(), o.Reason)
				}
			}
			s := sr.Result.Summary
			fmt.Fprintf(w, "%sResult:%s %d applied, %d failed, %d skipped.\n",
				p.c(colorDim), p.c(colorReset), s.Applied, s.Failed, s.Skipped)
		}

		if sr.Error != nil && sr.Status != ServiceStatusPartial {
			fmt.Fprintf(w, "  %s✗ %s %s:%s %s\n", p.c(colorRed), sr.Service, sr.Status, p.c(colorReset), sr.Error.Error())
		}
	}

	fmt.Fprintln(w)
	if report.Succeeded() {
		fmt.Fprintf(w, "%sAll %d service(s) succeeded.%s\n", p.c(colorGreen), len(report.Services), p.c(colorReset))
		return
	}
	failed := report.Failed()
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.Service)
	}
	fmt.Fprintf(w, "%s%d of %d service(s) failed: %s%s\n",
		p.c(colorRed), len(failed), len(report.Services), strings.Join(names, ", "), p.c(colorReset))
}

// FormatPlans writes the plans without color, as used in chat messages.
func FormatPlans(w io.Writer, plans []*Plan) {
	for _, plan := range plans {
		fmt.Fprintf(w, "# %s\n", plan.Service)
		formatPlan(w, plan, painter(true))
	}
}

func formatPlan(w io.Writer, plan *Plan, p painter) {
	for _, warn := range plan.Warnings {
		fmt.Fprintf(w, "  %s!%s %s\n", p.c(colorYellow), p.c(colorReset), warn)
	}

	if plan.IsEmpty() {
		fmt.Fprintln(w, "  No changes.")
		return
	}

	for _, op := range plan.Operations {
		kind := kindLabel(op.Kind)
		switch op.Type {
		case OperationCreate:
			fmt.Fprintf(w, "  %s+%s %s %q will be created\n", p.c(colorGreen), p.c(colorReset), kind, op.Key)
			for _, d := range op.Changes {
				fmt.Fprintf(w, "      %s%s%s: %s\n", p.c(colorDim), d.Field, p.c(colorReset), quoted(d.NewValue, d.Sensitive))
			}

		case OperationUpdate:
			fmt.Fprintf(w, "  %s~%s %s %q will be updated\n", p.c(colorYellow), p.c(colorReset), kind, op.Key)
			for _, d := range op.Changes {
				fmt.Fprintf(w, "      %s: %s → %s\n", d.Field, quoted(d.OldValue, d.Sensitive), quoted(d.NewValue, d.Sensitive))
			}

		case OperationDelete:
			suffix := ""
			if op.Description != "" {
				suffix = " (" + op.Description + ")"
			}
			fmt.Fprintf(w, "  %s-%s %s %q will be deleted%s\n", p.c(colorRed), p.c(colorReset), kind, op.Key, suffix)
		}
	}

	s := plan.Summary()
	fmt.Fprintf(w, "%sPlan:%s %d to create, %d to update, %d to delete.\n",
		p.c(colorDim), p.c(colorReset), s.Creates, s.Updates, s.Deletes)
}

func kindLabel(k Kind) string {
	return strings.Replace(string(k), ".", " ", 1)
}

func quoted(v string, sensitive bool) string {
	if sensitive {
		return SensitiveValue
	}
	return fmt.Sprintf("%q", v)
}

// FormatJSON writes the report as JSON to w.
func FormatJSON(w io.Writer, report *Report) error {
	type jsonService struct {
		*ServiceReport
		Summary PlanSummary `json:"summary"`
	}
	type jsonReport struct {
		*Report
		Services  []jsonService `json:"services"`
		Succeeded bool          `json:"succeeded"`
	}

	jr := jsonReport{
		Report:    report,
		Services:  make([]jsonService, 0, len(report.Services)),
		Succeeded: report.Succeeded(),
	}
	for _, sr := range report.Services {
		jr.Services = append(jr.Services, jsonService{ServiceReport: sr, Summary: sr.Plan.Summary()})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
