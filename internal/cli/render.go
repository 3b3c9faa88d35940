package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ChuLiYu/docflow/internal/ledger"
	"github.com/ChuLiYu/docflow/internal/orchestrator"
	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const stampLayout = "2006-01-02 15:04:05"

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// ============================================================================
// Live events
// ============================================================================

// printer writes one line per interesting session event. Progress ticks are
// only shown at milestones.
type printer struct {
	out   io.Writer
	quiet bool
}

func newPrinter(out io.Writer, quiet bool) *printer {
	return &printer{out: out, quiet: quiet}
}

func (p *printer) event(ev orchestrator.Event) {
	if p.quiet {
		return
	}
	switch ev.Type {
	case orchestrator.EventMilestone:
		if ev.Progress != nil {
			fmt.Fprintf(p.out, "%3d%%  %s\n", ev.Milestone, progressLine(*ev.Progress))
		}
	case orchestrator.EventJobCompleted:
		if r := ev.Result; r != nil && r.Status != types.StatusSucceeded {
			fmt.Fprintf(p.out, "  %s %s: %s\n", r.JobID, r.Status, r.Reason)
		}
	case orchestrator.EventRetryAttempted:
		if a := ev.Retry; a != nil {
			fmt.Fprintf(p.out, "  retry %s %s attempt %d (%s) in %s\n",
				a.JobID, a.Phase, a.AttemptNumber, a.ErrorKind, a.DelayBeforeNext.Round(time.Millisecond))
		}
	case orchestrator.EventWorkersResized:
		fmt.Fprintf(p.out, "  workers -> %d\n", ev.Workers)
	case orchestrator.EventIntakePaused:
		fmt.Fprintf(p.out, "  intake paused: %s\n", ev.Message)
	case orchestrator.EventIntakeResumed:
		fmt.Fprintln(p.out, "  intake resumed")
	case orchestrator.EventResourceWarning, orchestrator.EventDegradation:
		fmt.Fprintf(p.out, "  warning: %s\n", ev.Message)
	case orchestrator.EventCancellationConfirmed:
		fmt.Fprintf(p.out, "Cancellation confirmed: %s\n", ev.Message)
	}
}

func progressLine(p types.BatchProgress) string {
	line := fmt.Sprintf("%d/%d done, %d running, %d pending, %.1f items/min",
		p.CompletedJobs, p.TotalJobs, p.InFlightJobs, p.PendingJobs, p.ThroughputItemsPerMin)
	if p.ETASeconds > 0 {
		line += ", eta " + (time.Duration(p.ETASeconds * float64(time.Second))).Round(time.Second).String()
	}
	return line
}

// ============================================================================
// Summaries and listings
// ============================================================================

func renderSummary(out io.Writer, s types.Summary) {
	title := "Batch " + s.BatchID + " completed"
	if s.WasCancelled {
		title = "Batch " + s.BatchID + " cancelled"
	}
	fmt.Fprintln(out, title)
	rows := [][]string{
		{"Total", strconv.Itoa(s.Total)},
		{"Succeeded", strconv.Itoa(s.Succeeded)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"Cancelled", strconv.Itoa(s.Cancelled)},
		{"Attempts", strconv.Itoa(s.TotalAttempts)},
		{"Avg confidence", fmt.Sprintf("%.2f", s.AvgConfidence)},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
	}
	fmt.Fprintln(out, renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(s.Failures) > 0 {
		frows := make([][]string, 0, len(s.Failures))
		for _, f := range s.Failures {
			frows = append(frows, []string{string(f.JobID), f.InputRef, string(f.Status), string(f.Phase), f.Reason})
		}
		fmt.Fprintln(out, renderTable([]string{"Job", "Input", "Status", "Phase", "Reason"}, frows, nil))
	}
	if s.StateSaved {
		fmt.Fprintf(out, "Checkpoint saved to %s (docflow resume %s)\n", s.StatePath, s.BatchID)
	}
}

func renderStates(out io.Writer, infos []snapshot.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "Saved checkpoints: none")
		return
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.BatchID,
			info.SavedAt.Local().Format(stampLayout),
			strconv.Itoa(info.Total),
			strconv.Itoa(info.Completed),
			strconv.Itoa(info.Pending + info.InFlight),
			fmt.Sprintf("%.0f%%", info.Fraction()*100),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Batch", "Saved", "Total", "Done", "Remaining", "Progress"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
}

func renderBatches(out io.Writer, batches []ledger.BatchRecord) {
	if len(batches) == 0 {
		fmt.Fprintln(out, "Recorded batches: none")
		return
	}
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		state := "completed"
		if b.WasCancelled {
			state = "cancelled"
		}
		rows = append(rows, []string{
			b.BatchID,
			b.FinishedAt.Local().Format(stampLayout),
			state,
			strconv.Itoa(b.Total),
			strconv.Itoa(b.Succeeded),
			strconv.Itoa(b.Failed),
			strconv.Itoa(b.Cancelled),
			b.Elapsed.Round(time.Millisecond).String(),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Batch", "Finished", "State", "Total", "OK", "Failed", "Cancelled", "Elapsed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
}

func renderJobs(out io.Writer, jobs []ledger.JobRecord) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "Jobs: none")
		return
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			string(j.JobID),
			j.InputRef,
			string(j.Status),
			string(j.Phase),
			strconv.Itoa(j.Attempts),
			fmt.Sprintf("%.2f", j.Confidence),
			j.Duration.Round(time.Millisecond).String(),
			j.Reason,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Job", "Input", "Status", "Phase", "Attempts", "Confidence", "Duration", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
}

func renderProgress(out io.Writer, p types.BatchProgress) {
	fmt.Fprintf(out, "Batch %s: %.0f%%  %s\n", p.BatchID, p.Fraction*100, progressLine(p))
	fmt.Fprintf(out, "Succeeded %d, failed %d, cancelled %d, success rate %.0f%%, avg confidence %.2f\n",
		p.Succeeded, p.Failed, p.Cancelled, p.SuccessRate*100, p.AvgConfidence)
	if len(p.CurrentPhaseByJob) == 0 {
		return
	}
	ids := make([]string, 0, len(p.CurrentPhaseByJob))
	for id := range p.CurrentPhaseByJob {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+string(p.CurrentPhaseByJob[types.JobID(id)]))
	}
	fmt.Fprintf(out, "Running: %s\n", strings.Join(parts, ", "))
}
