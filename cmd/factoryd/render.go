package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/model"
)

func renderSnapshot(w io.Writer, snap model.Snapshot) {
	fmt.Fprintf(w, "Run:      %s\n", snap.RunID)
	fmt.Fprintf(w, "Project:  %s (%s)\n", snap.Project, snap.Engine)
	if snap.FailReason != "" {
		fmt.Fprintf(w, "State:    %s (%s)\n", snap.State, snap.FailReason)
	} else {
		fmt.Fprintf(w, "State:    %s\n", snap.State)
	}
	fmt.Fprintf(w, "Cost:     $%.2f\n", snap.TotalCost)
	fmt.Fprintf(w, "Started:  %s\n", snap.StartedAt.Local().Format(time.RFC3339))
	if snap.EndedAt != nil {
		fmt.Fprintf(w, "Ended:    %s\n", snap.EndedAt.Local().Format(time.RFC3339))
	}

	fmt.Fprintln(w, "\nPhases:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tPHASE\tSTATUS\tATTEMPTS\tSCORE")
	for _, p := range snap.Phases {
		marker := " "
		if p.Index == snap.CurrentPhase && !model.IsTerminal(snap.State) {
			marker = ">"
		}
		score := "-"
		if p.LastScore != nil {
			score = fmt.Sprintf("%d", *p.LastScore)
		}
		fmt.Fprintf(tw, "%s %d\t%s\t%s\t%d\t%s\n", marker, p.Index, p.Name, p.Status, p.Attempts, score)
	}
	tw.Flush()

	if snap.Pending != nil {
		fmt.Fprintf(w, "\nPending clarification %s (phase %d):\n  %s\n",
			snap.Pending.ID, snap.Pending.PhaseIndex, snap.Pending.Question)
		for i, opt := range snap.Pending.Options {
			fmt.Fprintf(w, "    %d. %s\n", i+1, opt)
		}
		fmt.Fprintf(w, "  Answer with: factoryd answer %s %s -m \"...\"\n", snap.RunID, snap.Pending.ID)
	}
}

func renderRunList(w io.Writer, snaps []model.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPROJECT\tENGINE\tSTATE\tPHASE\tCOST\tSTARTED")
	for _, s := range snaps {
		phase := "-"
		if s.CurrentPhase < len(s.Phases) {
			phase = s.Phases[s.CurrentPhase].Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t$%.2f\t%s\n",
			s.RunID, s.Project, s.Engine, s.State, phase, s.TotalCost,
			s.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printEngines(data json.RawMessage) error {
	if jsonOutput {
		return printJSON(data)
	}
	var statuses map[string]engine.HealthStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tINSTALLED\tVERSION")
	for _, name := range names {
		st := statuses[name]
		installed := "no"
		detail := st.Error
		if st.Installed {
			installed = "yes"
			detail = st.Version
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, installed, detail)
	}
	return tw.Flush()
}
