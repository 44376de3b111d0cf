package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"aideps/internal/api"
)

func writeWorkflow(out io.Writer, wf *api.Workflow, colorize bool) {
	w := &statusWriter{out: out, colorize: colorize}
	state := "in progress"
	kind := statusInfo
	if wf.Finished {
		state = "finished"
		kind = statusOK
	}
	fmt.Fprintf(out, "Workflow %s (document %s)\n", wf.WorkflowID, wf.DocumentID)
	w.line("Progress", kind,
		fmt.Sprintf("%d/%d stages (%.0f%%), %s", wf.Progress.Completed, wf.Progress.Total, wf.Progress.Percent, state))
	w.line("Current stage", statusInfo, fmt.Sprintf("%d %s", wf.CurrentStage, wf.CurrentStageKey))
	if len(wf.StaleStages) > 0 {
		w.line("Stale", statusWarn, fmt.Sprintf("stages %v need to be completed again", wf.StaleStages))
	}
	if len(wf.Stages) == 0 {
		return
	}
	rows := make([][]string, 0, len(wf.Stages))
	for _, s := range wf.Stages {
		marker := ""
		if s.Current {
			marker = "▶"
		}
		status := w.paint(stageStatusKind(s.Status), s.Status)
		rows = append(rows, []string{marker, strconv.Itoa(s.Stage), s.Name, status, yesNo(s.Enterable)})
	}
	fmt.Fprint(out, renderTable([]string{"", "#", "Stage", "Status", "Enterable"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func writePayloads(out io.Writer, wf *api.Workflow) {
	for _, s := range wf.Stages {
		if len(s.Payload) == 0 {
			continue
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, s.Payload, "  ", "  "); err != nil {
			pretty.Reset()
			pretty.Write(s.Payload)
		}
		fmt.Fprintf(out, "\n%d %s:\n  %s\n", s.Stage, s.Name, pretty.String())
	}
}

func renderWorkflowList(list []api.WorkflowSummary) string {
	rows := make([][]string, 0, len(list))
	for _, wf := range list {
		name := wf.DocumentName
		if name == "" {
			name = wf.DocumentID
		}
		rows = append(rows, []string{wf.WorkflowID, name, strconv.Itoa(wf.CurrentStage), wf.Status, yesNo(wf.Active)})
	}
	return renderTable([]string{"Workflow", "Document", "Stage", "Status", "Session"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight})
}

func renderHistory(entries []api.AuditEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		stageCol := "-"
		if e.Stage > 0 {
			stageCol = strconv.Itoa(e.Stage)
		}
		rows = append(rows, []string{e.CreatedAt, stageCol, e.Action, e.Detail})
	}
	return renderTable([]string{"Time", "Stage", "Action", "Detail"}, rows, []columnAlignment{alignLeft, alignRight})
}
