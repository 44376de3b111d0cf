package datadir

import (
	"context"
	"log/slog"

	"aideps/internal/logging"
	"aideps/internal/stage"
	"aideps/internal/workflow"
)

const payloadFile = "payload.json"

// Mirror writes acknowledged stage payloads into the instance folder.
// Instance folders are keyed by document id.
type Mirror struct {
	layout *Layout
	logger *slog.Logger
}

// NewMirror returns a workflow.Listener backed by layout.
func NewMirror(layout *Layout, logger *slog.Logger) *Mirror {
	return &Mirror{layout: layout, logger: logging.NewComponentLogger(logger, "datadir")}
}

func (m *Mirror) StageCompleted(ctx context.Context, inst workflow.Instance, id stage.ID) {
	logger := logging.WithContext(ctx, m.logger)
	if payload, ok := inst.Payload(id); ok && len(payload) > 0 {
		if _, err := m.layout.SaveStageData(inst.DocumentID, id, payloadFile, payload); err != nil {
			m.warn(logger, id, err)
			return
		}
	}
	meta, err := m.layout.StageMetadata(inst.DocumentID, id)
	if err != nil {
		m.warn(logger, id, err)
		return
	}
	meta["status"] = "completed"
	meta["workflow_id"] = inst.WorkflowID
	if _, err := m.layout.SaveStageMetadata(inst.DocumentID, id, meta); err != nil {
		m.warn(logger, id, err)
		return
	}
	if id == stage.First {
		_ = m.layout.SetStatus(inst.DocumentID, StatusInProgress)
	}
}

func (m *Mirror) StagesInvalidated(ctx context.Context, inst workflow.Instance, from stage.ID) {
	logger := logging.WithContext(ctx, m.logger)
	for s := from; s <= stage.Last; s++ {
		meta, err := m.layout.StageMetadata(inst.DocumentID, s)
		if err != nil {
			m.warn(logger, s, err)
			continue
		}
		if meta["status"] != "completed" {
			continue
		}
		meta["status"] = "invalidated"
		if _, err := m.layout.SaveStageMetadata(inst.DocumentID, s, meta); err != nil {
			m.warn(logger, s, err)
		}
	}
	if err := m.layout.SetStatus(inst.DocumentID, StatusInProgress); err != nil {
		m.warn(logger, from, err)
	}
}

func (m *Mirror) WorkflowFinished(ctx context.Context, inst workflow.Instance) {
	if err := m.layout.SetStatus(inst.DocumentID, StatusCompleted); err != nil {
		m.warn(logging.WithContext(ctx, m.logger), stage.Last, err)
	}
}

func (m *Mirror) warn(logger *slog.Logger, id stage.ID, err error) {
	logging.WarnWithContext(logger, "stage folder update failed", "datadir_write_failed",
		logging.Stage(int(id)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check data_dir permissions and free space"),
		logging.String(logging.FieldImpact, "stage folder does not reflect the stored workflow"),
	)
}
