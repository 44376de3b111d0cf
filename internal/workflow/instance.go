package workflow

import (
	"bytes"
	"fmt"
	"math"

	"aideps/internal/stage"
)

// Instance is one document's journey through the stages.
type Instance struct {
	WorkflowID   string
	DocumentID   string
	CurrentStage stage.ID
	Completed    StageSet
	Payloads     map[stage.ID]stage.Payload
	// Stale holds stages whose payload was kept across a cascading
	// invalidation and must be re-validated before it counts again.
	Stale    StageSet
	Finished bool
}

// Resume is the persisted shape a Backend returns for a document.
type Resume struct {
	WorkflowID   string
	CurrentStage stage.ID
	Completed    StageSet
	Stale        StageSet
	Payloads     map[stage.ID]stage.Payload
}

// Clone returns a deep copy.
func (inst Instance) Clone() Instance {
	out := inst
	out.Payloads = clonePayloads(inst.Payloads)
	return out
}

// Payload returns the stored payload for id, if any.
func (inst Instance) Payload(id stage.ID) (stage.Payload, bool) {
	p, ok := inst.Payloads[id]
	return p, ok
}

// Equal compares two instances including payload bytes.
func (inst Instance) Equal(other Instance) bool {
	if inst.WorkflowID != other.WorkflowID ||
		inst.DocumentID != other.DocumentID ||
		inst.CurrentStage != other.CurrentStage ||
		inst.Completed != other.Completed ||
		inst.Stale != other.Stale ||
		inst.Finished != other.Finished ||
		len(inst.Payloads) != len(other.Payloads) {
		return false
	}
	for id, p := range inst.Payloads {
		q, ok := other.Payloads[id]
		if !ok || !bytes.Equal(p, q) {
			return false
		}
	}
	return true
}

// Check verifies the structural invariants every controller operation keeps.
// The cursor may sit below completed stages after navigating back, so the
// completed set is bounded by the furthest reached stage, not the cursor.
func (inst Instance) Check() error {
	if !inst.CurrentStage.Valid() {
		return fmt.Errorf("current stage %d outside 1..%d", inst.CurrentStage, stage.Count)
	}
	if inst.Completed.Prefix() != inst.Completed {
		return fmt.Errorf("completed stages %v are not contiguous from stage 1", inst.Completed.Ints())
	}
	if !CanEnter(inst, inst.CurrentStage) {
		return fmt.Errorf("current stage %d is not reachable from completed %v", inst.CurrentStage, inst.Completed.Ints())
	}
	if inst.Finished != inst.Completed.Has(stage.Last) {
		return fmt.Errorf("finished=%v disagrees with completed %v", inst.Finished, inst.Completed.Ints())
	}
	if inst.Stale&inst.Completed != 0 {
		return fmt.Errorf("stages %v are both stale and completed", (inst.Stale & inst.Completed).Ints())
	}
	return nil
}

// StageStatus is the per-stage state shown to users.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRecorded  StageStatus = "recorded"
	StageCompleted StageStatus = "completed"
	StageStale     StageStatus = "stale"
)

// StageState describes one stage of an instance.
type StageState struct {
	Stage     stage.Definition
	Status    StageStatus
	Current   bool
	Enterable bool
}

// StageStates reports the state of every stage in order.
func StageStates(inst Instance) []StageState {
	out := make([]StageState, 0, stage.Count)
	for _, def := range stage.Catalog() {
		status := StagePending
		switch {
		case inst.Completed.Has(def.ID):
			status = StageCompleted
		case inst.Stale.Has(def.ID):
			status = StageStale
		default:
			if _, ok := inst.Payloads[def.ID]; ok {
				status = StageRecorded
			}
		}
		out = append(out, StageState{
			Stage:     def,
			Status:    status,
			Current:   def.ID == inst.CurrentStage,
			Enterable: CanEnter(inst, def.ID),
		})
	}
	return out
}

// Progress summarizes completion.
type Progress struct {
	Completed int
	Total     int
	Percent   float64
}

// ProgressOf computes the share of completed stages.
func ProgressOf(inst Instance) Progress {
	done := inst.Completed.Len()
	return Progress{
		Completed: done,
		Total:     stage.Count,
		Percent:   math.Round(float64(done)/float64(stage.Count)*1000) / 10,
	}
}

func clonePayloads(in map[stage.ID]stage.Payload) map[stage.ID]stage.Payload {
	out := make(map[stage.ID]stage.Payload, len(in))
	for id, p := range in {
		out[id] = append(stage.Payload(nil), p...)
	}
	return out
}
