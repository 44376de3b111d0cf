package stage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies one of the seven stages.
type ID int

const (
	Upload ID = iota + 1
	Cleansing
	Analysis
	Statistics
	ReportProposal
	Confirmation
	Generation
)

const (
	First = Upload
	Last  = Generation
	Count = int(Last)
)

// Payload is the opaque, stage-defined document captured for a stage.
type Payload = json.RawMessage

// Definition describes a stage.
type Definition struct {
	ID     ID
	Key    string
	Name   string
	Folder string
}

var catalog = [Count]Definition{
	{ID: Upload, Key: "upload", Name: "Raw Data Upload", Folder: "01_upload"},
	{ID: Cleansing, Key: "cleansing", Name: "Data Cleansing", Folder: "02_cleansing"},
	{ID: Analysis, Key: "analysis", Name: "Analysis & Discovery", Folder: "03_analysis"},
	{ID: Statistics, Key: "statistics", Name: "Statistics & Weights", Folder: "04_statistics"},
	{ID: ReportProposal, Key: "report_proposal", Name: "Propose Reports", Folder: "05_reports_proposed"},
	{ID: Confirmation, Key: "confirmation", Name: "User Confirmation", Folder: "06_confirmation"},
	{ID: Generation, Key: "generation", Name: "Final Report Generation", Folder: "07_final_reports"},
}

// Catalog returns the ordered stage definitions.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog[:])
	return out
}

// Valid reports whether id is one of the seven stages.
func (id ID) Valid() bool {
	return id >= First && id <= Last
}

// Definition returns the catalog entry; the zero value for invalid ids.
func (id ID) Definition() Definition {
	if !id.Valid() {
		return Definition{}
	}
	return catalog[id-1]
}

func (id ID) Key() string    { return id.Definition().Key }
func (id ID) Name() string   { return id.Definition().Name }
func (id ID) Folder() string { return id.Definition().Folder }

func (id ID) String() string {
	if !id.Valid() {
		return "stage(" + strconv.Itoa(int(id)) + ")"
	}
	return id.Key()
}

// Parse accepts a stage number ("3") or key ("analysis").
func Parse(value string) (ID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return 0, fmt.Errorf("stage: empty value")
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		id := ID(n)
		if !id.Valid() {
			return 0, fmt.Errorf("stage: %d out of range 1..%d", n, Count)
		}
		return id, nil
	}
	for _, def := range catalog {
		if def.Key == trimmed {
			return def.ID, nil
		}
	}
	return 0, fmt.Errorf("stage: unknown stage %q", value)
}

// All returns every stage id in order.
func All() []ID {
	ids := make([]ID, 0, Count)
	for id := First; id <= Last; id++ {
		ids = append(ids, id)
	}
	return ids
}
