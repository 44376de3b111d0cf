package datadir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"aideps/internal/fileutil"
	"aideps/internal/services"
	"aideps/internal/stage"
)

const (
	metadataFile      = "metadata.json"
	stageMetadataFile = "stage_metadata.json"
)

// Instance statuses recorded in metadata.json.
const (
	StatusInitialized = "initialized"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
)

// Layout resolves instance and stage folders beneath Root.
type Layout struct {
	Root string
	now  func() time.Time
}

// New returns a layout rooted at root.
func New(root string) *Layout {
	return &Layout{Root: root, now: time.Now}
}

// InstanceMetadata is the content of an instance's metadata.json.
type InstanceMetadata struct {
	InstanceID   string            `json:"instance_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty"`
	StageFolders map[string]string `json:"stage_folders"`
	Status       string            `json:"status"`
}

// FileInfo describes one file inside a stage folder.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// StageReport summarizes the files of one stage folder.
type StageReport struct {
	Stage     stage.ID   `json:"stage_number"`
	Name      string     `json:"stage_name"`
	Files     []FileInfo `json:"files"`
	TotalSize int64      `json:"total_size"`
}

// Summary describes an instance folder.
type Summary struct {
	InstanceID string        `json:"instance_id"`
	Path       string        `json:"path"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     string        `json:"status"`
	Stages     []StageReport `json:"stages"`
}

// InstancePath returns the folder of an instance.
func (l *Layout) InstancePath(id string) string {
	return filepath.Join(l.Root, id)
}

// StagePath returns the folder of one stage within an instance.
func (l *Layout) StagePath(id string, s stage.ID) string {
	return filepath.Join(l.InstancePath(id), s.Folder())
}

// CreateInstance creates the instance folder, every stage folder, and the
// instance metadata. It returns the stage folders keyed by stage.
func (l *Layout) CreateInstance(id string) (map[stage.ID]string, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	paths := make(map[stage.ID]string, stage.Count)
	folders := make(map[string]string, stage.Count)
	for _, def := range stage.Catalog() {
		dir := l.StagePath(id, def.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create stage folder %s: %w", def.Folder, err)
		}
		paths[def.ID] = dir
		folders[fmt.Sprint(int(def.ID))] = dir
	}
	meta := InstanceMetadata{
		InstanceID:   id,
		CreatedAt:    l.now().UTC(),
		StageFolders: folders,
		Status:       StatusInitialized,
	}
	if err := fileutil.WriteJSON(filepath.Join(l.InstancePath(id), metadataFile), meta); err != nil {
		return nil, fmt.Errorf("write instance metadata: %w", err)
	}
	return paths, nil
}

// Metadata reads an instance's metadata.json.
func (l *Layout) Metadata(id string) (InstanceMetadata, error) {
	var meta InstanceMetadata
	data, err := os.ReadFile(filepath.Join(l.InstancePath(id), metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, services.Wrap(services.ErrNotFound, "", "read instance metadata", fmt.Sprintf("instance %s not found", id), nil)
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode instance metadata: %w", err)
	}
	return meta, nil
}

// SetStatus updates the status recorded in metadata.json.
func (l *Layout) SetStatus(id, status string) error {
	meta, err := l.Metadata(id)
	if err != nil {
		return err
	}
	meta.Status = status
	meta.UpdatedAt = l.now().UTC()
	return fileutil.WriteJSON(filepath.Join(l.InstancePath(id), metadataFile), meta)
}

// SaveStageData writes data as filename inside the stage folder.
func (l *Layout) SaveStageData(id string, s stage.ID, filename string, data []byte) (string, error) {
	target, err := l.stageFile(id, s, filename)
	if err != nil {
		return "", err
	}
	if err := fileutil.WriteAtomic(target, data, 0o644); err != nil {
		return "", fmt.Errorf("save stage data: %w", err)
	}
	return target, nil
}

// CopyIntoStage copies an existing file into the stage folder and returns
// the destination path and byte count.
func (l *Layout) CopyIntoStage(id string, s stage.ID, filename, source string) (string, int64, error) {
	target, err := l.stageFile(id, s, filename)
	if err != nil {
		return "", 0, err
	}
	n, err := fileutil.CopyVerified(source, target)
	if err != nil {
		return "", 0, fmt.Errorf("copy %s into %s: %w", filepath.Base(source), s.Folder(), err)
	}
	return target, n, nil
}

// SaveStageMetadata writes stage_metadata.json for a stage. The stage number,
// name, and update time are always set.
func (l *Layout) SaveStageMetadata(id string, s stage.ID, metadata map[string]any) (string, error) {
	target, err := l.stageFile(id, s, stageMetadataFile)
	if err != nil {
		return "", err
	}
	out := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		out[k] = v
	}
	out["updated_at"] = l.now().UTC().Format(time.RFC3339Nano)
	out["stage_number"] = int(s)
	out["stage_name"] = s.Name()
	if err := fileutil.WriteJSON(target, out); err != nil {
		return "", fmt.Errorf("save stage metadata: %w", err)
	}
	return target, nil
}

// StageMetadata reads stage_metadata.json; a missing file yields an empty map.
func (l *Layout) StageMetadata(id string, s stage.ID) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(l.StagePath(id, s), stageMetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode stage metadata: %w", err)
	}
	return out, nil
}

// StageReport lists the files of a stage folder.
func (l *Layout) StageReport(id string, s stage.ID) (StageReport, error) {
	report := StageReport{Stage: s, Name: s.Name(), Files: []FileInfo{}}
	entries, err := os.ReadDir(l.StagePath(id, s))
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, err
		}
		report.Files = append(report.Files, FileInfo{Name: entry.Name(), Size: info.Size(), Modified: info.ModTime().UTC()})
		report.TotalSize += info.Size()
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Name < report.Files[j].Name })
	return report, nil
}

// InstanceSummary reports every stage folder of an instance.
func (l *Layout) InstanceSummary(id string) (Summary, error) {
	meta, err := l.Metadata(id)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		InstanceID: id,
		Path:       l.InstancePath(id),
		CreatedAt:  meta.CreatedAt,
		Status:     meta.Status,
	}
	for _, s := range stage.All() {
		report, err := l.StageReport(id, s)
		if err != nil {
			return summary, err
		}
		summary.Stages = append(summary.Stages, report)
	}
	return summary, nil
}

// RemoveInstance deletes an instance folder.
func (l *Layout) RemoveInstance(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return os.RemoveAll(l.InstancePath(id))
}

func (l *Layout) stageFile(id string, s stage.ID, filename string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if !s.Valid() {
		return "", services.Wrap(services.ErrValidation, s.String(), "resolve stage folder", "unknown stage", nil)
	}
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name != filename {
		return "", services.Wrap(services.ErrValidation, s.String(), "resolve stage file", fmt.Sprintf("invalid file name %q", filename), nil)
	}
	dir := l.StagePath(id, s)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return services.Wrap(services.ErrValidation, "", "resolve instance folder", fmt.Sprintf("invalid instance id %q", id), nil)
	}
	return nil
}
