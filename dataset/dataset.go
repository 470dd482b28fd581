// Package dataset loads the dataset registry and answers schema and
// sample-row questions about the CSV files it describes.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ColumnSchema describes one column of a dataset file.
type ColumnSchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Nullable    bool     `json:"nullable,omitempty"`
	Values      []string `json:"values,omitempty"`
}

// File is one CSV file within a dataset. Path is relative to the
// datasets directory.
type File struct {
	Name   string                  `json:"name"`
	Path   string                  `json:"path"`
	Schema map[string]ColumnSchema `json:"schema,omitempty"`
}

// Dataset is one registry entry.
type Dataset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prompts     []string `json:"prompts,omitempty"`
	VersionHash string   `json:"version_hash,omitempty"`
	Files       []File   `json:"files"`
}

// Registry is the parsed registry.json. It is loaded once at startup and
// treated as immutable afterwards, so concurrent reads need no locking.
type Registry struct {
	Dir      string    `json:"-"`
	Datasets []Dataset `json:"datasets"`
}

// LoadRegistry reads registry.json from dir.
func LoadRegistry(dir string) (*Registry, error) {
	path := filepath.Join(dir, "registry.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset registry %s: %w", path, err)
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse dataset registry %s: %w", path, err)
	}
	reg.Dir = dir
	return &reg, nil
}

// ByID returns the dataset with the given id.
func (r *Registry) ByID(id string) (Dataset, error) {
	for _, ds := range r.Datasets {
		if ds.ID == id {
			return ds, nil
		}
	}
	return Dataset{}, fmt.Errorf("unknown dataset_id: %s", id)
}

// FilePath resolves a dataset file path against the registry directory.
func (r *Registry) FilePath(f File) string {
	return filepath.Join(r.Dir, f.Path)
}

// TableName derives the SQL table name the runner registers for a file:
// the base filename with its extension stripped.
func TableName(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SampleRows reads up to max data rows from a CSV file, keyed by header.
// A missing file yields an empty sample rather than an error so schema
// responses stay usable when data files are absent.
func SampleRows(csvPath string, max int) ([]map[string]string, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]string{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", csvPath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", csvPath, err)
	}

	rows := make([]map[string]string, 0, max)
	for len(rows) < max {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", csvPath, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
