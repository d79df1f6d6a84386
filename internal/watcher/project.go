// Package watcher implements the File Watcher (FW): the periodic
// directory scanner that keeps SE's file rows in sync with the
// filesystem (spec §4.3).
//
// Grounded on ihavespoons-zrok/internal/chunk/extractor.go's
// ExtractAll directory walk (generalized from a single project root to
// per-watch-dir, multi-project discovery) and
// ihavespoons-zrok/internal/project/config.go's marker-file load
// pattern (generalized from one active project's project.yaml to N
// discovered projectid markers per watch root).
package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pyindex/pyindexd/internal/errs"
)

// markerFile is the filename a project root carries (spec §6).
const markerFile = "projectid"

// projectMarker is the JSON body of a projectid file.
type projectMarker struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// DiscoveredProject is one project found at depth 1 below a watch root.
type DiscoveredProject struct {
	ProjectID   string
	RootPath    string
	Description string
}

// DiscoverProjects scans the immediate children of root for a
// projectid marker (spec §4.3 step 2). Entries without a marker, or
// that aren't directories, are not projects.
func DiscoverProjects(root string) ([]DiscoveredProject, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errs.Wrap(errs.FilesystemError, "reading watch root "+root, err)
	}

	var out []DiscoveredProject
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		childPath := filepath.Join(root, entry.Name())
		marker, err := readMarker(childPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errs.Wrap(errs.FilesystemError, "reading project marker in "+childPath, err)
		}
		out = append(out, DiscoveredProject{ProjectID: marker.ID, RootPath: childPath, Description: marker.Description})
	}
	return out, nil
}

// readMarker loads <dir>/projectid, accepting both the JSON form
// {"id": "...", "description": "..."} and the legacy bare-UUID form
// (read-only per spec §6: "Legacy plain-UUID form is accepted
// read-only; writes use JSON").
func readMarker(dir string) (*projectMarker, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var m projectMarker
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("watcher: malformed projectid marker in %s: %w", dir, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("watcher: projectid marker in %s has no id", dir)
		}
		return &m, nil
	}

	if _, err := uuid.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("watcher: projectid marker in %s is neither JSON nor a bare UUID: %w", dir, err)
	}
	return &projectMarker{ID: trimmed}, nil
}
