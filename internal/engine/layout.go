package engine

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/store"
)

// Folder is one cluster folder and the files assigned to it.
type Folder struct {
	ClusterID int64    `json:"cluster_id"`
	Name      string   `json:"name"`
	Files     []string `json:"files"` // Relative to the root
}

// LayoutView is the current organization of the tree.
type LayoutView struct {
	Folders    []Folder `json:"folders"`
	Unassigned []string `json:"unassigned,omitempty"` // Tracked but not yet clustered
	Failed     []string `json:"failed,omitempty"`     // Extraction or embedding failed
}

// Layout reports which files belong to which folder. Named folders come
// first in name order; the noise folder comes last.
func (e *Engine) Layout() (*LayoutView, error) {
	clusters, err := e.store.ListClusters()
	if err != nil {
		return nil, errs.Store("list clusters", err)
	}
	records, err := e.store.ListFiles(nil)
	if err != nil {
		return nil, errs.Store("list files", err)
	}

	byID := make(map[int64]*Folder, len(clusters))
	view := &LayoutView{}
	for _, c := range clusters {
		name := c.FolderName
		if name == "" {
			name = "(unnamed)"
		}
		byID[c.ID] = &Folder{ClusterID: c.ID, Name: name}
	}

	for _, rec := range records {
		rel := e.rel(rec.Path)
		switch {
		case rec.Status == store.StatusError && !rec.Clusterable():
			view.Failed = append(view.Failed, rel)
		case rec.ClusterID == nil:
			view.Unassigned = append(view.Unassigned, rel)
		default:
			if f, ok := byID[*rec.ClusterID]; ok {
				f.Files = append(f.Files, rel)
			} else {
				view.Unassigned = append(view.Unassigned, rel)
			}
		}
	}

	var noise *Folder
	for _, f := range byID {
		if f.ClusterID == store.NoiseClusterID {
			noise = f
			continue
		}
		if len(f.Files) > 0 {
			view.Folders = append(view.Folders, *f)
		}
	}
	sort.Slice(view.Folders, func(i, j int) bool {
		return strings.ToLower(view.Folders[i].Name) < strings.ToLower(view.Folders[j].Name)
	})
	if noise != nil && len(noise.Files) > 0 {
		view.Folders = append(view.Folders, *noise)
	}
	return view, nil
}

func relTo(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
