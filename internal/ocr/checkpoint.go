package ocr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrCheckpointNotCached = errors.New("checkpoint not found in local cache")

// Checkpoint is a resolved snapshot of model weights and configuration.
type Checkpoint struct {
	ID            string
	Dir           string
	Revision      string
	ModelType     string
	Architectures []string
}

// Cached reports whether the checkpoint was found on local disk.
func (c Checkpoint) Cached() bool { return c.Dir != "" }

// ResolveCheckpoint locates id in a Hugging Face style cache rooted at
// cacheRoot. id may also be a path to a local snapshot directory.
func ResolveCheckpoint(cacheRoot, id string) (Checkpoint, error) {
	if strings.TrimSpace(id) == "" {
		return Checkpoint{}, errors.New("checkpoint id is required")
	}
	if fi, err := os.Stat(id); err == nil && fi.IsDir() {
		return loadSnapshot(Checkpoint{ID: id, Dir: id})
	}

	repo := "models--" + strings.ReplaceAll(id, "/", "--")
	candidates := []string{
		filepath.Join(cacheRoot, repo),
		filepath.Join(cacheRoot, "hub", repo),
	}
	for _, repoDir := range candidates {
		fi, err := os.Stat(repoDir)
		if err != nil || !fi.IsDir() {
			continue
		}
		rev, dir, err := resolveSnapshot(repoDir)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, err)
		}
		return loadSnapshot(Checkpoint{ID: id, Dir: dir, Revision: rev})
	}
	return Checkpoint{}, fmt.Errorf("%w: %s (searched %s)", ErrCheckpointNotCached, id, strings.Join(candidates, ", "))
}

func resolveSnapshot(repoDir string) (string, string, error) {
	snapshots := filepath.Join(repoDir, "snapshots")
	if ref, err := os.ReadFile(filepath.Join(repoDir, "refs", "main")); err == nil {
		rev := strings.TrimSpace(string(ref))
		dir := filepath.Join(snapshots, rev)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return rev, dir, nil
		}
	}
	entries, err := os.ReadDir(snapshots)
	if err != nil {
		return "", "", fmt.Errorf("read snapshots: %w", err)
	}
	var revs []string
	for _, e := range entries {
		if e.IsDir() {
			revs = append(revs, e.Name())
		}
	}
	if len(revs) == 0 {
		return "", "", errors.New("no snapshots in cache")
	}
	sort.Strings(revs)
	rev := revs[len(revs)-1]
	return rev, filepath.Join(snapshots, rev), nil
}

func loadSnapshot(cp Checkpoint) (Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(cp.Dir, "config.json"))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: read config.json: %w", cp.ID, err)
	}
	var cfg struct {
		ModelType     string   `json:"model_type"`
		Architectures []string `json:"architectures"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: parse config.json: %w", cp.ID, err)
	}
	if cfg.ModelType == "" && len(cfg.Architectures) == 0 {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: config.json declares no model_type or architectures", cp.ID)
	}
	cp.ModelType = cfg.ModelType
	cp.Architectures = cfg.Architectures
	return cp, nil
}

const (
	defaultMinPixels = 56 * 56
	defaultMaxPixels = 3072 * 2048
)

// Processor turns an image and prompt type into model input.
type Processor struct {
	Prompts   Prompts
	MinPixels int
	MaxPixels int
}

// LoadProcessor reads the pixel budget from preprocessor_config.json when
// the checkpoint ships one.
func LoadProcessor(cp Checkpoint) (Processor, error) {
	proc := Processor{
		Prompts:   DefaultPrompts(),
		MinPixels: defaultMinPixels,
		MaxPixels: defaultMaxPixels,
	}
	if !cp.Cached() {
		return proc, nil
	}
	data, err := os.ReadFile(filepath.Join(cp.Dir, "preprocessor_config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return proc, nil
	}
	if err != nil {
		return Processor{}, fmt.Errorf("read preprocessor_config.json: %w", err)
	}
	var pc struct {
		MinPixels int `json:"min_pixels"`
		MaxPixels int `json:"max_pixels"`
		Size      struct {
			ShortestEdge int `json:"shortest_edge"`
			LongestEdge  int `json:"longest_edge"`
		} `json:"size"`
	}
	if err := json.Unmarshal(data, &pc); err != nil {
		return Processor{}, fmt.Errorf("parse preprocessor_config.json: %w", err)
	}
	switch {
	case pc.MinPixels > 0:
		proc.MinPixels = pc.MinPixels
	case pc.Size.ShortestEdge > 0:
		proc.MinPixels = pc.Size.ShortestEdge
	}
	switch {
	case pc.MaxPixels > 0:
		proc.MaxPixels = pc.MaxPixels
	case pc.Size.LongestEdge > 0:
		proc.MaxPixels = pc.Size.LongestEdge
	}
	if proc.MinPixels > proc.MaxPixels {
		return Processor{}, fmt.Errorf("preprocessor_config.json: min_pixels %d exceeds max_pixels %d", proc.MinPixels, proc.MaxPixels)
	}
	return proc, nil
}
