package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultDPI is the resolution PDF pages are rendered at.
const DefaultDPI = 300

// Rasterizer renders every page of a PDF to PNG, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string) ([][]byte, error)
}

// Pdftoppm renders pages with poppler's pdftoppm.
type Pdftoppm struct {
	DPI    int
	Binary string
}

func (p Pdftoppm) Rasterize(ctx context.Context, pdfPath string) ([][]byte, error) {
	dpi := p.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	bin := p.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	workDir, err := os.MkdirTemp("", "ocrclient-pages-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir) //nolint:errcheck // best-effort cleanup

	prefix := filepath.Join(workDir, "page")
	cmd := exec.CommandContext(ctx, bin, "-png", "-r", strconv.Itoa(dpi), pdfPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.New("no rendered pages found")
	}
	sort.Slice(matches, func(i, j int) bool {
		return pageIndexFromName(matches[i]) < pageIndexFromName(matches[j])
	})
	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		pages = append(pages, data)
	}
	return pages, nil
}

// pageIndexFromName returns the zero-based page of a "page-N.png" file.
func pageIndexFromName(path string) int {
	base := filepath.Base(path)
	idx := strings.LastIndex(base, "-")
	if idx >= 0 {
		number := strings.TrimSuffix(base[idx+1:], filepath.Ext(base))
		if v, err := strconv.Atoi(number); err == nil {
			return v - 1
		}
	}
	return 0
}

// LoadPayloads returns the base64 images to submit for path: one per page
// for a PDF, otherwise the file itself.
func LoadPayloads(ctx context.Context, path string, r Rasterizer) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		if r == nil {
			r = Pdftoppm{}
		}
		pages, err := r.Rasterize(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", path, err)
		}
		if len(pages) == 0 {
			return nil, fmt.Errorf("render %s: no pages", path)
		}
		out := make([]string, len(pages))
		for i, p := range pages {
			out[i] = base64.StdEncoding.EncodeToString(p)
		}
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []string{base64.StdEncoding.EncodeToString(data)}, nil
}
