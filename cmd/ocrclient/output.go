package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/example/chandra-ocr/worker-go/internal/blob"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func pageBase(page int) string { return fmt.Sprintf("page-%03d", page) }

// checkOutputs refuses to clobber files from an earlier run unless overwrite
// is set. It runs before any page is submitted.
func checkOutputs(out blob.LocalFS, pages int, withHTML, overwrite bool) error {
	if overwrite {
		return nil
	}
	for page := 1; page <= pages; page++ {
		names := []string{pageBase(page) + ".md"}
		if withHTML {
			names = append(names, pageBase(page)+".html")
		}
		for _, name := range names {
			if out.Exists(name) {
				return fmt.Errorf("%s already exists; pass --overwrite to replace it", out.Path(name))
			}
		}
	}
	return nil
}

// savePage writes page-NNN.md, and page-NNN.html when withHTML is set,
// returning the relative paths written.
func savePage(out blob.LocalFS, page int, md string, withHTML bool) ([]string, error) {
	base := pageBase(page)
	mdPath, err := out.Put(base+".md", strings.NewReader(md+"\n"))
	if err != nil {
		return nil, fmt.Errorf("write %s.md: %w", base, err)
	}
	saved := []string{mdPath}
	if !withHTML {
		return saved, nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render %s.html: %w", base, err)
	}
	htmlPath, err := out.Put(base+".html", &buf)
	if err != nil {
		return nil, fmt.Errorf("write %s.html: %w", base, err)
	}
	return append(saved, htmlPath), nil
}
