//go:build tesseract

package ocr

import (
	"context"
	"fmt"
	"html"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

func init() {
	RegisterBackend("tesseract", newTesseractModel)
}

// tesseractModel runs Tesseract locally. It produces the same HTML shape as
// the layout model so ParseMarkdown applies unchanged. Build with
// -tags tesseract; requires libtesseract.
type tesseractModel struct {
	proc      Processor
	languages []string
}

func newTesseractModel(_ context.Context, _ Options, _ Checkpoint, proc Processor) (Model, error) {
	if v := gosseract.Version(); v == "" {
		return nil, fmt.Errorf("tesseract library unavailable")
	}
	return &tesseractModel{proc: proc, languages: []string{"eng"}}, nil
}

func (m *tesseractModel) Generate(ctx context.Context, batch []BatchItem) ([]Generation, error) {
	out := make([]Generation, 0, len(batch))
	for i, item := range batch {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		g, err := m.recognize(item)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *tesseractModel) recognize(item BatchItem) (Generation, error) {
	if !ValidPromptType(item.PromptType) {
		return Generation{}, fmt.Errorf("unsupported prompt_type %q", string(item.PromptType))
	}
	data, err := m.encode(item.Image)
	if err != nil {
		return Generation{}, err
	}
	c := gosseract.NewClient()
	defer c.Close()
	if err := c.SetLanguage(m.languages...); err != nil {
		return Generation{}, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return Generation{}, fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return Generation{}, fmt.Errorf("recognize text: %w", err)
	}
	return Generation{Raw: textToHTML(text, item.PromptType)}, nil
}

// encode scales img into the pixel budget and returns it as PNG.
func (m *tesseractModel) encode(img image.Image) ([]byte, error) {
	data, err := EncodePNG(m.proc.ScaleToFit(img))
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return data, nil
}

func textToHTML(text string, pt PromptType) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		p := "<p>" + strings.ReplaceAll(html.EscapeString(para), "\n", " ") + "</p>"
		if pt == PromptOCRLayout {
			p = `<div data-label="Text">` + p + "</div>"
		}
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}
