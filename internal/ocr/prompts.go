package ocr

import (
	"fmt"
	"strings"
)

type PromptType string

const (
	PromptOCRLayout PromptType = "ocr_layout"
	PromptOCR       PromptType = "ocr"
)

var allowedTags = []string{
	"math", "br", "i", "b", "u", "del", "sup", "sub", "table", "tr", "td", "p",
	"th", "div", "pre", "h1", "h2", "h3", "h4", "h5", "ul", "ol", "li", "input",
	"a", "span", "img", "hr", "tbody", "small", "caption", "strong", "thead", "big", "code",
}

var allowedAttributes = []string{
	"class", "colspan", "rowspan", "display", "checked", "type", "border", "value",
	"style", "href", "alt", "align",
}

var layoutLabels = []string{
	"Caption", "Footnote", "Equation-Block", "List-Group", "Page-Header", "Page-Footer",
	"Image", "Section-Header", "Table", "Text", "Complex-Block", "Code-Block", "Form",
	"Table-Of-Contents", "Figure",
}

func promptEnding() string {
	return fmt.Sprintf(`Only use these tags %s, and these attributes %s.

Guidelines:
* Inline math: Surround math with <math>...</math> tags. Math expressions should be rendered in KaTeX-compatible LaTeX. Use display for block math.
* Tables: Use colspan and rowspan attributes to match table structure.
* Formatting: Maintain consistent formatting with the image, including spacing, indentation, subscripts/superscripts, and special characters.
* Images: Include a description of any images in the alt attribute of an <img> tag. Do not fill out the src property.
* Forms: Mark checkboxes and radio buttons properly.
* Text: join lines together properly into paragraphs using <p>...</p> tags. Use <br> only for line breaks within paragraphs.
* Use the simplest possible HTML structure that accurately represents the content of the block.
* Make sure the text is accurate and easy for a human to read and interpret. Reading order should be correct and natural.`,
		"["+strings.Join(allowedTags, ", ")+"]", "["+strings.Join(allowedAttributes, ", ")+"]")
}

func layoutPrompt() string {
	var labels strings.Builder
	for _, l := range layoutLabels {
		labels.WriteString("- ")
		labels.WriteString(l)
		labels.WriteString("\n")
	}
	return "OCR this image to HTML, arranged as layout blocks. Each layout block should be a div with the data-bbox attribute representing the bounding box of the block in [x0, y0, x1, y1] format. Bboxes are normalized 0-1024. The data-label attribute is the label for the block.\n\n" +
		"Use the following labels:\n" + labels.String() + "\n" + promptEnding()
}

func plainPrompt() string {
	return "OCR this image to HTML.\n\n" + promptEnding()
}

// Prompts maps each supported prompt type to its task template.
type Prompts map[PromptType]string

// DefaultPrompts returns the built-in task templates.
func DefaultPrompts() Prompts {
	return Prompts{
		PromptOCRLayout: layoutPrompt(),
		PromptOCR:       plainPrompt(),
	}
}

// Lookup returns the template for pt.
func (p Prompts) Lookup(pt PromptType) (string, error) {
	text, ok := p[pt]
	if !ok {
		return "", fmt.Errorf("unsupported prompt_type %q", string(pt))
	}
	return text, nil
}

// ValidPromptType reports whether pt names a built-in template.
func ValidPromptType(pt PromptType) bool {
	return pt == PromptOCRLayout || pt == PromptOCR
}
