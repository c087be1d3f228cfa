package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/example/chandra-ocr/worker-go/internal/logging"
	"github.com/example/chandra-ocr/worker-go/internal/model"
	"github.com/example/chandra-ocr/worker-go/internal/ocr"
)

type fakeModel struct {
	calls atomic.Int32
	raw   string
	err   error
	seen  atomic.Value
}

func (f *fakeModel) Generate(_ context.Context, batch []ocr.BatchItem) ([]ocr.Generation, error) {
	f.calls.Add(1)
	f.seen.Store(batch[0])
	if f.err != nil {
		return nil, f.err
	}
	return []ocr.Generation{{Raw: f.raw}}, nil
}

func whitePNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newHandler(m ocr.Model, opts ...Option) *Handler {
	return New(m, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestHandle_Success(t *testing.T) {
	t.Parallel()
	m := &fakeModel{raw: `<div data-label="Text"><p>Hello</p></div>`}
	h := newHandler(m)

	res := h.Handle(context.Background(), model.Input{ImageBase64: whitePNG(t)})
	if !res.OK() {
		t.Fatalf("Handle() error: %s", res.Error)
	}
	if res.Output.Markdown != "Hello" || res.Output.Raw != m.raw {
		t.Errorf("unexpected output: %+v", res.Output)
	}
	item := m.seen.Load().(ocr.BatchItem)
	if item.PromptType != ocr.PromptOCRLayout {
		t.Errorf("prompt type = %q, want default ocr_layout", item.PromptType)
	}
	if b := item.Image.Bounds(); b.Dx() != 1 || b.Dy() != 1 {
		t.Errorf("image bounds = %v", b)
	}
}

func TestHandle_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHandler(&fakeModel{raw: "<p>same</p>"})
	in := model.Input{ImageBase64: whitePNG(t), PromptType: "ocr"}
	first, _ := json.Marshal(h.Handle(context.Background(), in))
	second, _ := json.Marshal(h.Handle(context.Background(), in))
	if !bytes.Equal(first, second) {
		t.Errorf("results differ: %s vs %s", first, second)
	}
}

func TestHandle_RejectsWithoutInvokingModel(t *testing.T) {
	t.Parallel()
	pngData := whitePNG(t)
	tests := []struct {
		name    string
		in      model.Input
		opts    []Option
		wantErr string
	}{
		{"missing image", model.Input{}, nil, "Missing 'image_base64' in input"},
		{"whitespace image", model.Input{ImageBase64: " \n\t "}, nil, "image_base64 is not valid base64"},
		{"empty data url", model.Input{ImageBase64: "data:image/png;base64,"}, nil, "image_base64 is not valid base64"},
		{"bad base64", model.Input{ImageBase64: "!!!not base64!!!"}, nil, "not valid base64"},
		{"not an image", model.Input{ImageBase64: base64.StdEncoding.EncodeToString([]byte("hello"))}, nil, "cannot identify image file"},
		{"unknown prompt type", model.Input{ImageBase64: pngData, PromptType: "bogus"}, nil, `unsupported prompt_type "bogus"`},
		{"too large", model.Input{ImageBase64: pngData}, []Option{WithMaxImageBytes(10)}, "limit is 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &fakeModel{raw: "<p>x</p>"}
			res := newHandler(m, tt.opts...).Handle(context.Background(), tt.in)
			if res.OK() {
				t.Fatal("Handle() should fail")
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("error = %q, want substring %q", res.Error, tt.wantErr)
			}
			if m.calls.Load() != 0 {
				t.Errorf("model invoked %d times, want 0", m.calls.Load())
			}
		})
	}
}

func TestHandle_MissingImageExactMessage(t *testing.T) {
	t.Parallel()
	b, _ := json.Marshal(newHandler(&fakeModel{}).Handle(context.Background(), model.Input{}))
	if got, want := string(b), `{"error":"Missing 'image_base64' in input"}`; got != want {
		t.Errorf("result = %s, want %s", got, want)
	}
}

func TestHandle_DataURLAndUnpadded(t *testing.T) {
	t.Parallel()
	b64 := whitePNG(t)
	for _, in := range []string{
		"data:image/png;base64," + b64,
		strings.TrimRight(b64, "="),
	} {
		m := &fakeModel{raw: "<p>ok</p>"}
		if res := newHandler(m).Handle(context.Background(), model.Input{ImageBase64: in}); !res.OK() {
			t.Errorf("Handle(%.30q...) error: %s", in, res.Error)
		}
	}
}

func TestHandle_ModelErrorAndPanic(t *testing.T) {
	t.Parallel()
	res := newHandler(&fakeModel{err: errors.New("CUDA out of memory")}).Handle(context.Background(), model.Input{ImageBase64: whitePNG(t)})
	if res.OK() || res.Error != "CUDA out of memory" {
		t.Errorf("unexpected result: %+v", res)
	}

	panicky := ocr.ModelFunc(func(context.Context, []ocr.BatchItem) ([]ocr.Generation, error) {
		panic("boom")
	})
	res = newHandler(panicky).Handle(context.Background(), model.Input{ImageBase64: whitePNG(t)})
	if res.OK() || res.Error != "boom" {
		t.Errorf("unexpected result after panic: %+v", res)
	}

	empty := ocr.ModelFunc(func(context.Context, []ocr.BatchItem) ([]ocr.Generation, error) {
		return nil, nil
	})
	if res := newHandler(empty).Handle(context.Background(), model.Input{ImageBase64: whitePNG(t)}); res.OK() {
		t.Error("zero generations should be an error")
	}
}

func TestHandleRaw(t *testing.T) {
	t.Parallel()
	h := newHandler(&fakeModel{raw: "<p>x</p>"})
	if res := h.HandleRaw(context.Background(), json.RawMessage(`{"image_base64": 5}`)); res.OK() || !strings.HasPrefix(res.Error, "invalid input") {
		t.Errorf("unexpected result: %+v", res)
	}
	if res := h.HandleRaw(context.Background(), nil); res.Error != missingImageMsg {
		t.Errorf("unexpected result: %+v", res)
	}
	raw, _ := json.Marshal(model.Input{ImageBase64: whitePNG(t)})
	if res := h.HandleRaw(context.Background(), raw); !res.OK() {
		t.Errorf("HandleRaw() error: %s", res.Error)
	}
}

func TestToRGB_CompositesOverWhite(t *testing.T) {
	t.Parallel()
	src := image.NewNRGBA(image.Rect(5, 5, 7, 7))
	src.Set(5, 5, color.NRGBA{R: 0, G: 0, B: 0, A: 0})
	src.Set(6, 6, color.NRGBA{R: 0, G: 0, B: 0, A: 255})

	dst := toRGB(src)
	if dst.Bounds() != image.Rect(0, 0, 2, 2) {
		t.Fatalf("bounds = %v", dst.Bounds())
	}
	if got := dst.RGBAAt(0, 0); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("transparent pixel = %v, want white", got)
	}
	if got := dst.RGBAAt(1, 1); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("opaque pixel = %v, want black", got)
	}
}
