// ocrclient submits an image or PDF to the OCR endpoint, one job per page,
// and prints the markdown it gets back.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/chandra-ocr/worker-go/internal/blob"
	"github.com/example/chandra-ocr/worker-go/internal/client"
	"github.com/example/chandra-ocr/worker-go/internal/config"
	"github.com/example/chandra-ocr/worker-go/internal/model"
	"github.com/example/chandra-ocr/worker-go/internal/style"
)

const usage = "Usage: ocrclient <image_or_pdf_path>"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command has reported the
// problem itself.
var errExit = errors.New("exit")

func run(args []string, stdout, stderr io.Writer) int {
	loadDotEnv()
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "ocrclient: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

type options struct {
	promptType string
	interval   time.Duration
	timeout    time.Duration
	dpi        int
	outDir     string
	html       bool
	overwrite  bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:           "ocrclient <image_or_pdf_path>",
		Short:         "Submit an image or PDF for OCR and print the markdown",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			colorMode, _ := cmd.Flags().GetString("color")
			switch colorMode {
			case "always", "auto", "never":
				style.SetColorMode(colorMode, stdout)
				return nil
			default:
				return fmt.Errorf("invalid --color value %q: must be always, auto, or never", colorMode)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				fmt.Fprintln(stdout, usage) //nolint:errcheck // best-effort stdout
				return errExit
			}
			cfg := config.LoadClient()
			if !cfg.Complete() {
				fmt.Fprintln(stdout, "Set RUNPOD_API_KEY and RUNPOD_ENDPOINT_ID env vars") //nolint:errcheck // best-effort stdout
				return errExit
			}
			return runOCR(cmd.Context(), cfg, args[0], opts, stdout)
		},
	}
	root.Flags().StringVar(&opts.promptType, "prompt-type", model.DefaultPromptType, "Prompt mode: ocr_layout or ocr")
	root.Flags().DurationVar(&opts.interval, "interval", client.DefaultInterval, "Delay between status polls")
	root.Flags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "How long to wait for each page")
	root.Flags().IntVar(&opts.dpi, "dpi", client.DefaultDPI, "Resolution PDF pages are rendered at")
	root.Flags().StringVar(&opts.outDir, "out-dir", "", "Also write page-NNN.md files into this directory")
	root.Flags().BoolVar(&opts.html, "html", false, "With --out-dir, also write page-NNN.html")
	root.Flags().BoolVar(&opts.overwrite, "overwrite", false, "Replace page files already in --out-dir")
	root.PersistentFlags().String("color", "auto", "Color output: always, auto, never")
	return root
}

func runOCR(ctx context.Context, cfg config.Client, path string, opts options, stdout io.Writer) error {
	isPDF := strings.EqualFold(filepath.Ext(path), ".pdf")
	if isPDF {
		fmt.Fprintf(stdout, "Converting PDF to images: %s\n", path) //nolint:errcheck // best-effort stdout
	}
	pages, err := client.LoadPayloads(ctx, path, client.Pdftoppm{DPI: opts.dpi})
	if err != nil {
		return err
	}
	if isPDF {
		fmt.Fprintf(stdout, "Found %d pages\n", len(pages)) //nolint:errcheck // best-effort stdout
	}

	c := client.New(cfg)
	poller := &client.Poller{
		Client:   c,
		Interval: opts.interval,
		Timeout:  opts.timeout,
		OnStatus: func(st client.StatusResponse) {
			fmt.Fprintln(stdout, style.Dim.Render(fmt.Sprintf("  Status: %s... waiting %s", st.Status, opts.interval))) //nolint:errcheck // best-effort stdout
		},
	}
	var out *blob.LocalFS
	if opts.outDir != "" {
		out = &blob.LocalFS{Root: opts.outDir}
		if err := checkOutputs(*out, len(pages), opts.html, opts.overwrite); err != nil {
			return err
		}
	}

	for i, page := range pages {
		fmt.Fprintf(stdout, "\n%s\n", style.Info.Render(fmt.Sprintf("--- Page %d ---", i+1))) //nolint:errcheck // best-effort stdout
		fmt.Fprintln(stdout, "Sending request...")                                            //nolint:errcheck // best-effort stdout

		id, err := c.Submit(ctx, page, opts.promptType)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Task ID: %s\n", style.Info.Render(id)) //nolint:errcheck // best-effort stdout

		res, err := poller.Wait(ctx, id)
		var jobErr *client.JobError
		switch {
		case errors.As(err, &jobErr):
			fmt.Fprintln(stdout, style.Error.Render("Job failed: "+jobErr.Summary())) //nolint:errcheck // best-effort stdout
			return errExit
		case errors.Is(err, client.ErrTimeout):
			fmt.Fprintln(stdout, style.Error.Render("Timeout waiting for result")) //nolint:errcheck // best-effort stdout
			return errExit
		case err != nil:
			return err
		}

		if !res.OK() {
			fmt.Fprintln(stdout, style.Error.Render("Error: "+res.Error)) //nolint:errcheck // best-effort stdout
			continue
		}
		fmt.Fprintf(stdout, "\n%s\n%s\n", style.Success.Render("Markdown output:"), res.Output.Markdown) //nolint:errcheck // best-effort stdout
		if out != nil {
			saved, err := savePage(*out, i+1, res.Output.Markdown, opts.html)
			if err != nil {
				return err
			}
			for _, p := range saved {
				fmt.Fprintln(stdout, style.Dim.Render("Saved "+out.Path(p))) //nolint:errcheck // best-effort stdout
			}
		}
	}
	return nil
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
