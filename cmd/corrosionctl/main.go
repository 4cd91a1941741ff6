// Command corrosionctl analyzes local image files one after another against
// the corrosion analysis service and prints the outcomes as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/example/corrosion-check/internal/analysis"
	"github.com/example/corrosion-check/internal/config"
	"github.com/example/corrosion-check/internal/logging"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	maxFileSize = 10 << 20
)

type itemOutput struct {
	Index  int              `json:"index"`
	File   string           `json:"file"`
	Result *analysis.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   analysis.Kind    `json:"kind,omitempty"`
}

type runOutput struct {
	Endpoint  string       `json:"endpoint"`
	Policy    string       `json:"policy"`
	Total     int          `json:"total"`
	Completed bool         `json:"completed"`
	Items     []itemOutput `json:"items"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	defaults := defaultSettings()

	flags := pflag.NewFlagSet("corrosionctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	endpoint := flags.StringP("endpoint", "e", defaults.AnalysisEndpoint, "analysis service URL")
	keepGoing := flags.BoolP("continue", "c", false, "keep analyzing after a failed image")
	timeout := flags.DurationP("timeout", "t", defaults.AnalysisTimeout, "timeout per image")
	logLevel := flags.String("log-level", "warn", "log level written to stderr")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: corrosionctl [flags] file...")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return exitUsage
	}

	logger, err := logging.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "corrosionctl: %v\n", err)
		return exitUsage
	}
	defer logger.Sync() //nolint:errcheck

	client, err := analysis.NewClient(analysis.ClientConfig{Endpoint: *endpoint, Timeout: *timeout}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "corrosionctl: %v\n", err)
		return exitUsage
	}

	files := flags.Args()
	srcs := make([]analysis.Source, 0, len(files))
	for _, path := range files {
		src, err := loadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "corrosionctl: %v\n", err)
			return exitUsage
		}
		srcs = append(srcs, src)
	}

	policy := analysis.FailFast
	if *keepGoing {
		policy = analysis.ContinueOnError
	}

	result, batchErr := client.AnalyzeBatch(ctx, srcs, analysis.BatchOptions{
		Policy: policy,
		OnProgress: func(done, total int) {
			fmt.Fprintf(stderr, "[%d/%d] analyzed\n", done, total)
		},
	})

	out := runOutput{
		Endpoint:  client.Endpoint(),
		Policy:    string(policy),
		Total:     result.Total,
		Completed: result.Completed(),
		Items:     make([]itemOutput, 0, len(result.Outcomes)),
	}
	failed := false
	for _, outcome := range result.Outcomes {
		item := itemOutput{Index: outcome.Index, File: files[outcome.Index], Result: outcome.Result}
		if !outcome.OK() {
			failed = true
			item.Result = nil
			item.Error = errorText(outcome.Err)
			var analysisErr *analysis.Error
			if errors.As(outcome.Err, &analysisErr) {
				item.Kind = analysisErr.Kind
			}
			fmt.Fprintf(stderr, "%s: %s\n", files[outcome.Index], item.Error)
		}
		out.Items = append(out.Items, item)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to write output", zap.Error(err))
		return exitFailed
	}

	if batchErr != nil {
		if !failed {
			fmt.Fprintf(stderr, "corrosionctl: %v\n", batchErr)
		}
		return exitFailed
	}
	if failed {
		return exitFailed
	}
	return exitOK
}

// defaultSettings reads ANALYSIS_ENDPOINT and ANALYSIS_TIMEOUT the same way the
// server does, falling back to built-in defaults if the configuration is invalid.
func defaultSettings() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		return &config.Config{AnalysisEndpoint: config.DefaultAnalysisEndpoint, AnalysisTimeout: 60 * time.Second}
	}
	return cfg
}

func loadFile(path string) (analysis.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s exceeds %d MiB", path, maxFileSize>>20)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	} else {
		contentType = http.DetectContentType(data)
	}

	return analysis.Uploaded{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}, nil
}

func errorText(err error) string {
	if err == nil {
		return "no result returned"
	}
	return err.Error()
}
