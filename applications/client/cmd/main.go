package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	"github.com/donmikel/chunkrelay/applications/client/config"
	"github.com/donmikel/chunkrelay/applications/client/transfer"
)

// exitCode is a process termination code.
type exitCode int

const (
	// exitSuccess means the recording reached the receiver.
	exitSuccess exitCode = 0
	// exitFailure means the recording was kept locally, lost, or never read.
	exitFailure exitCode = 1
)

var (
	// version is the agent version from git tag.
	version = ""
)

func main() {
	os.Exit(int(gracefulMain()))
}

// nolint
func gracefulMain() exitCode {
	var logger log.Logger
	{
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "path to the config file")
	filePath := fs.String("file", "", "recording to upload")
	name := fs.String("name", "", "filename announced to the receiver (defaults to the file's base name)")
	v := fs.Bool("v", false, "Show version")

	err := fs.Parse(os.Args[1:])
	if err == flag.ErrHelp {
		return exitSuccess
	}
	if err != nil {
		logger.Log("msg", "parsing cli flags failed", "err", err)
		return exitFailure
	}

	if *v {
		if version == "" {
			level.Error(logger).Log("msg", "version not set")
		} else {
			level.Info(logger).Log("msg", "version", "version", version)
		}

		return exitSuccess
	}

	cfg, err := config.Parse(*configPath)
	if err != nil {
		logger.Log("msg", "cannot parse agent config", "err", err)
		return exitFailure
	}

	if err = cfg.Validate(); err != nil {
		logger.Log("msg", "config validation failed", "err", err)
		return exitFailure
	}

	if *filePath == "" {
		logger.Log("msg", "no recording given, use -file")
		return exitFailure
	}

	defer monitorPanic(logger)

	osFs := afero.NewOsFs()

	data, filename, err := readRecording(osFs, *filePath, *name)
	if err != nil {
		level.Error(logger).Log("msg", "can't read recording", "path", *filePath, "err", err)
		return exitFailure
	}

	counters := &transfer.Counters{}
	client := transfer.NewClient(cfg.Upload.Endpoint, &http.Client{Timeout: cfg.Upload.RequestTimeout}, counters)

	var sink transfer.MetadataSink
	if cfg.Metadata.LedgerPath != "" {
		sink = transfer.NewLedgerSink(osFs, cfg.Metadata.LedgerPath)
	} else {
		sink = transfer.NewLogSink(logger)
	}

	uploader := transfer.NewUploader(
		client,
		transfer.NewFallback(osFs, cfg.Fallback.Dir),
		sink,
		transfer.Options{
			ChunkSize:   cfg.Upload.ChunkSize,
			MaxAttempts: cfg.Upload.MaxAttempts,
			Backoff:     transfer.LinearBackoff(cfg.Upload.BackoffStep),
		},
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := uploader.Upload(ctx, transfer.Upload{
		Data:        data,
		Filename:    filename,
		UserID:      cfg.Tenant.UserID,
		BranchID:    cfg.Tenant.BranchID,
		Description: cfg.Upload.Description,
	})

	level.Info(logger).Log("msg", "traffic",
		"uploaded", humanize.IBytes(uint64(counters.Uploaded())),
		"downloaded", humanize.IBytes(uint64(counters.Downloaded())),
	)

	report, err := json.Marshal(result.Report())
	if err != nil {
		level.Error(logger).Log("msg", "can't encode report", "err", err)
		return exitFailure
	}
	fmt.Fprintln(os.Stdout, string(report))

	if !result.Success {
		level.Error(logger).Log("msg", "upload failed", "state", result.State, "err", result.Err)
		return exitFailure
	}

	return exitSuccess
}

// readRecording loads the whole recording and the filename to announce for
// it, the base name of path unless name is set.
func readRecording(fs afero.Fs, path, name string) ([]byte, string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, "", err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return data, name, nil
}

// monitorPanic monitors panics and reports them somewhere (e.g. logs, ...).
func monitorPanic(logger log.Logger) {
	if rec := recover(); rec != nil {
		err := fmt.Sprintf("panic: %v \n stack trace: %s", rec, debug.Stack())
		level.Error(logger).Log("err", err)
		panic(err)
	}
}
