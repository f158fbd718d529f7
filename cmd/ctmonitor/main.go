package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"ctmon.dev/internal/blobcache"
	"ctmon.dev/internal/ctfetch"
	"ctmon.dev/internal/index"
	"ctmon.dev/internal/loglist"
	"ctmon.dev/internal/pipeline"
	"ctmon.dev/internal/state"
	"ctmon.dev/internal/supervisor"
)

func main() {
	shutdownOtel := configureOtel()
	defer shutdownOtel()

	if len(os.Args) < 2 {
		fmt.Println("Error: data-directory argument must be set")
		fmt.Printf("usage: %s <data-dir>\n", os.Args[0])
		os.Exit(1)
	}
	dataDir := os.Args[1]
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	logListPath := filepath.Join(dataDir, "log_list.json")
	list, err := loglist.Load(logListPath)
	if err != nil {
		log.Fatalf("failed to load log list from %s: %v", logListPath, err)
	}

	st, err := state.Load(filepath.Join(dataDir, "state.json"))
	if err != nil {
		log.Fatalf("failed to load fetch state: %v", err)
	}

	idx, err := index.Open(filepath.Join(dataDir, "data.db"))
	if err != nil {
		log.Fatalf("failed to open index database: %v", err)
	}
	defer idx.Close()

	blobs := newBlobCache(dataDir)
	fetcher := ctfetch.New()

	sup := &supervisor.Supervisor{
		Fetcher: fetcher,
		Round: &pipeline.Round{
			Fetcher: fetcher,
			Index:   idx,
			Blobs:   blobs,
			State:   st,
		},
		State:   st,
		LogList: list.Logs,
	}

	if err := sup.Run(context.Background()); err != nil {
		log.Fatalf("supervisor exited with error: %v", err)
	}
}

// newBlobCache selects the blob cache backend from the environment.
func newBlobCache(dataDir string) blobcache.Cache {
	if os.Getenv("BELVI_NO_CACHE") != "" {
		return blobcache.NoCache{}
	}

	bucket := os.Getenv("CTMON_S3_BUCKET")
	if bucket == "" {
		return blobcache.NewFsCache(filepath.Join(dataDir, "blobs"))
	}
	return blobcache.NewS3Cache(
		os.Getenv("CTMON_S3_REGION"),
		bucket,
		os.Getenv("CTMON_S3_ENDPOINT"),
		os.Getenv("CTMON_S3_ACCESS_KEY"),
		os.Getenv("CTMON_S3_SECRET_KEY"),
	)
}

func configureOtel() func() {
	ctx := context.Background()

	client := otlptracegrpc.NewClient()
	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		log.Fatalf("failed to initialize exporter: %v", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return func() {
		_ = exp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
	}
}
