// Command dicomstore runs the DICOM storage SCP: it loads a configuration
// file (or directory of files), opens the index database and blob store,
// and listens for DIMSE associations, dispatching C-ECHO/C-STORE/C-FIND/C-MOVE
// to the ingestion pipeline, resource finder and modality sender.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/config"
	"github.com/dicomstore/dicomstore/finder"
	"github.com/dicomstore/dicomstore/index"
	"github.com/dicomstore/dicomstore/ingest"
	"github.com/dicomstore/dicomstore/modalities"
	"github.com/dicomstore/dicomstore/server"
	"github.com/dicomstore/dicomstore/services"
	"github.com/dicomstore/dicomstore/types"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to a JSON config file or directory of JSON config files")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error("dicomstore terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	blobs, err := blobstore.New(cfg.StorageDirectory)
	if err != nil {
		return err
	}

	db, err := index.Open(filepath.Join(cfg.IndexDirectory, "index.db"), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var compressor blobstore.Compressor = blobstore.NoneCompressor{}
	if cfg.StorageCompression {
		compressor = blobstore.ZlibCompressor{}
	}

	pipeline := &ingest.Pipeline{
		DB:                  db,
		Blobs:               blobs,
		Compressor:          compressor,
		SourceAET:           cfg.DicomAet,
		MaximumStorageSize:  cfg.MaximumStorageSize * 1024 * 1024,
		MaximumPatientCount: cfg.MaximumPatientCount,
		Logger:              logger,
	}

	finderSvc := &finder.Finder{DB: db, Blobs: blobs}

	sender := &modalities.Sender{
		DB:             db,
		Blobs:          blobs,
		Modalities:     cfg.DicomModalities,
		CallingAET:     cfg.DicomAet,
		ConnectTimeout: time.Duration(cfg.DicomScuTimeout) * time.Second,
	}

	registry := services.NewRegistry()
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(types.CStoreRQ, services.NewStoreService(pipeline))
	registry.RegisterHandler(types.CFindRQ, services.NewFindService(finderSvc))
	registry.RegisterHandler(types.CMoveRQ, services.NewMoveService(finderSvc, sender))

	logger.InfoContext(ctx, "starting DICOM store",
		"ae_title", cfg.DicomAet, "port", cfg.DicomPort, "storage", cfg.StorageDirectory)

	address := ":" + strconv.Itoa(int(cfg.DicomPort))
	err = server.ListenAndServe(ctx, address, cfg.DicomAet, registry,
		server.WithLogger(logger),
		server.WithReadTimeout(time.Duration(cfg.DicomScpTimeout)*time.Second),
		server.WithWriteTimeout(time.Duration(cfg.DicomScpTimeout)*time.Second),
		server.WithCheckCalledAET(cfg.DicomCheckCalledAet),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		logger.InfoContext(ctx, "dicomstore stopped", "reason", err.Error())
		return nil
	default:
		return err
	}
}
