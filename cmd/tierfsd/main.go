package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/tierfs/tierfs/cmd/common"
	"github.com/tierfs/tierfs/fs"
	"github.com/tierfs/tierfs/fs/watch"
	"github.com/tierfs/tierfs/server"
)

func usage() {
	fmt.Printf(`tierfsd - a tiered, content-addressed virtual filesystem service.

This daemon serves a POSIX-like virtual filesystem over HTTP: file metadata
lives in a relational store, file content in deduplicated blobs spread across
hot/warm/cold tiers. Clients use the JSON RPC endpoint, stream file content
with range requests, and subscribe to change events over a websocket.

Usage: tierfsd [options]

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// setup cli parsing
	configPath := flag.StringP("config-file", "f", common.DefaultConfigPath(),
		"A YAML-formatted configuration file used by tierfsd.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level/verbosity. "+
			"Can be one of: fatal, error, warn, info, debug, trace")
	dataDir := flag.StringP("data-dir", "d", "",
		"Change the directory holding the metadata database and blob stores. "+
			"Will be created if the path does not already exist.")
	listen := flag.StringP("listen", "L", "", "Address to listen on.")
	wipeData := flag.BoolP("wipe-data", "w", false,
		"Delete the existing tierfs data directory and then exit. "+
			"This is equivalent to resetting the service.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("tierfsd", common.Version())
		os.Exit(0)
	}

	config := common.LoadConfig(*configPath)
	// command line options override config options
	if *dataDir != "" {
		config.DataDir = *dataDir
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *listen != "" {
		config.Listen = *listen
	}

	zerolog.SetGlobalLevel(common.StringToLevel(config.LogLevel))

	if *wipeData {
		log.Info().Str("path", config.DataDir).Msg("Removing data directory.")
		os.RemoveAll(config.DataDir)
		os.Exit(0)
	}

	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		log.Fatal().Err(err).Str("path", config.DataDir).Msg("Could not create data directory.")
	}

	warm, err := fs.NewBoltStore(filepath.Join(config.DataDir, "warm.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open warm tier store.")
	}
	cold, err := fs.NewDirStore(filepath.Join(config.DataDir, "cold"))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cold tier store.")
	}

	filesystem, err := fs.NewFilesystem(fs.Options{
		DBPath:       filepath.Join(config.DataDir, "metadata.db"),
		Warm:         warm,
		Cold:         cold,
		HotThreshold: config.HotThresholdBytes,
		Cleanup: fs.CleanupConfig{
			MinOrphanCount: config.Cleanup.MinOrphanCount,
			MinOrphanAge:   time.Duration(config.Cleanup.MinOrphanAgeMs) * time.Millisecond,
			BatchSize:      config.Cleanup.BatchSize,
			Async:          true,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open filesystem.")
	}

	broadcaster := watch.NewBroadcaster(watch.Config{
		BatchWindow:       time.Duration(config.Watch.BatchWindowMs) * time.Millisecond,
		MaxBatchSize:      config.Watch.MaxBatchSize,
		PrioritySort:      true,
		HeartbeatInterval: time.Duration(config.Watch.HeartbeatIntervalMs) * time.Millisecond,
		ConnectionTimeout: time.Duration(config.Watch.ConnectionTimeoutMs) * time.Millisecond,
		MaxConnections:    config.Watch.MaxConnections,
		MaxSubscriptions:  config.Watch.MaxSubscriptions,
	})

	// shut down cleanly on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msgf("tierfsd %s", common.Version())
	log.Info().
		Str("dataDir", config.DataDir).
		Str("listen", config.Listen).
		Msg("Serving filesystem.")
	srv := server.New(filesystem, broadcaster)
	if err := srv.Serve(ctx, config.Listen); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error.")
	}
}
