package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperquantum/pmp/internal/logger"
	"github.com/hyperquantum/pmp/internal/pmp/config"
	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/history"
	srv "github.com/hyperquantum/pmp/internal/pmp/server"
	"github.com/hyperquantum/pmp/internal/pmp/store"
	"github.com/hyperquantum/pmp/internal/pmp/user"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cli.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cli.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	fileCfg, err := config.Load(cli.configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	if cli.listenAddr != "" {
		fileCfg.ListenAddress = cli.listenAddr
	}
	if cli.databasePath != "" {
		fileCfg.DatabasePath = cli.databasePath
	}
	if cli.musicDir != "" {
		fileCfg.MusicDir = cli.musicDir
	}
	if cli.serverCaption != "" {
		fileCfg.ServerCaption = cli.serverCaption
	}
	if cli.maxQueueSize != 0 {
		fileCfg.MaxQueueSize = int(cli.maxQueueSize)
	}

	db, err := store.Open(fileCfg.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "error", err, "path", fileCfg.DatabasePath)
		os.Exit(1)
	}
	defer db.Close()

	hashes := hashid.NewRegistrar(db)
	if err := hashes.Load(); err != nil {
		log.Error("failed to load hashes", "error", err)
		os.Exit(1)
	}

	relations := hashid.NewRelations()
	equivalences, err := db.LoadEquivalences()
	if err != nil {
		log.Error("failed to load equivalences", "error", err)
		os.Exit(1)
	}
	for _, pair := range equivalences {
		relations.MarkAsEquivalent([]uint32{pair[0], pair[1]})
	}

	hist := history.NewEngine(db, relations)
	users := user.NewRegistry(db)

	server := srv.New(srv.Config{
		ListenAddr:      fileCfg.ListenAddress,
		ServerCaption:   fileCfg.ServerCaption,
		MaxQueueSize:    fileCfg.MaxQueueSize,
		HookScripts:     cli.hookScripts,
		HookWebhooks:    cli.hookWebhooks,
		HookStdioFormat: cli.hookStdioFormat,
		HookTimeout:     cli.hookTimeout,
		HookConcurrency: cli.hookConcurrency,

		ScrobblingEnabled: fileCfg.ScrobblingEnabled,
		LastFMAPIKey:      fileCfg.LastFMAPIKey,
		LastFMAPISecret:   fileCfg.LastFMAPISecret,
	}, hashes, relations, hist, users, prometheus.DefaultRegisterer)

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
