package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/peerbanhelper/backend/internal/api/middleware"
	"github.com/peerbanhelper/backend/internal/config"
	"github.com/peerbanhelper/backend/internal/database"
	"github.com/peerbanhelper/backend/internal/engine"
	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/server"
	"github.com/peerbanhelper/backend/internal/supervisor"
	"github.com/peerbanhelper/backend/internal/version"
)

func main() {
	// Handle CLI commands
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if len(os.Args) != 3 {
			log.Fatalf("Usage: %s hash-token <token>", os.Args[0])
		}
		hash, err := middleware.HashToken(os.Args[2])
		if err != nil {
			log.Fatalf("failed to hash token: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("%s %s\n", version.Name, version.Full())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Setup logging with rotation
	logDir := cfg.LogDir
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logDir = filepath.Join("data", "logs")
		_ = os.MkdirAll(logDir, 0o755)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "pbh.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	defer rotator.Close()

	// Log to both stdout and file
	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)
	logger.Init(cfg.Debug, mw)
	logger.Log().WithField("version", version.Full()).Infof("starting %s", version.Name)

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		logger.Log().WithError(err).Fatal("connect database")
	}

	eng, err := engine.New(db, cfg)
	if err != nil {
		logger.Log().WithError(err).Fatal("build engine")
	}
	defer eng.Close()

	srv, err := server.New(eng)
	if err != nil {
		logger.Log().WithError(err).Fatal("create server")
	}

	tree := supervisor.New(supervisor.DefaultTreeConfig())
	for _, svc := range eng.Services() {
		tree.AddEngineService(svc)
	}
	tree.AddAPIService(srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.APITokenHash == "" {
		logger.Log().Warn("api_token_hash is empty, the HTTP API is unauthenticated")
	}

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Log().WithError(err).Error("supervisor stopped")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Log().WithField("services", len(report)).Warn("Some services did not stop in time")
	}
	logger.Log().Info("shutdown complete")
}
