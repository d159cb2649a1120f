package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"peerlines/agent/internal/app"
	"peerlines/agent/internal/baseline"
	"peerlines/agent/internal/blobstore"
	"peerlines/agent/internal/config"
	"peerlines/agent/internal/coordinator"
	"peerlines/agent/internal/cycle"
	"peerlines/agent/internal/peers"
	"peerlines/agent/internal/publish"
	"peerlines/agent/internal/reconstruct"
	"peerlines/agent/internal/session"
	"peerlines/agent/internal/vcs"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.TmpRoot, 0o755); err != nil {
		log.Fatalf("failed to create temp root: %v", err)
	}

	var stamps session.Stamps
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for publish and fetch stamps")
		redisStamps, err := session.NewRedisStamps(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStamps.Close()
		stamps = redisStamps
	} else {
		log.Printf("Using in-process publish and fetch stamps")
		stamps = session.NewMemoryStamps()
	}

	coord := coordinator.New(cfg.CoordinatorURL, cfg.AuthToken, &http.Client{Timeout: 60 * time.Second})

	var patches reconstruct.PatchSource = coord
	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		log.Printf("Reading peer patches from blob storage at %s", cfg.BlobEndpoint)
		store, err := blobstore.New(blobstore.Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
		})
		if err != nil {
			log.Fatalf("blob storage setup failed: %v", err)
		}
		patches = store
	}

	repos := vcs.NewRepos()
	runner := vcs.NewRunner(cfg.MaxOutputBytes, cfg.CommandTimeout)

	negotiator := baseline.NewNegotiator(func(root string) (baseline.History, error) {
		repo, err := repos.Open(root)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}, coord, cfg.MaxCommits)
	rec := reconstruct.NewReconstructor(func(root string) (reconstruct.FileReader, error) {
		repo, err := repos.Open(root)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}, patches, cfg.PatchTTL, cfg.PeerConcurrency)

	registry := session.NewRegistry(cfg.TmpRoot, stamps)
	defer registry.CloseAll()

	service := app.New(cfg, app.Deps{
		Registry: registry,
		OpenRepo: func(root string) (app.WorkingCopy, error) {
			repo, err := repos.Open(root)
			if err != nil {
				return nil, err
			}
			return repo, nil
		},
		ForgetRepo:    repos.Forget,
		Differ:        runner,
		Negotiator:    negotiator,
		Publisher:     publish.NewPublisher(runner, negotiator, coord, cfg.SyncThreshold),
		Changes:       peers.NewCache(coord, cfg.SyncThreshold),
		Reconstructor: rec,
		Cycler:        cycle.NewCycler(rec),
		Stamps:        stamps,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("peerlines agent listening on %s (coordinator %s)", cfg.Addr, cfg.CoordinatorURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
