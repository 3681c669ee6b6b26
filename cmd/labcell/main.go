package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labcell/config"
	"labcell/engine"
	"labcell/httpapi"
	"labcell/lock"
)

var Version = "dev"

// Exit codes per the orchestrator's documented process contract: 0
// normal shutdown, 1 lock held by another instance, 2 configuration
// error, 3 fatal RPC initialization failure after retry budget
// exhausted.
const (
	exitOK              = 0
	exitLockHeld        = 1
	exitConfigError     = 2
	exitRPCInitFailure  = 3
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "labcell.yaml", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Println("labcell", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("labcell: load config: %v", err)
		os.Exit(exitConfigError)
	}

	fileLock := lock.New(cfg.Lock.Path)
	if err := fileLock.Acquire(); err != nil {
		if pid, ok := lock.RunningPID(cfg.Lock.Path); ok {
			log.Printf("labcell: another instance (pid %d) already holds %s", pid, cfg.Lock.Path)
		} else {
			log.Printf("labcell: %v", err)
		}
		os.Exit(exitLockHeld)
	}
	defer fileLock.Release()

	eng, err := engine.New(cfg, log.Printf)
	if err != nil {
		log.Printf("labcell: engine init: %v", err)
		os.Exit(exitConfigError)
	}

	ctx, cancelStart := context.WithTimeout(context.Background(), cfg.Robot.DialTimeout)
	startErr := eng.Start(ctx)
	cancelStart()
	if startErr != nil {
		log.Printf("labcell: engine start: %v", startErr)
		os.Exit(exitRPCInitFailure)
	}
	defer eng.Stop()

	handler := httpapi.NewRouter(eng)
	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Printf("labcell: http ingress listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("labcell: http server: %v", err)
		}
	}()

	log.Printf("labcell: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("labcell: shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	log.Printf("labcell: stopped")
	os.Exit(exitOK)
}
