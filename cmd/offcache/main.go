package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offcache/internal/offcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFCACHE_CONFIG", "/offcache.yaml"), "path to offcache.yaml (empty: defaults and environment only)")
	flag.Parse()

	cfg, err := offcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := offcache.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	startCtx, cancelStart := context.WithTimeout(ctx, 2*time.Minute)
	err = svc.Start(startCtx)
	cancelStart()
	if err != nil {
		svc.Close()
		log.Fatalf("start version %s: %v", cfg.Version, err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("offcache listening on %s, origin=%s version=%s", addr, cfg.Server.Origin, cfg.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}
