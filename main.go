package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	_ "net/http/pprof"
)

var configDir = flag.String("config", "./", "directory holding config.yaml")

func main() {
	flag.Parse()
	_ = godotenv.Load()

	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)
	defer log.Sync()
	slog := log.Sugar()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		slog.Fatal("init config error:", err)
	}

	if cfg.PprofHost != "" {
		go func() {
			slog.Info("pprof:", cfg.PprofHost)
			http.ListenAndServe(cfg.PprofHost, nil)
		}()
	}

	var registry DeviceRegistry = newMemoryRegistry()
	if cfg.DB != "" {
		gr, err := openGormRegistry(cfg.DB, cfg.DBLog)
		if err != nil {
			slog.Fatal("registry:", err)
		}
		defer gr.Close()
		registry = gr
	}

	var cl *cluster
	if cfg.Redis.Enable {
		if cl, err = newCluster(cfg.Redis); err != nil {
			slog.Fatal("redis err:", err)
		}
	}

	node := newNode(cfg, registry, cl)
	defer node.Close()

	srv := &http.Server{
		Addr:              cfg.Host,
		Handler:           node.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			slog.Error("shutdown:", err)
		}
	}()

	slog.Infow("Start", "host", cfg.Host, "globals", cfg.GlobalCollections, "cluster", cfg.Redis.Enable, "registry", cfg.DB != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Fatal("ListenAndServe: ", err)
	}
	slog.Info("close")
}
