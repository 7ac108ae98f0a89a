package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/auth"
	"github.com/ILLUVRSE/release-orchestrator/internal/bootstrap"
	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/httpserver"
)

func main() {
	checkout := flag.String("checkout", ".", "project checkout validated by POST /releases/validate")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load: %v", err)
	}
	log, err := bootstrap.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer st.Close()

	verifier, err := auth.NewVerifier(auth.Options{
		HMACSecret:      cfg.AgentTokenSecret,
		KeysFile:        cfg.AgentKeysFile,
		AllowDebugToken: cfg.AllowDebugToken,
		DebugToken:      cfg.DebugToken,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	server := httpserver.New(st.Manager, st.Validator(), osfs.New(*checkout), verifier, log.WithField("component", "http"))
	httpServer := &http.Server{
		Addr:              cfg.AgentAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.WithField("addr", cfg.AgentAddr).WithField("project", st.Project.Name).Info("release agent listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(log, cancel, httpServer)
}

// waitForShutdown lets in-flight deploys past activation finish; those still
// before activation see their context cancelled and abort cleanly.
func waitForShutdown(log logrus.FieldLogger, cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
