package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	vis "github.com/mercedes-benz/vehicle-information-service"
	"github.com/mercedes-benz/vehicle-information-service/sources/interval"
	"github.com/mercedes-benz/vehicle-information-service/sources/natsfeed"
	"github.com/mercedes-benz/vehicle-information-service/sources/sim"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Demo paths, matching the classic service examples.
const (
	intervalPath = "Private.Example.Interval"
	printSetPath = "Private.Example.Print.Set"
	natsPath     = "Private.Example.Nats"
	natsSubject  = "vis.example"
)

func main() {
	addr := flag.String("addr", ":14430", "listen address")
	simFile := flag.String("sim", "", "YAML simulation config feeding additional signals")
	natsURL := flag.String("nats", "", "NATS server URL; mirrors subject "+natsSubject+" onto "+natsPath)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	registry := prometheus.NewRegistry()
	metrics, err := vis.NewMetrics(registry)
	if err != nil {
		logger.Error("failed to register metrics", slog.String("err", err.Error()))
		os.Exit(1)
	}

	service := vis.NewService(
		vis.WithServiceLogger(logger),
		vis.WithMetrics(metrics),
	)

	// The classic demo producer: counts up once a second.
	if _, err := service.RegisterSource(intervalPath, interval.Counter(time.Second)); err != nil {
		logger.Error("failed to register interval source", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Print every accepted client set on the demo path.
	err = service.OnSet(printSetPath, func(path string, value json.RawMessage) {
		logger.Info("set received", slog.String("path", path), slog.String("value", string(value)))
	})
	if err != nil {
		logger.Error("failed to register set listener", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if *simFile != "" {
		cfg, err := sim.Load(*simFile)
		if err != nil {
			logger.Error("failed to load simulation config", slog.String("err", err.Error()))
			os.Exit(1)
		}
		if _, err := cfg.Attach(service); err != nil {
			logger.Error("failed to attach simulation", slog.String("err", err.Error()))
			os.Exit(1)
		}
		logger.Info("simulation attached",
			slog.String("file", *simFile),
			slog.Int("signals", len(cfg.Signals)))
	}

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()

	if *natsURL != "" {
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer conn.Close()

		feed := natsfeed.New(feedCtx, conn, natsSubject, natsfeed.WithLogger(logger))
		if _, err := service.RegisterSource(natsPath, feed); err != nil {
			logger.Error("failed to register nats source", slog.String("err", err.Error()))
			os.Exit(1)
		}
		logger.Info("nats feed attached",
			slog.String("subject", natsSubject),
			slog.String("path", natsPath))
	}

	wsTransport := vis.NewWebSocketServer(vis.WithWebSocketServerLogger(logger))
	sseTransport := vis.NewSSEServer(messageURL(*addr), vis.WithSSEServerLogger(logger))

	wsServer := vis.NewServer(service, wsTransport, vis.WithServerLogger(logger))
	sseServer := vis.NewServer(service, sseTransport, vis.WithServerLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/vis", wsTransport)
	mux.Handle("/sse", sseTransport.HandleSSE())
	mux.Handle("/message", sseTransport.HandleMessage())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go wsServer.Serve()
	go sseServer.Serve()
	go func() {
		logger.Info("server listening", slog.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced to shut down", slog.String("err", err.Error()))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server forced to shut down", slog.String("err", err.Error()))
	}
	if err := sseServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sse server forced to shut down", slog.String("err", err.Error()))
	}
	stopFeed()
	service.Close()
}

func messageURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s/message", addr)
}
