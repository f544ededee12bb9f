// Command stdio serves vehicle signals over standard input and output.
//
// The process speaks the service protocol on stdin/stdout, so a parent
// process can spawn it and exchange messages over the child's pipes.
// All logging goes to stderr; stdout carries only protocol frames.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	vis "github.com/mercedes-benz/vehicle-information-service"
	"github.com/mercedes-benz/vehicle-information-service/sources/interval"
	"github.com/mercedes-benz/vehicle-information-service/sources/sim"
)

const intervalPath = "Private.Example.Interval"

func main() {
	simFile := flag.String("sim", "", "YAML simulation config feeding additional signals")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	service := vis.NewService(vis.WithServiceLogger(logger))

	// The classic demo producer: counts up once a second.
	if _, err := service.RegisterSource(intervalPath, interval.Counter(time.Second)); err != nil {
		logger.Error("failed to register interval source", slog.String("err", err.Error()))
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

	transport := vis.NewStdIO(os.Stdin, os.Stdout, vis.WithStdIOLogger(logger))
	server := vis.NewServer(service, transport, vis.WithServerLogger(logger))

	// Shutdown runs at most once, whether triggered by a signal or by
	// stdin reaching EOF when the parent closes the pipe.
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("server forced to shut down", slog.String("err", err.Error()))
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdown()
	}()

	logger.Info("serving on standard input and output")
	server.Serve()

	shutdown()
	service.Close()
}
