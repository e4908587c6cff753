// FILE: lokiship/src/cmd/lokiship/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lokiship/src/internal/config"
	"lokiship/src/internal/core"
	"lokiship/src/internal/shipper"
	"lokiship/src/internal/version"

	"github.com/lixenwraith/log"
)

var logger *log.Logger

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println(version.String())
			os.Exit(0)
		}
	}

	cfg, err := config.LoadWithCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := initializeLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer shutdownLogger()

	logger.Info("msg", "lokiship starting",
		"version", version.String(),
		"url", cfg.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ship, err := shipper.New(cfg, shipper.WithLogger(logger))
	if err != nil {
		logger.Error("msg", "Failed to build shipper", "error", err)
		os.Exit(1)
	}
	if err := ship.Start(ctx); err != nil {
		logger.Error("msg", "Failed to start shipper", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Forward stdin lines until EOF or a shutdown signal.
	lines := make(chan string)
	go readStdin(lines)

	running := true
	for running {
		select {
		case line, ok := <-lines:
			if !ok {
				running = false
				break
			}
			if err := ship.Accept(core.Record{
				Level:   core.LevelInfo,
				Message: line,
			}); err != nil {
				logger.Warn("msg", "Record not accepted", "error", err)
			}
		case sig := <-sigChan:
			logger.Info("msg", "Shutdown signal received", "signal", sig.String())
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := ship.Shutdown(shutdownCtx); err != nil {
		logger.Error("msg", "Shutdown finished with error", "error", err)
		os.Exit(1)
	}

	stats := ship.GetStats()
	logger.Info("msg", "Shutdown complete",
		"accepted", stats.Accepted,
		"batches_sent", stats.BatchesSent,
		"batches_failed", stats.BatchesFailed)
}

func readStdin(lines chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	close(lines)
}

func initializeLogger() error {
	logger = log.NewLogger()
	return logger.InitWithDefaults(
		"disable_file=true",
		"enable_stdout=true",
		"stdout_target=stderr")
}

func shutdownLogger() {
	if logger != nil {
		if err := logger.Shutdown(2 * time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "Logger shutdown error: %v\n", err)
		}
	}
}
