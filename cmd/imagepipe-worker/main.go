// Command imagepipe-worker serves restoration and upscaling requests over
// stdin/stdout using ONNX Runtime. It is spawned by imagepipe; logs go to stderr.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/logging"
	"github.com/menta2k/imagepipe/internal/onnx"
	"github.com/menta2k/imagepipe/pkg/worker"
)

func main() {
	cfg := logging.DefaultConfig()
	lib := flag.String("lib", os.Getenv("ONNXRUNTIME_LIB"), "path to the onnxruntime shared library")
	flag.StringVar(&cfg.Level, "log-level", "info", "log level: debug|info|warn|error")
	flag.StringVar(&cfg.File, "log-file", "", "also write JSON logs to this file")
	flag.Parse()

	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	logger = logger.With(zap.Int("pid", os.Getpid()))

	rt, err := onnx.NewRuntime(*lib, logger)
	if err != nil {
		logger.Fatal("runtime init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker ready")
	err = worker.Serve(ctx, os.Stdin, os.Stdout, rt)
	if cerr := rt.Close(); cerr != nil {
		logger.Warn("runtime close failed", zap.Error(cerr))
	}
	if err != nil && ctx.Err() == nil {
		logger.Fatal("serve failed", zap.Error(err))
	}
	logger.Info("worker exiting")
}
