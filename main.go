package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tutortoise/cell-detection-service/config"
	"github.com/Tutortoise/cell-detection-service/detections"
	"github.com/Tutortoise/cell-detection-service/logger"
	"github.com/Tutortoise/cell-detection-service/paths"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(config.ParseConfigFlag())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.Server.Debug, cfg.Log)

	if err := run(cfg, log); err != nil {
		var cfgErr *paths.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, cfgErr.Error())
		}
		log.Error("service stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	serviceDir, err := resolveServiceDir(cfg.Paths.ServiceDir)
	if err != nil {
		return err
	}

	modelPath, err := paths.ResolveModel(serviceDir, cfg.Paths.ModelPath)
	if err != nil {
		return err
	}
	publicDir, err := paths.ResolvePublicDir(serviceDir, cfg.Paths.PublicDir)
	if err != nil {
		return err
	}

	libPath, teardown, err := initRuntime(serviceDir, cfg.Model.RuntimeLibrary)
	if err != nil {
		return err
	}
	defer teardown()

	log.Info("loading model",
		zap.String("model_path", modelPath),
		zap.String("runtime_library", libPath),
		zap.Strings("cpu_features", detections.CPUFeatures()),
	)

	detector, err := detections.NewONNXDetector(detections.Options{
		ModelPath:      modelPath,
		NamesFile:      cfg.Model.NamesFile,
		ConfThreshold:  cfg.Model.ConfThreshold,
		IntraOpThreads: cfg.Model.IntraOpThreads,
		InterOpThreads: cfg.Model.InterOpThreads,
	})
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", modelPath, err)
	}
	defer detector.Close()

	width, height := detector.InputSize()
	inputName, outputName := detector.IONames()
	log.Info("model loaded",
		zap.Int("input_width", width),
		zap.Int("input_height", height),
		zap.String("input", inputName),
		zap.String("output", outputName),
		zap.Int("classes", len(detector.Names())),
		zap.String("public_dir", publicDir),
	)

	state := &AppState{
		ModelName:      filepath.Base(modelPath),
		ModelPath:      modelPath,
		PublicDir:      publicDir,
		Detector:       detector,
		Logger:         log,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxPixels:      cfg.Model.MaxPixels,
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           newRouter(state),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func resolveServiceDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	return filepath.Abs(dir)
}
