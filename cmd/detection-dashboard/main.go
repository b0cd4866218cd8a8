package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	detectiondashboard "github.com/menta2k/detection-dashboard"
	"github.com/menta2k/detection-dashboard/internal/config"
	"github.com/menta2k/detection-dashboard/internal/logger"
	"github.com/menta2k/detection-dashboard/internal/utils"
	"github.com/menta2k/detection-dashboard/pkg/server"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

func main() {
	var configPath, in, service, outDir, ext, serve string
	var threshold float64
	var quality int
	var dev, all bool

	flag.StringVar(&configPath, "config", config.GetConfigPath(), "YAML configuration file")
	flag.StringVar(&in, "in", "", "input image path, URL or directory")
	flag.StringVar(&service, "service", "", "detection service: azure|google|vision (default: first available)")
	flag.BoolVar(&all, "all", false, "run every available service")
	flag.Float64Var(&threshold, "threshold", -1, "confidence threshold 0..1 (default: from config)")
	flag.StringVar(&outDir, "out", "", "output directory (default: from config)")
	flag.StringVar(&ext, "ext", "", "annotated image format: jpg|png|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.StringVar(&serve, "serve", "", "serve the HTTP API on this address instead of processing -in")
	flag.BoolVar(&dev, "dev", false, "development logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if ext != "" {
		cfg.Output.DefaultFormat = ext
	}
	if quality > 0 {
		cfg.Output.Quality = quality
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(dev || cfg.Log.Development); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()
	lg := logger.Log()

	dash, err := detectiondashboard.New(cfg, lg)
	if err != nil {
		lg.Fatal("failed to create dashboard", zap.Error(err))
	}
	defer dash.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve != "" {
		if err := server.New(dash, logger.Named("server")).Run(ctx, serve); err != nil {
			lg.Fatal("server failed", zap.Error(err))
		}
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in image.jpg|URL|dir [-service azure|google|vision] [-all] [-threshold 0.5] [-out outdir] [-ext png] | -serve :8080", filepath.Base(os.Args[0]))
	}

	services := dash.AvailableServices()
	if len(services) == 0 {
		log.Fatal("No detection service is configured. Set CUSTOMVISION_*, GOOGLE_* or VISION_* variables.")
	}
	switch {
	case all:
	case service != "":
		services = []string{service}
	default:
		services = services[:1]
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		inputs, err = utils.ListImageFiles(in)
		if err != nil {
			lg.Fatal("failed to list images", zap.String("dir", in), zap.Error(err))
		}
		if len(inputs) == 0 {
			log.Fatalf("No images found in %s", in)
		}
	}

	failed := 0
	for _, input := range inputs {
		for _, svc := range services {
			dir := cfg.Output.OutputDir
			if len(services) > 1 {
				dir = filepath.Join(dir, svc)
			}
			if err := processOne(ctx, dash, svc, input, dir, threshold); err != nil {
				lg.Error("processing failed",
					zap.String("input", input),
					zap.String("service", svc),
					zap.Error(err))
				failed++
			}
		}
	}
	if failed > 0 {
		stop()
		_ = dash.Close()
		logger.Sync()
		os.Exit(1)
	}
}

func processOne(ctx context.Context, dash *detectiondashboard.Dashboard, service, input, outDir string, threshold float64) error {
	imagePath, resultPath, err := dash.ProcessImageFile(ctx, service, input, outDir, threshold)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return err
	}
	var result types.DetectionResult
	if err := result.UnmarshalJSON(data); err != nil {
		return err
	}
	printSummary(input, result)
	fmt.Printf("  annotated: %s\n  result:    %s\n", imagePath, resultPath)
	return nil
}

func printSummary(input string, result types.DetectionResult) {
	filtered := result.FilterByConfidence()
	dims := result.ImageDimensions()
	fmt.Printf("%s [%s] %dx%d, %d detections (%d >= %.2f) in %.2fs\n",
		input, result.ServiceName(), dims.Width, dims.Height,
		result.DetectionCount(), len(filtered), result.ConfidenceThreshold(), result.ProcessingSeconds())
	for _, g := range types.GroupByTag(filtered) {
		levels := make([]string, 0, len(g.Detections))
		for _, d := range g.Detections {
			levels = append(levels, fmt.Sprintf("%.0f%% %s", d.Confidence*100, types.ConfidenceLevel(d.Confidence)))
		}
		fmt.Printf("  %-20s %d  [%s]\n", g.Tag, len(g.Detections), strings.Join(levels, ", "))
	}
}
