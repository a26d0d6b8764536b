package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/menta2k/imagepipe"
	"github.com/menta2k/imagepipe/internal/config"
	"github.com/menta2k/imagepipe/internal/logging"
	"github.com/menta2k/imagepipe/internal/metrics"
	"github.com/menta2k/imagepipe/internal/utils"
	"github.com/menta2k/imagepipe/pkg/models"
	"github.com/menta2k/imagepipe/pkg/processing"
	"github.com/menta2k/imagepipe/pkg/types"
)

type options struct {
	in, outDir            string
	crop, strategy, pos   string
	tasks, order          string
	scale                 int
	ext                   string
	quality               int
	lossless              bool
	debug                 bool
	configPath            string
	workerPath            string
	detector, url, model  string
	metricsAddr, logLevel string
	verify, batch         bool
}

func main() {
	var o options
	flag.StringVar(&o.in, "in", "", "input image path or URL (jpg/png/webp), or a directory with -batch")
	flag.StringVar(&o.outDir, "out", "out", "output directory")
	flag.StringVar(&o.crop, "crop", "", "crop target size WxH, e.g. 1200x630")
	flag.StringVar(&o.strategy, "strategy", "smart", "crop strategy: standard|smart|logo")
	flag.StringVar(&o.pos, "position", "auto", "crop position for the standard strategy: center, top-left, ... or auto")
	flag.StringVar(&o.tasks, "tasks", "", "comma separated enhancement tasks: denoise,deblur,derain,dehaze-indoor,dehaze-outdoor,low-light,retouch")
	flag.IntVar(&o.scale, "scale", 1, "upscale factor (1 = no upscaling)")
	flag.StringVar(&o.order, "order", "enhance,upscale,crop", "stage order")

	flag.StringVar(&o.ext, "ext", "jpg", "output format: jpg|png|webp")
	flag.IntVar(&o.quality, "quality", 90, "JPEG/WebP output quality (1-100)")
	flag.BoolVar(&o.lossless, "lossless", false, "WebP output lossless mode")
	flag.BoolVar(&o.debug, "debug", false, "write a debug overlay next to each crop")

	flag.StringVar(&o.configPath, "config", "", "config file (json or yaml), defaults to "+config.GetConfigPath())
	flag.StringVar(&o.workerPath, "worker", "", "inference worker binary")
	flag.StringVar(&o.detector, "detector", "", "subject detector: none|worker|ollama")
	flag.StringVar(&o.url, "url", "", "ollama server URL")
	flag.StringVar(&o.model, "model", "", "vision model name")
	flag.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.StringVar(&o.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flag.BoolVar(&o.verify, "verify", false, "check that every catalog model is present and exit")
	flag.BoolVar(&o.batch, "batch", false, "process every image under the -in directory")
	flag.Parse()

	if o.in == "" && !o.verify {
		log.Fatalf("usage: %s -in input.jpg|URL|dir [-crop 1200x630] [-tasks denoise] [-scale 2] [-out outdir] [-ext jpg|png|webp] [-batch] [-verify]", filepath.Base(os.Args[0]))
	}

	cfg, err := loadConfig(o)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(o, cfg, logger); err != nil {
		logger.Fatal("imagepipe failed", zap.Error(err))
	}
}

func loadConfig(o options) (*config.Config, error) {
	cfg := config.Default()
	path := o.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["worker"] {
		cfg.Worker.Path = o.workerPath
	}
	if set["detector"] {
		cfg.Vision.Detector = o.detector
	}
	if set["url"] {
		cfg.Vision.URL = o.url
	}
	if set["model"] {
		cfg.Vision.Model = o.model
	}
	if set["metrics"] {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if set["log-level"] {
		cfg.Logging.Level = o.logLevel
	}
	if set["quality"] {
		cfg.Output.Quality = o.quality
	}
	if set["ext"] {
		cfg.Output.DefaultFormat = o.ext
	}
	return cfg, cfg.Validate()
}

func run(o options, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rec *metrics.Recorder
	if cfg.Metrics.Addr != "" {
		rec = metrics.New()
		go func() {
			if err := rec.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	if o.verify {
		overrides, err := cfg.Models.Overrides()
		if err != nil {
			return err
		}
		catalog := models.NewCatalog(cfg.Models.Dir, overrides, cfg.Upscale.SupportedFactors)
		if !printReport(models.Verify(catalog, cfg.Models.CacheDir)) {
			return errors.New("model catalog incomplete")
		}
		return nil
	}

	req, err := buildRequest(o)
	if err != nil {
		return err
	}

	p, err := imagepipe.New(cfg, imagepipe.WithLogger(logger), imagepipe.WithMetrics(rec))
	if err != nil {
		return err
	}
	defer p.Close()

	inputs := []string{o.in}
	if o.batch {
		if inputs, err = utils.ListImageFiles(o.in); err != nil {
			return err
		}
		logger.Info("batch", zap.Int("images", len(inputs)), zap.String("dir", o.in))
	}

	sugar := logger.Sugar()
	processor := processing.NewProcessor()
	failed := 0
	for i, in := range inputs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sugar.Infof("[%d/%d] %s", i+1, len(inputs), in)
		if err := processOne(ctx, p, processor, cfg, o, req, in); err != nil {
			if !o.batch {
				return err
			}
			failed++
			logger.Error("image failed", zap.String("input", in), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(inputs))
	}
	return nil
}

func buildRequest(o options) (imagepipe.Request, error) {
	var req imagepipe.Request
	tasks, err := types.ParseTasks(o.tasks)
	if err != nil {
		return req, err
	}
	req.Tasks = tasks
	req.Scale = o.scale

	if req.Order, err = imagepipe.ParseStages(splitList(o.order)); err != nil {
		return req, err
	}

	if o.crop != "" {
		w, h, err := parseSize(o.crop)
		if err != nil {
			return req, err
		}
		pos, err := types.ParsePosition(o.pos)
		if err != nil {
			return req, err
		}
		req.Crop = &types.CropRequest{Width: w, Height: h, Strategy: types.CropStrategy(o.strategy), Position: pos}
	}
	return req, nil
}

func processOne(ctx context.Context, p *imagepipe.Pipeline, processor *processing.Processor, cfg *config.Config, o options, req imagepipe.Request, in string) error {
	img, err := processor.LoadImageSmart(ctx, in)
	if err != nil {
		return err
	}

	if len(req.Tasks) > 0 {
		req.Progress = func(done, total int) {
			fmt.Fprintf(os.Stderr, "\renhancing %d/%d", done, total)
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		}
	}
	res, err := p.Process(ctx, img, req)
	if err != nil {
		return err
	}

	format := utils.OutputFormat(cfg.Output.DefaultFormat, in)
	outPath := utils.GenerateOutputFilename(in, o.outDir, cfg.Output.Prefix, cfg.Output.Suffix, format)
	if err := processor.SaveImage(res.Image, outPath, format, cfg.Output.Quality, o.lossless); err != nil {
		return fmt.Errorf("save %s: %w", outPath, err)
	}
	log.Printf("wrote %s (%dx%d)", outPath, res.Image.Bounds().Dx(), res.Image.Bounds().Dy())

	if o.debug && res.Crop != nil {
		overlay := processing.CreateDebugOverlay(res.Crop.Frame, processing.DebugOverlay{
			Detections: res.Crop.Detections,
			Subject:    res.Crop.Subject,
			Crop:       &res.Crop.Window,
			Focal:      res.Crop.Focal,
		})
		dbgPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + "_debug.png"
		if err := processor.SaveImage(overlay, dbgPath, "png", 0, false); err != nil {
			log.Printf("debug overlay save failed: %v", err)
		} else {
			log.Printf("wrote %s", dbgPath)
		}
	}

	mdPath := filepath.Join(o.outDir, "metadata.json")
	if o.batch {
		mdPath = strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".metadata.json"
	}
	return utils.WriteJSON(mdPath, res.Metadata)
}

func printReport(r models.Report) bool {
	ok := color.New(color.FgGreen).SprintFunc()
	missing := color.New(color.FgRed, color.Bold).SprintFunc()
	for _, e := range r.Present {
		fmt.Printf("  %s  %-12s %s\n", ok("ok"), e.Kind, e.ID)
	}
	for _, e := range r.Missing {
		fmt.Printf("  %s %-12s %s\n", missing("missing"), e.Kind, e.ID)
	}
	if r.OK() {
		color.Green("all %d models present", len(r.Present))
	} else {
		color.Red("%d of %d models missing", len(r.Missing), len(r.Present)+len(r.Missing))
	}
	return r.OK()
}

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(ws))
	h, err2 := strconv.Atoi(strings.TrimSpace(hs))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	return w, h, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
