// Package main runs the driver against a simulated sensor.
package main

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/multisense/bus"
	"go.viam.com/multisense/channel/fake"
	"go.viam.com/multisense/components/camera/multisense"
	"go.viam.com/multisense/config"
	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/metrics"
	"go.viam.com/multisense/rimage"
	"go.viam.com/multisense/ros"
	"go.viam.com/multisense/router"
)

const (
	flagWidth     = "width"
	flagHeight    = "height"
	flagColor     = "color"
	flagDisparity = "disparity"
	flagTopics    = "topic"
	flagParams    = "param"
	flagConfig    = "config"
	flagLogFile   = "log-file"
	flagMetrics   = "metrics-addr"
	flagDumpDir   = "dump-dir"
	flagDuration  = "duration"
	flagLogLevel  = "log-level"
)

func main() {
	app := &cli.App{
		Name:  "multisense",
		Usage: "run the stereo driver against a simulated sensor",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: flagWidth, Value: fake.NativeWidth / 2, Usage: "operating width in pixels"},
			&cli.IntFlag{Name: flagHeight, Value: fake.NativeHeight / 2, Usage: "operating height in pixels"},
			&cli.BoolFlag{Name: flagColor, Usage: "simulate a unit with a color left imager"},
			&cli.Float64Flag{Name: flagDisparity, Value: 16, Usage: "constant disparity of the simulated scene in pixels"},
			&cli.StringSliceFlag{
				Name:  flagTopics,
				Value: cli.NewStringSlice(router.TopicLeftRect, router.TopicPoints),
				Usage: "topics to subscribe to",
			},
			&cli.StringSliceFlag{Name: flagParams, Usage: "parameter as `KEY=VALUE`, overrides the parameter file"},
			&cli.PathFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load parameters from JSON5 `FILE` and apply it again whenever it changes",
			},
			&cli.PathFlag{Name: flagLogFile, Usage: "also write logs to `FILE`, rotated by size"},
			&cli.StringFlag{Name: flagMetrics, Usage: "serve prometheus metrics on `ADDR`"},
			&cli.PathFlag{Name: flagDumpDir, Usage: "write received images to `DIR` as ppm"},
			&cli.DurationFlag{Name: flagDuration, Usage: "stop after this long, zero runs until interrupted"},
			&cli.StringFlag{Name: flagLogLevel, Value: "info", Usage: "one of debug, info, warn or error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseParams(values []string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	for _, kv := range values {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.Errorf("parameter %q is not KEY=VALUE", kv)
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params, nil
}

func run(c *cli.Context) error {
	level, err := logging.LevelFromString(c.String(flagLogLevel))
	if err != nil {
		return err
	}
	logger := logging.NewLogger("multisense")
	logger.SetLevel(level)
	if path := c.Path(flagLogFile); path != "" {
		appender, closer := logging.NewFileAppender(path)
		logger.AddAppender(appender)
		defer goutils.UncheckedErrorFunc(closer.Close)
	}
	defer goutils.UncheckedErrorFunc(logger.Sync)

	initial := map[string]interface{}{}
	if path := c.Path(flagConfig); path != "" {
		if initial, err = config.ReadFile(path); err != nil {
			return err
		}
	}
	overrides, err := parseParams(c.StringSlice(flagParams))
	if err != nil {
		return err
	}
	for k, v := range overrides {
		initial[k] = v
	}
	store, err := config.NewStore(initial)
	if err != nil {
		return err
	}
	if path := c.Path(flagConfig); path != "" {
		watcher, err := config.WatchFile(path, store, logger.Sublogger("config"))
		if err != nil {
			return err
		}
		defer goutils.UncheckedErrorFunc(watcher.Close)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration(flagDuration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	clk := clock.New()
	m := metrics.New()
	ch := fake.New(c.Int(flagWidth), c.Int(flagHeight), c.Bool(flagColor))
	b := bus.NewLocal()
	cam, err := multisense.New(ctx, ch, b, store, logger, multisense.Options{Clock: clk, Metrics: m})
	if err != nil {
		return err
	}

	d := &dumper{dir: c.Path(flagDumpDir), logger: logger, counts: map[string]int{}}
	for _, topic := range c.StringSlice(flagTopics) {
		b.Subscribe(topic, d.handle)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch.Run(ctx, clk, c.Float64(flagDisparity))
		return nil
	})
	if addr := c.String(flagMetrics); addr != "" {
		srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	err = g.Wait()
	if closeErr := cam.Close(context.Background()); closeErr != nil {
		logger.Warnw("error closing sensor node", "error", closeErr)
	}
	for topic, n := range d.snapshot() {
		logger.Infow("messages received", "topic", topic, "count", n)
	}
	return err
}

type dumper struct {
	dir    string
	logger logging.Logger
	mu     sync.Mutex
	counts map[string]int
}

func (d *dumper) snapshot() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

func (d *dumper) handle(topic string, msg ros.Message) {
	d.mu.Lock()
	d.counts[topic]++
	d.mu.Unlock()
	if d.dir == "" {
		return
	}
	img, ok := msg.(*ros.Image)
	if !ok || (img.Encoding() != rimage.Mono8 && img.Encoding() != rimage.RGB8) {
		return
	}
	name := fmt.Sprintf("%s_%06d.ppm", strings.ReplaceAll(topic, "/", "_"), img.Seq)
	if err := writePPM(filepath.Join(d.dir, name), img.Image); err != nil {
		d.logger.Warnw("cannot write image", "topic", topic, "error", err)
	}
}

// writePPM writes img as a binary ppm. Nothing is left behind when encoding fails.
func writePPM(path string, img *rimage.Image) (err error) {
	std, err := img.ToStdImage()
	if err != nil {
		return err
	}
	rgba := image.NewRGBA(std.Bounds())
	draw.Draw(rgba, rgba.Bounds(), std, std.Bounds().Min, draw.Src)

	path = filepath.Clean(path)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
		if err != nil {
			err = multierr.Combine(err, os.Remove(path))
		}
	}()
	return ppm.Encode(f, rgba)
}
