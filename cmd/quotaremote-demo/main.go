// Command quotaremote-demo wires a quota.Keeper, a bandwidth.Checker and a
// disk-backed ContentStore together behind a small HTTP surface, the way
// the teacher's main.go wires cache/disk.Cache and server.Server together.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/buchgr/quota-remote/bandwidth"
	"github.com/buchgr/quota-remote/config"
	"github.com/buchgr/quota-remote/metric/prometheus"
	"github.com/buchgr/quota-remote/quota"
	"github.com/buchgr/quota-remote/store/diskstore"
	"github.com/buchgr/quota-remote/utils/idle"
)

const logFlags = log.Ldate | log.Ltime | log.LUTC

func main() {
	log.SetFlags(logFlags)
	log.Printf("quotaremote-demo built with %s.", runtime.Version())

	app := cli.NewApp()
	app.Name = "quotaremote-demo"
	app.Usage = "run the quota engine against a local directory"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config_file", Usage: "path to a YAML config file"},
		&cli.StringFlag{Name: "dir", Usage: "directory to store content under", Value: "/tmp/quotaremote"},
		&cli.Uint64Flag{Name: "max_size", Usage: "hard size limit in bytes", Value: 1 << 30},
		&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
		&cli.IntFlag{Name: "port", Value: 8089},
		&cli.DurationFlag{Name: "idle_timeout", Usage: "shut down once no HTTP request has arrived for this long; 0 disables it"},
		&cli.DurationFlag{Name: "calibrate_interval", Usage: "how often to recalibrate elastic rules; 0 disables periodic calibration", Value: 5 * time.Minute},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("quotaremote-demo terminated: %v", err)
	}
}

func run(ctx *cli.Context) error {
	var cfg *config.Config
	var err error

	if path := ctx.String("config_file"); path != "" {
		cfg, err = config.NewFromYamlFile(path)
	} else {
		hard := ctx.Uint64("max_size")
		cfg, err = config.New(config.YamlConfig{
			QuotaKeeper: config.QuotaKeeperConfig{
				MaxSizeQuota: &config.Quota{
					Target: hard * 80 / 100,
					Soft:   hard * 90 / 100,
					Hard:   hard,
				},
			},
			Bandwidth: config.BandwidthCheckerConfig{Interval: bandwidth.Default().Interval},
		})
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}

	dir := ctx.String("dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("creating %s: %v", dir, err), 1)
	}
	store, err := diskstore.New(dir)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	rules, err := buildRules(cfg.QuotaKeeper)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	collector := prometheus.NewCollector()

	keeper, err := quota.New(store, rules,
		quota.WithLogger(cfg.AccessLogger),
		quota.WithErrorLogger(cfg.ErrorLogger),
		quota.WithMetricsCollector(collector),
	)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := keeper.Start(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer keeper.Shutdown(context.Background())

	if interval := ctx.Duration("calibrate_interval"); interval > 0 {
		go runPeriodicCalibration(keeper.ShutdownStartedToken(), keeper, interval, cfg.ErrorLogger)
	}

	var limitSource bandwidth.LimitSource = bandwidth.NewHistoricalLimitSource(historyRecords(cfg.Bandwidth))
	if cfg.Bandwidth.MinimumMBPerS != nil {
		limitSource = bandwidth.ConstantLimitSource{MBPerS: *cfg.Bandwidth.MinimumMBPerS}
	}
	checker := bandwidth.New(toBandwidthConfig(cfg.Bandwidth), limitSource,
		bandwidth.WithLogger(cfg.AccessLogger),
		bandwidth.WithErrorLogger(cfg.ErrorLogger),
	)
	_ = checker // built from the config; the demo's HTTP surface does not use it

	mux := http.NewServeMux()
	prometheus.WrapEndpoints(mux, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "current_size: %d\npeak_size: %d\n", keeper.CurrentSize(), keeper.PeakSize())
	})

	addr := fmt.Sprintf("%s:%d", ctx.String("host"), ctx.Int("port"))
	srv := &http.Server{Addr: addr, Handler: mux}

	if timeout := ctx.Duration("idle_timeout"); timeout > 0 {
		tearDown := make(chan struct{})
		timer := idle.NewTimer(timeout, tearDown)
		srv.Handler = resetOnRequest(timer, mux)
		timer.Start()
		go func() {
			<-tearDown
			cfg.AccessLogger.Printf("idle for %s, shutting down", timeout)
			keeper.Shutdown(context.Background())
			srv.Shutdown(context.Background())
		}()
	}

	cfg.AccessLogger.Printf("listening on %s, storing content under %s", addr, dir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runPeriodicCalibration is the reference answer to the open question of
// when to calibrate: nothing in quota.Keeper self-schedules it, so a
// caller that wants elastic rules to track recent pin sizes over time
// ticks Calibrate itself, stopping once shutdown begins.
func runPeriodicCalibration(shutdownToken context.Context, keeper *quota.Keeper, interval time.Duration, errorLog *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdownToken.Done():
			return
		case <-ticker.C:
			if err := keeper.Calibrate(context.Background()); err != nil {
				errorLog.Printf("periodic calibrate: %v", err)
			}
		}
	}
}

// resetOnRequest resets timer on every request before delegating to next,
// so live traffic keeps postponing the idle shutdown.
func resetOnRequest(timer *idle.Timer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer.Reset()
		next.ServeHTTP(w, r)
	})
}

func historyRecords(c config.BandwidthCheckerConfig) int {
	if c.HistoryRecords != nil {
		return *c.HistoryRecords
	}
	return 16
}

func toBandwidthConfig(c config.BandwidthCheckerConfig) bandwidth.Config {
	return bandwidth.Config{
		Interval:       c.Interval,
		MinimumMBPerS:  c.MinimumMBPerS,
		MaxCapMBPerS:   c.MaxCapMBPerS,
		Multiplier:     c.Multiplier,
		HistoryRecords: c.HistoryRecords,
	}
}

func buildRules(c config.QuotaKeeperConfig) ([]quota.Rule, error) {
	var rules []quota.Rule

	if c.MaxSizeQuota != nil {
		q := c.MaxSizeQuota
		rules = append(rules, quota.NewMaxSizeRule(
			quota.Quota{Target: q.Target, Soft: q.Soft, Hard: q.Hard},
			c.HardLimitMultiplier,
		))
	}

	if c.DiskFreePercentQuota != nil {
		q := c.DiskFreePercentQuota
		rules = append(rules, quota.NewDiskFreePercentRule(
			diskstore.Filesystem{}, "/", q.Target, q.Soft, q.Hard,
		))
	}

	if c.EnableElasticity {
		rules = append(rules, quota.NewElasticRule(noopPinSizeHistory{}, c.InitialElasticSize))
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("no quota rules configured")
	}
	return rules, nil
}

// noopPinSizeHistory is a placeholder PinSizeHistory for the demo binary,
// which has no real pinned-artifact registry: Calibrate becomes a no-op
// until a real history source is wired in.
type noopPinSizeHistory struct{}

func (noopPinSizeHistory) ReadHistory() ([]uint64, error) { return nil, nil }
