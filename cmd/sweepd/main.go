// Command sweepd runs the measurement queue and serves its HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/labsweep/internal/api"
	"github.com/banshee-data/labsweep/internal/config"
	"github.com/banshee-data/labsweep/internal/db"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/plot"
	"github.com/banshee-data/labsweep/internal/queue"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
	"github.com/banshee-data/labsweep/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Lab config file (JSON)")
	devMode    = flag.Bool("dev", false, "Use the simulated station instead of the serial bus")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	queueFile  = flag.String("queue", "", "Queue file (YAML) to load at startup")
	autoStart  = flag.Bool("start", false, "Start the queue as soon as it is loaded")
	watchCfg   = flag.Bool("watch", true, "Reload queue delays when the config file changes")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := config.LoadLabConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	addr := cfg.GetListenAddr()
	if *listen != "" {
		addr = *listen
	}

	clock := timeutil.RealClock{}
	st, err := openStation(cfg, *devMode, clock)
	if err != nil {
		log.Fatalf("failed to open station: %v", err)
	}
	defer st.close()

	dbPath := cfg.GetDatabasePath()
	dataDir := filepath.Dir(dbPath)
	store, err := db.NewStore(sweep.Target{Path: dbPath, Experiment: cfg.GetExperiment(), Sample: cfg.GetSample()},
		db.WithClock(clock))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	live := plot.NewLive(cfg.GetExperiment())
	defer live.Close()
	heatmap := plot.NewHeatmap(cfg.GetExperiment(), "", "")

	saver := &plotSaver{dir: cfg.GetPlotDir(), live: live, heatmap: heatmap, clock: clock}
	saver.setTarget(store.Target())
	onSwitch := func(t sweep.Target) {
		saver.setTarget(t)
		heatmap.Reset()
		monitoring.Logf("[sweepd] now saving to %s (%s/%s)", t.Path, t.Experiment, t.Sample)
	}
	funcs := callables(saver)
	env := sweep.Env{Store: store, Plotter: live, Heatmap: heatmap, Clock: clock}

	q := queue.New(queue.Options{
		InterDelay:      cfg.GetInterDelay(),
		PostSwitchDelay: cfg.GetPostSwitchDelay(),
		PollInterval:    cfg.GetPollInterval(),
		SwitchRetries:   cfg.GetSwitchRetries(),
		Switcher:        store,
		Clock:           clock,
	})
	q.OnComplete(func() {
		if err := saver.save(); err != nil {
			monitoring.Logf("[sweepd] %v", err)
		}
	})

	if *queueFile != "" {
		f, err := queue.LoadFile(*queueFile)
		if err != nil {
			log.Fatalf("failed to load queue file: %v", err)
		}
		actions, err := queue.Import(f.Actions, st.registry, env, funcs, onSwitch)
		if err != nil {
			log.Fatalf("failed to import queue file: %v", err)
		}
		if f.InterDelay > 0 || f.PostSwitchDelay > 0 {
			q.SetDelays(seconds(f.InterDelay), seconds(f.PostSwitchDelay))
		}
		q.Append(actions...)
		log.Printf("loaded %d actions from %s", len(actions), *queueFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if *autoStart && !q.Start(ctx) {
		log.Printf("queue did not start (state %s)", q.State())
	}

	if *watchCfg {
		g.Go(func() error {
			err := config.Watch(ctx, *configPath, config.DefaultDebounce, func(c *config.LabConfig) {
				q.SetDelays(c.GetInterDelay(), c.GetPostSwitchDelay())
				monitoring.Logf("[sweepd] config reloaded: inter_delay=%v post_switch_delay=%v",
					c.GetInterDelay(), c.GetPostSwitchDelay())
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		mux := api.NewServer(api.Config{
			Context:  ctx,
			Queue:    q,
			Registry: st.registry,
			Env:      env,
			Funcs:    funcs,
			OnSwitch: onSwitch,
			Live:     live,
			Heatmap:  heatmap,
			Store:    store,
			DataDir:  dataDir,
			Bus:      st.bus,
		}).ServeMux()
		if err := store.DB().AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes unavailable: %v", err)
		}
		if m, ok := st.bus.(interface{ AttachAdminRoutes(*http.ServeMux) }); ok {
			m.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:              addr,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			log.Printf("listening on %s", addr)
			errc <- server.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		return nil
	})

	// A running sweep is killed so its run is closed before the store.
	g.Go(func() error {
		<-ctx.Done()
		q.Kill()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return q.Wait(waitCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("sweepd stopped: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
