package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/positioning.control/internal/adc"
	"github.com/banshee-data/positioning.control/internal/api"
	"github.com/banshee-data/positioning.control/internal/config"
	"github.com/banshee-data/positioning.control/internal/control"
	"github.com/banshee-data/positioning.control/internal/db"
	"github.com/banshee-data/positioning.control/internal/httputil"
	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/opcua"
	"github.com/banshee-data/positioning.control/internal/serialmux"
	"github.com/banshee-data/positioning.control/internal/telemetry"
	"github.com/banshee-data/positioning.control/internal/timeutil"
	"github.com/banshee-data/positioning.control/internal/version"
	"github.com/banshee-data/positioning.control/internal/zaber"
)

// adcBaudRate is what the ADC bridge firmware is flashed with.
const adcBaudRate = 9600

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "watch" {
		if err := watch(ctx, os.Args[2:], os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	opts, err := parseFlags(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	if opts.version {
		fmt.Printf("positioning %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	monitoring.SetVerbose(opts.verbose)

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig seeds the database from the TOML file on first boot and then
// returns the stored configuration.
func loadConfig(d *db.DB, seedPath string) (config.Config, error) {
	seed, found, err := config.LoadTOML(seedPath)
	if err != nil {
		return config.Config{}, err
	}
	seeded, err := d.SeedConfig(seed)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to seed configuration: %w", err)
	}
	if seeded {
		if found {
			log.Printf("configuration seeded from %s", seedPath)
		} else {
			log.Printf("configuration seeded with defaults")
		}
	}

	cfg, ok, err := d.LoadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !ok {
		cfg = config.Defaults()
	}
	return cfg, nil
}

// openStage returns the Zaber serial mux, backed by the simulator when
// mock_zaber is set.
func openStage(cfg config.Config, clock timeutil.Clock) (serialmux.SerialMuxInterface, error) {
	if cfg.MockZaber {
		log.Printf("using simulated Zaber stage")
		return serialmux.NewSerialMux(zaber.NewSimulator(clock)), nil
	}
	m, err := serialmux.NewRealSerialMux(cfg.SerialDevice, serialmux.PortOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open stage port %s: %w", cfg.SerialDevice, err)
	}
	return m, nil
}

func run(ctx context.Context, opts options) error {
	d, err := db.NewDB(opts.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer d.Close()

	cfg, err := loadConfig(d, opts.seedPath)
	if err != nil {
		return err
	}

	clock := timeutil.RealClock{}
	stage, err := openStage(cfg, clock)
	if err != nil {
		return err
	}
	defer stage.Close()
	port := zaber.NewPort(stage, opts.replyTimeout)
	defer port.Close()

	var (
		voltages adc.Source
		adcMux   serialmux.SerialMuxInterface
		adcSrc   *adc.SerialSource
	)
	if cfg.MockADC {
		log.Printf("using simulated ADC")
		voltages = adc.NewMockSource([2]float64{})
	} else {
		m, err := serialmux.NewRealSerialMux(cfg.ADCSerialDevice, serialmux.PortOptions{BaudRate: adcBaudRate})
		if err != nil {
			return fmt.Errorf("failed to open adc port %s: %w", cfg.ADCSerialDevice, err)
		}
		defer m.Close()
		adcMux = m
		adcSrc = adc.NewSerialSource(m, clock, opts.adcWindow, opts.adcStale)
		voltages = adcSrc
	}

	broadcaster := telemetry.NewBroadcaster(telemetry.DefaultHistory)
	ctrl, err := control.New(control.Options{
		Config:    cfg,
		Driver:    zaber.NewDevice(port, clock),
		Voltages:  voltages,
		Store:     d,
		Journal:   d,
		Publisher: broadcaster,
		Clock:     clock,
	})
	if err != nil {
		return fmt.Errorf("invalid stored configuration: %w", err)
	}

	// the stage port outlives ctx so the control loop can stop the axes
	// on the way out
	stageCtx, stopStage := context.WithCancel(context.Background())
	defer stopStage()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stage.Monitor(stageCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor stage port: %v", err)
		}
		log.Print("stage monitor routine terminated")
	}()

	if adcSrc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adcMux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor adc port: %v", err)
				ctrl.ReportError(context.Background(), fmt.Errorf("adc: %w", err))
			}
			log.Print("adc monitor routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adcSrc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				ctrl.ReportError(context.Background(), fmt.Errorf("adc: %w", err))
			}
			log.Print("adc routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
		stopStage()
		log.Print("control loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(ctrl, d, broadcaster, opcua.NewMirror(httputil.NewStandardClient(opcua.DefaultBridgeTimeout)))
		mux := srv.ServeMux()
		srv.AttachAdminRoutes(mux)
		stage.AttachAdminRoutes(mux, "zaber")
		if adcMux != nil {
			adcMux.AttachAdminRoutes(mux, "adc")
		}
		d.AttachAdminRoutes(mux)

		listen := opts.listen
		if listen == "" {
			listen = fmt.Sprintf(":%d", cfg.WebPort)
		}
		server := &http.Server{
			Addr:    listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	return nil
}
