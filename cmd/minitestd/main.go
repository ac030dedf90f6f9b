package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Durian-leader/minitest-oect/internal/config"
	"github.com/Durian-leader/minitest-oect/internal/logging"
	"github.com/Durian-leader/minitest-oect/internal/monitor"
	"github.com/Durian-leader/minitest-oect/internal/observability"
	"github.com/Durian-leader/minitest-oect/internal/pipeline"
	"github.com/Durian-leader/minitest-oect/internal/protocol"
	"github.com/Durian-leader/minitest-oect/internal/storage"
	"github.com/Durian-leader/minitest-oect/internal/syncbar"
	"github.com/Durian-leader/minitest-oect/internal/transport"
	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minitestd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "minitest.toml", "path to daemon config")
	flag.Parse()

	logging.ConfigureRuntime()
	log := observability.InitLogger("minitestd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	coord := syncbar.NewCoordinator()
	driver := pipeline.NewDriver(coord, pipeline.DriverOptions{
		Root:      cfg.StorageRoot,
		QueueSize: cfg.Pipeline.EnvelopeQueue,
		Engine:    workflow.EngineOptions{StepTimeout: cfg.StepTimeout()},
		Unroll:    workflow.UnrollOptions{MaxIterations: cfg.Workflow.MaxLoopIterations},
	}, log)

	for _, dc := range cfg.Devices {
		baud := dc.Baud
		if baud == 0 {
			baud = cfg.Serial.Baud
		}
		dev := transport.NewDevice(dc.ID, transport.PortConfig{
			Name: dc.Port,
			Baud: baud,
		}, transport.DeviceOptions{
			PortGlobs:    cfg.Serial.PortGlobs,
			PollInterval: cfg.PollInterval(),
			ChunkSize:    cfg.Serial.ChunkSize,
		}, log)
		driver.AddDevice(dev)
		if err := driver.ConnectDevice(dc.ID); err != nil {
			log.Warn().Err(err).Str("device", dc.ID).Msg("device not connected at startup")
		}
	}

	aggregator := pipeline.NewAggregator(driver.Envelopes(), pipeline.AggregatorOptions{
		FlushPackets:  cfg.Pipeline.FlushPackets,
		FlushInterval: cfg.FlushInterval(),
		TaskQueueSize: cfg.Pipeline.TaskQueue,
		UIQueueSize:   cfg.Pipeline.UIQueue,
	}, log)
	persister := pipeline.NewPersister(aggregator.Tasks(), aggregator.Acks(), storage.NewStore(), pipeline.PersisterOptions{
		Workers: cfg.Pipeline.SaveWorkers,
		Calibration: protocol.Calibration{
			TransimpedanceOhms: cfg.Calibration.TransimpedanceOhms,
			BiasCurrentOffsetA: cfg.Calibration.BiasCurrentOffsetA,
		},
	}, log)

	server := monitor.NewServer(driver, monitor.Options{
		Addr:        cfg.Monitor.Addr,
		CorsOrigins: cfg.Monitor.CorsOrigins,
	}, log)

	watcher, err := config.NewWatcher(*configPath, cfg, func(next config.Config) {
		aggregator.SetFlushPackets(next.Pipeline.FlushPackets)
		persister.SetCalibration(protocol.Calibration{
			TransimpedanceOhms: next.Calibration.TransimpedanceOhms,
			BiasCurrentOffsetA: next.Calibration.BiasCurrentOffsetA,
		})
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("config watcher disabled")
	} else {
		defer watcher.Close()
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		aggregator.Run()
	}()
	go func() {
		defer wg.Done()
		persister.Run()
	}()
	go func() {
		defer wg.Done()
		server.Relay(aggregator.UI())
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("monitor shutdown")
	}

	// Close the driver last: it stops running tests, then the stages drain
	// in order as their inbound channels close.
	driver.Close()
	wg.Wait()
	log.Info().Msg("stopped")
	return nil
}
