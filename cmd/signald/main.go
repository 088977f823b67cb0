// Command signald runs the adaptive signal controller: it ingests lane
// detections, drives the phase scheduler of every configured intersection,
// simulates handoff between them and pushes signal commands to the
// controllers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/signal.control/internal/actuator"
	"github.com/banshee-data/signal.control/internal/api"
	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/detect"
	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/statusrpc"
	"github.com/banshee-data/signal.control/internal/timeutil"
	"github.com/banshee-data/signal.control/internal/version"
)

var (
	configPath      = flag.String("config", "", "Path to the JSON network configuration")
	lanesPath       = flag.String("lanes", "", "Path to a legacy lanes.json polygon file (single intersection)")
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen      = flag.String("grpc-listen", ":50051", "gRPC status stream listen address (empty disables)")
	dbPath          = flag.String("db", "signal.db", "SQLite database path (empty disables persistence)")
	devMode         = flag.Bool("dev", false, "Feed synthetic detections instead of waiting for a detector")
	disableActuator = flag.Bool("disable-actuator", false, "Log signal commands instead of sending them to controllers")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: signald [flags]\n       signald migrate <action>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println("signald", version.String())
		return
	}

	if flag.NArg() > 0 {
		if flag.Arg(0) != "migrate" {
			flag.Usage()
			os.Exit(2)
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	clock := timeutil.RealClock{}

	// bridges and dispatchers come first so the schedulers can emit into them
	// from their first transition
	client := httputil.NewStandardClient(nil)
	dispatchers := make(map[string]*actuator.Dispatcher, len(cfg.Intersections))
	reach := make(map[string]api.Reachability)
	var bridges []actuator.Bridge
	var serialBridges []*actuator.SerialBridge
	for i := range cfg.Intersections {
		ic := &cfg.Intersections[i]
		var b actuator.Bridge
		if *disableActuator {
			b = actuator.OpenDryRun(ic)
		} else if b, err = actuator.Open(ic, client); err != nil {
			log.Fatalf("failed to open actuator: %v", err)
		}
		bridges = append(bridges, b)
		if sb, ok := b.(*actuator.SerialBridge); ok {
			serialBridges = append(serialBridges, sb)
		}
		d := actuator.NewDispatcher(ic.ID, b,
			actuator.WithSendTimeout(ic.Actuator.GetTimeout()),
			actuator.WithDispatchClock(clock),
		)
		dispatchers[ic.ID] = d
		if ic.ActuatorKind() != config.ActuatorDisabled && !*disableActuator {
			reach[ic.ID] = d
		}
		log.Printf("intersection %s: actuator %s (dry run: %t)", ic.ID, ic.ActuatorKind(), *disableActuator)
	}
	defer func() {
		for _, b := range bridges {
			if err := b.Close(); err != nil {
				log.Printf("failed to close actuator: %v", err)
			}
		}
	}()

	network, err := handoff.BuildNetwork(cfg, handoff.Options{
		Clock: clock,
		Emitter: func(id string) intersection.Emitter {
			if d, ok := dispatchers[id]; ok {
				return d
			}
			return nil
		},
	})
	if err != nil {
		log.Fatalf("failed to build intersection network: %v", err)
	}

	sim, err := handoff.NewSimulator(network, handoff.EdgesFromConfig(cfg.Handoffs), cfg.Timing.GetSimTick(), clock)
	if err != nil {
		log.Fatalf("failed to build handoff simulator: %v", err)
	}

	ingest, err := detect.NewIngest(network, clock)
	if err != nil {
		log.Fatalf("failed to build detection ingest: %v", err)
	}

	var store *db.DB
	var recorder *db.Recorder
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		recorder = db.NewRecorder(store, network,
			cfg.Timing.GetSnapshotInterval(), cfg.Timing.GetSnapshotRetention(), clock)
		for _, d := range dispatchers {
			d.OnResult(recorder.Observe)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s stopped: %v", name, err)
				return
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	for _, d := range dispatchers {
		run("dispatcher "+d.Intersection(), d.Run)
	}
	for _, sb := range serialBridges {
		run("serial monitor", sb.Mux().Monitor)
		run("serial watch", func(ctx context.Context) error {
			sb.Watch(ctx)
			return nil
		})
	}
	for _, in := range network.All() {
		run("scheduler "+in.ID, in.Scheduler.Run)
		run("occupancy "+in.ID, func(ctx context.Context) error {
			return in.Tracker.Run(ctx, clock, cfg.Timing.GetSchedulerResolution())
		})
	}
	if len(sim.Edges()) > 0 {
		run("handoff", sim.Run)
	}
	if recorder != nil {
		run("recorder", recorder.Run)
	}
	if *devMode {
		feed := detect.NewSynthetic(ingest, network, 0, 0, uint64(time.Now().UnixNano()), clock)
		run("synthetic feed", feed.Run)
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(network, ingest, api.Options{
			DB:           store,
			Reachability: reach,
			Clock:        clock,
		}).ServeMux()
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}
		// the debug pages are registered once, so only the first serial line
		// gets them; under -disable-actuator that is the dry-run history page
		if len(serialBridges) > 0 {
			serialBridges[0].Mux().AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", *listen)
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

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
		}
		gs := grpc.NewServer()
		statusrpc.RegisterService(gs, statusrpc.NewServer(network, clock, 0))

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC status stream listening on %s", *grpcListen)
			if err := gs.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			// Watch streams end when their contexts are cancelled by Stop
			gs.Stop()
			log.Printf("gRPC server stopped")
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig prefers -config and falls back to a legacy -lanes file.
func loadConfig() (*config.Config, error) {
	switch {
	case *configPath != "":
		return config.Load(*configPath)
	case *lanesPath != "":
		return config.LoadLaneFile(*lanesPath)
	default:
		return nil, errors.New("one of -config or -lanes is required")
	}
}
