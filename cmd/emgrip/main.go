package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bioforge-data/emgrip/internal/api"
	"github.com/bioforge-data/emgrip/internal/config"
	"github.com/bioforge-data/emgrip/internal/db"
	"github.com/bioforge-data/emgrip/internal/devicelink"
	"github.com/bioforge-data/emgrip/internal/engine"
	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/model"
	"github.com/bioforge-data/emgrip/internal/monitoring"
	"github.com/bioforge-data/emgrip/internal/version"
)

var (
	listen      = flag.String("listen", ":8090", "HTTP listen address")
	serialPort  = flag.String("serial", "", "Serial port of the hand controller, e.g. /dev/ttyUSB0")
	tcpAddr     = flag.String("tcp", "", "TCP address of the hand controller or simulator (overrides -serial)")
	modelPath   = flag.String("model", "model.emg.gz", "Path to the trained model bundle")
	tuningPath  = flag.String("tuning", "", "Path to a JSON tuning file (defaults apply when empty)")
	dbFile      = flag.String("db", "emgrip.db", "SQLite session store path (empty disables persistence)")
	record      = flag.Bool("record", false, "Record readings and gesture events into a new session")
	noEngine    = flag.Bool("no-engine", false, "Run the link and API without the inference engine")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const recorderInterval = time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("emgrip %s (%s)\n", version.Version, version.GitSHA)
		return
	}
	monitoring.SetDebug(*debug)

	if *serialPort == "" && *tcpAddr == "" {
		log.Fatal("either -serial or -tcp is required")
	}

	tuning := &config.TuningConfig{}
	if *tuningPath != "" {
		var err error
		tuning, err = config.LoadTuning(*tuningPath)
		if err != nil {
			log.Fatalf("failed to load tuning file: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	linkCfg := devicelink.Config{ReadTimeout: tuning.GetReadTimeout()}
	if *tcpAddr != "" {
		linkCfg.Kind = devicelink.KindTCP
		linkCfg.Addr = *tcpAddr
	} else {
		linkCfg.Kind = devicelink.KindSerial
		linkCfg.Port = *serialPort
		linkCfg.Options = devicelink.PortOptions{BaudRate: tuning.GetBaudRate()}
	}
	link, err := devicelink.Connect(ctx, linkCfg)
	if err != nil {
		log.Fatalf("failed to connect to hand controller: %v", err)
	}
	defer link.Close()

	var store *db.DB
	if *dbFile != "" {
		store, err = db.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open session store: %v", err)
		}
		defer store.Close()
	}

	var eng *engine.Engine
	if !*noEngine {
		bundle, err := model.Load(*modelPath)
		if err != nil {
			log.Fatalf("failed to load model bundle: %v", err)
		}
		eng, err = engine.New(link, bundle, engine.Config{
			WindowSize:     tuning.GetWindowSize(),
			StepSize:       tuning.GetStepSize(),
			SmoothingVotes: tuning.GetSmoothingVotes(),
		})
		if err != nil {
			log.Fatalf("failed to build engine: %v", err)
		}
		if err := eng.Start(ctx); err != nil {
			log.Fatalf("failed to start engine: %v", err)
		}
		log.Printf("engine running: window=%d step=%d votes=%d model=%s",
			tuning.GetWindowSize(), tuning.GetStepSize(), tuning.GetSmoothingVotes(), *modelPath)
	}

	var wg sync.WaitGroup

	if *record {
		if store == nil {
			log.Fatal("-record requires a session store (-db)")
		}
		mode := int(devicelink.ModeControl)
		if *noEngine {
			mode = int(devicelink.ModeCollect)
		}
		sessionID, err := store.CreateSession(mode, gesture.DefaultChannels, "")
		if err != nil {
			log.Fatalf("failed to create session: %v", err)
		}
		log.Printf("recording into session %s", sessionID)

		rec := store.NewRecorder(sessionID, recorderInterval)
		rec.Start()

		wg.Add(1)
		go func() {
			defer wg.Done()
			id, readings := link.SubscribeReadings()
			defer link.UnsubscribeReadings(id)
			for {
				select {
				case r, open := <-readings:
					if !open {
						return
					}
					rec.EnqueueReading(r)
				case <-ctx.Done():
					return
				}
			}
		}()
		if eng != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, gestures := eng.SubscribeGestures()
				defer eng.UnsubscribeGestures(id)
				for {
					select {
					case ev, open := <-gestures:
						if !open {
							return
						}
						rec.EnqueueGestureEvent(ev.At, ev.GestureID, ev.Label, ev.Confidence)
					case <-ctx.Done():
						return
					}
				}
			}()
		}

		defer func() {
			rec.Stop()
			if err := store.EndSession(sessionID); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		var apiEngine api.Engine = eng
		if eng == nil {
			apiEngine = idleEngine{}
		}
		mux := api.NewServer(link, apiEngine, store).ServeMux()
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Fatalf("failed to attach admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	// stop the engine before closing the link so its reset command drains
	if eng != nil {
		eng.Stop()
	}
	wg.Wait()

	if err := link.Close(); err != nil {
		log.Printf("link close: %v", err)
	}
}

// runMigrate handles `emgrip migrate [-db path] <up|down|version|force N>`,
// the maintenance path for inspecting or repairing the store's schema
// version without starting the daemon.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("db", "emgrip.db", "SQLite session store path")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		log.Fatal("usage: emgrip migrate [-db path] <up|down|version|force N>")
	}
	action := rest[0]
	arg := ""
	if len(rest) > 1 {
		arg = rest[1]
	}

	result, err := db.RunMigrateAction(*path, action, arg)
	if err != nil {
		log.Fatalf("migrate %s failed: %v", action, err)
	}
	fmt.Println(result)
}

// idleEngine stands in for the API's engine surface when -no-engine is set.
type idleEngine struct{}

func (idleEngine) Running() bool { return false }

func (idleEngine) State() engine.State {
	return engine.State{GestureID: gesture.Rest, Label: "REST", Angles: gesture.NeutralAngles()}
}

func (idleEngine) Status() engine.Status { return engine.Status{} }

func (idleEngine) SubscribeGestures() (string, chan engine.GestureEvent) {
	return "idle", make(chan engine.GestureEvent)
}

func (idleEngine) UnsubscribeGestures(id string) {}
