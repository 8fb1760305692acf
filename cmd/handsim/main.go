package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/handsim"
	"github.com/bioforge-data/emgrip/internal/monitoring"
)

var (
	listen     = flag.String("listen", "127.0.0.1:9771", "TCP listen address")
	rate       = flag.Int("rate", 40, "EMG sample rate in Hz")
	gestureArg = flag.String("gesture", "REST", "Initially active gesture profile")
	demo       = flag.Bool("demo", false, "Cycle through all gestures automatically")
	demoPeriod = flag.Duration("demo-period", 4*time.Second, "Dwell per gesture in demo mode")
	seed       = flag.Int64("seed", 0, "Noise seed (0 seeds from the clock)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	monitoring.SetDebug(*debug)

	id, ok := gesture.IDByName(strings.ToUpper(*gestureArg))
	if !ok {
		log.Fatalf("unknown gesture %q; known gestures: %s", *gestureArg, strings.Join(gestureNames(), ", "))
	}

	sim, err := handsim.New(handsim.Config{
		Addr:         *listen,
		SampleRateHz: *rate,
		Gesture:      id,
		Demo:         *demo,
		DemoPeriod:   *demoPeriod,
		Seed:         *seed,
	})
	if err != nil {
		log.Fatalf("failed to start simulator: %v", err)
	}
	log.Printf("hand simulator listening on %s (gesture=%s rate=%dHz demo=%v)",
		sim.Addr(), gesture.Name(id), *rate, *demo)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Print("shutting down")
	if err := sim.Close(); err != nil {
		log.Printf("simulator close: %v", err)
	}
}

func gestureNames() []string {
	var names []string
	for _, id := range gesture.IDs() {
		names = append(names, gesture.Name(id))
	}
	return names
}
