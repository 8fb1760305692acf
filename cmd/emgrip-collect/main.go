package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bioforge-data/emgrip/internal/config"
	"github.com/bioforge-data/emgrip/internal/db"
	"github.com/bioforge-data/emgrip/internal/devicelink"
	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/monitoring"
)

var (
	serialPort = flag.String("serial", "", "Serial port of the hand controller")
	tcpAddr    = flag.String("tcp", "", "TCP address of the hand controller or simulator (overrides -serial)")
	dbFile     = flag.String("db", "emgrip.db", "SQLite store for labeled windows")
	gestures   = flag.String("gestures", "REST,FIST,PINCH,POINT,OPEN_SPREAD", "Comma-separated gesture labels to collect")
	reps       = flag.Int("reps", 5, "Repetitions per gesture")
	windows    = flag.Int("windows", 20, "Feature windows to capture per repetition")
	restGap    = flag.Duration("rest", 3*time.Second, "Rest pause between repetitions")
	tuningPath = flag.String("tuning", "", "Path to a JSON tuning file")
	notes      = flag.String("notes", "training capture", "Session notes")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	monitoring.SetDebug(*debug)

	if *serialPort == "" && *tcpAddr == "" {
		log.Fatal("either -serial or -tcp is required")
	}

	targets, err := parseGestures(*gestures)
	if err != nil {
		log.Fatal(err)
	}

	tuning := &config.TuningConfig{}
	if *tuningPath != "" {
		tuning, err = config.LoadTuning(*tuningPath)
		if err != nil {
			log.Fatalf("failed to load tuning file: %v", err)
		}
	}
	windowSize := tuning.GetWindowSize()
	stepSize := tuning.GetStepSize()

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

	store, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	sessionID, err := store.CreateSession(int(devicelink.ModeCollect), gesture.DefaultChannels, *notes)
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	defer func() {
		if err := store.EndSession(sessionID); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}()

	// servos hold position during collection
	link.SetMode(devicelink.ModeCollect)

	extractor := emg.NewExtractor(0)
	total := 0
	for _, id := range targets {
		for rep := 0; rep < *reps; rep++ {
			if ctx.Err() != nil {
				log.Print("interrupted; session saved up to this point")
				return
			}
			fmt.Printf("\n=== %s, repetition %d/%d: hold the gesture ===\n", gesture.Name(id), rep+1, *reps)

			n, err := captureRep(ctx, link, store, extractor, sessionID, id, rep, windowSize, stepSize)
			if err != nil {
				log.Fatalf("capture failed: %v", err)
			}
			total += n
			fmt.Printf("captured %d windows; relax\n", n)

			select {
			case <-time.After(*restGap):
			case <-ctx.Done():
			}
		}
	}
	fmt.Printf("\ndone: %d labeled windows across %d gestures in session %s\n", total, len(targets), sessionID)
}

// captureRep fills a sliding window from the live stream and stores one
// feature vector every stepSize readings until the target count is reached.
func captureRep(ctx context.Context, link *devicelink.Link, store *db.DB, extractor *emg.Extractor,
	sessionID string, gestureID, rep, windowSize, stepSize int) (int, error) {

	subID, readings := link.SubscribeReadings()
	defer link.UnsubscribeReadings(subID)

	buffer := emg.NewSampleBuffer(windowSize)
	captured := 0
	sinceLast := 0
	for captured < *windows {
		select {
		case <-ctx.Done():
			return captured, nil
		case r, open := <-readings:
			if !open {
				return captured, fmt.Errorf("link closed mid-capture")
			}
			buffer.Append(r)
			sinceLast++
			if buffer.Len() < windowSize || sinceLast < stepSize {
				continue
			}
			window, ok := buffer.ChannelMajor(windowSize)
			if !ok {
				continue
			}
			features, err := extractor.Extract(window)
			if err != nil {
				return captured, fmt.Errorf("feature extraction: %w", err)
			}
			if err := store.InsertLabeledWindow(sessionID, gestureID, rep, features); err != nil {
				return captured, fmt.Errorf("store window: %w", err)
			}
			captured++
			sinceLast = 0
		}
	}
	return captured, nil
}

func parseGestures(list string) ([]int, error) {
	var ids []int
	for _, name := range strings.Split(list, ",") {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		id, ok := gesture.IDByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown gesture %q", name)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no gestures given")
	}
	return ids, nil
}
