package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rahul/seqlab/internal/engine"
	"github.com/rahul/seqlab/internal/export"
	"github.com/rahul/seqlab/internal/observability"
	"github.com/rahul/seqlab/internal/plugins"
	"github.com/rahul/seqlab/internal/sequence"
	"github.com/rahul/seqlab/internal/store"
	"github.com/rahul/seqlab/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the application config file")
	runPath := flag.String("run", "", "execute the sequence definition file")
	listPlugins := flag.Bool("list-plugins", false, "list the available plugins and exit")
	listSequences := flag.Bool("list-sequences", false, "list the stored sequences and exit")
	exportCSV := flag.String("export-csv", "", "export a stored sequence to CSV and exit")
	deleteSeq := flag.String("delete", "", "delete a stored sequence and exit")
	writeDemo := flag.String("write-demo", "", "write a demo sequence definition file and exit")
	flag.Parse()

	cfg := config.LoadConfig(*configPath)

	registry := plugins.NewRegistry(cfg.Plugins.ConfigDir)
	plugins.RegisterBuiltins(registry)
	registry.Discover()

	if *listPlugins {
		for _, info := range registry.Available() {
			fmt.Printf("%-22s v%-5s %-12s %2d params  %s\n",
				info.Name, info.Version, info.Type, info.ParameterCount, info.Description)
		}
		return
	}

	if *writeDemo != "" {
		if err := demoSequence().SaveToFile(*writeDemo); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("demo sequence written to %s\n", *writeDemo)
		return
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	switch {
	case *listSequences:
		names, err := db.GetAllSequences()
		if err != nil {
			log.Fatal(err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return

	case *exportCSV != "":
		points, err := db.GetSequenceData(*exportCSV)
		if err != nil {
			log.Fatal(err)
		}
		if err := os.MkdirAll(cfg.Export.Dir, 0755); err != nil {
			log.Fatal(err)
		}
		out := filepath.Join(cfg.Export.Dir, *exportCSV+".csv")
		if err := export.ToCSV(points, out); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("exported %d points to %s\n", len(points), out)
		return

	case *deleteSeq != "":
		if err := db.DeleteSequence(*deleteSeq); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("deleted sequence %s\n", *deleteSeq)
		return
	}

	if *runPath == "" {
		flag.Usage()
		return
	}

	runSequence(cfg, *configPath, registry, db, *runPath)
}

func runSequence(cfg *config.Config, configPath string, registry *plugins.Registry, db *store.Store, path string) {
	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	logger := observability.NewLogger()

	eng := engine.New(registry, db, engine.Options{SettleDelay: cfg.SettleDelay()})

	seq, err := eng.LoadSequence(path)
	if err != nil {
		fail(err)
	}
	if len(seq.Points) == 0 {
		seq.GeneratePoints()
	}

	cfg.AddRecentSequence(path)
	if err := cfg.Save(configPath); err != nil {
		log.Printf("could not update config: %v", err)
	}

	wireEvents(eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Live dashboard, repainted at the configured status poll interval.
	go func() {
		ticker := time.NewTicker(cfg.PollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	if err := eng.Start(); err != nil {
		fail(err)
	}

	select {
	case <-ctx.Done():
		// Cooperative stop: the in-flight point completes first.
		eng.Stop()
		<-eng.Done()
	case <-eng.Done():
	}

	observability.CleanupTerminal()
	log.SetOutput(os.Stderr)
	log.Printf("final state: %s", eng.State())
}

func fail(err error) {
	observability.CleanupTerminal()
	log.SetOutput(os.Stderr)
	log.Fatal(err)
}

func wireEvents(eng *engine.Engine, logger *observability.Logger) {
	eng.Subscribe(engine.EventStart, func(ev engine.Event) {
		observability.SetStatus(observability.StateRunning, ev.Sequence.Name)
		observability.SetProgress(0, len(ev.Sequence.Points))
		observability.Heartbeat()
		logger.LogSequenceStart(ev.RunID, ev.Sequence.Name, len(ev.Sequence.Points))
	})
	eng.Subscribe(engine.EventPointComplete, func(ev engine.Event) {
		logger.LogPointComplete(ev.RunID, ev.Sequence.Name, ev.Point.Name, ev.Point.Parameters, len(ev.Point.Results))
	})
	eng.Subscribe(engine.EventProgress, func(ev engine.Event) {
		observability.SetProgress(ev.Index, ev.Total)
		observability.Heartbeat()
		logger.LogProgress(ev.RunID, ev.Index, ev.Total, ev.Percent)
	})
	eng.Subscribe(engine.EventComplete, func(ev engine.Event) {
		observability.SetStatus(observability.StateCompleted, ev.Sequence.Name)
		logger.LogSequenceComplete(ev.RunID, ev.Sequence.Name)
	})
	eng.Subscribe(engine.EventError, func(ev engine.Event) {
		observability.SetStatus(observability.StateError, "")
		logger.LogSequenceError(ev.RunID, "", ev.Err)
	})
}

// demoSequence builds a small two-range sweep exercising the simulated
// instruments and the statistics processor.
func demoSequence() *sequence.Sequence {
	seq := sequence.New("demo_sweep", "temperature/voltage demo sweep")
	seq.AddParameterRange(sequence.ParameterRange{ParameterName: "temperature", Start: 25, End: 75, Steps: 6, Unit: "°C"})
	seq.AddParameterRange(sequence.ParameterRange{ParameterName: "voltage", Start: 0, End: 5, Steps: 3, Unit: "V"})
	seq.ActivePlugins = []string{"TemperatureSensor", "ElectricalMeter"}
	seq.ProcessingPlugins = []string{"StatisticsProcessor"}
	seq.GeneratePoints()
	return seq
}
