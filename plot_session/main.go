// Command plot_session renders the cycles recorded by closed_loop -record
// as PNG charts, one set per session.
package main

import (
	"context"
	"flag"
	"os"

	"gonum.org/v1/plot/vg"

	"mpc-path-tracker/closed_loop/recording"
	"mpc-path-tracker/utils"
)

func main() {
	var (
		dbPath  = flag.String("db", "cycles.db", "Recording database written by closed_loop -record")
		session = flag.String("session", "", "Session id to plot (all sessions when empty)")
		outDir  = flag.String("out", ".", "Output directory for PNG files")
		width   = flag.Float64("width", 12, "Plot width in inches")
		height  = flag.Float64("height", 5, "Plot height in inches")
		logLvl  = flag.String("log", "info", "trace|debug|info|warn|error|critical")
	)
	flag.Parse()

	log := utils.NewLogger(os.Stdout, utils.ParseLevel(*logLvl))

	rec, err := recording.Open(*dbPath)
	if err != nil {
		log.Critical("Open %s: %v", *dbPath, err)
		os.Exit(1)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Error("Close: %v", err)
		}
	}()

	ctx := context.Background()
	sessions := []string{*session}
	if *session == "" {
		if sessions, err = rec.Sessions(ctx); err != nil {
			log.Critical("List sessions: %v", err)
			os.Exit(1)
		}
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Critical("Create %s: %v", *outDir, err)
		os.Exit(1)
	}

	failed := false
	for _, id := range sessions {
		cycles, err := rec.LoadCycles(ctx, id)
		if err != nil {
			log.Error("Load %s: %v", id, err)
			failed = true
			continue
		}
		files, err := renderSession(cycles, *outDir, id, vg.Length(*width)*vg.Inch, vg.Length(*height)*vg.Inch)
		if err != nil {
			log.Error("Render %s: %v", id, err)
			failed = true
			continue
		}
		log.Info("Session %s: %d cycles -> %v", id, len(cycles), files)
	}
	if failed {
		os.Exit(1)
	}
}
