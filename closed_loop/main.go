package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"mpc-path-tracker/utils"
)

func main() {
	var (
		addr       = flag.String("addr", ":4567", "Listen address for the simulator websocket")
		configPath = flag.String("config", "", "Controller config JSON (defaults when empty)")
		logLevel   = flag.String("log", "info", "trace|debug|info|warn|error|critical")
		logFile    = flag.String("logfile", "closed_loop.log", "Log file path")
		canIface   = flag.String("can-iface", "", "SocketCAN interface for the command mirror (disabled when empty)")
		canMap     = flag.String("can-map", "config/can/actuator_map.csv", "Path to the actuator CAN map CSV")
		canFrame   = flag.String("can-frame", "ACTUATOR_CMD_1", "Frame name to transmit")
		recordPath = flag.String("record", "", "SQLite file for per-cycle records (disabled when empty)")
	)
	flag.Parse()

	log, err := utils.NewFileLogger(*logFile, utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + *logFile + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	cfg := RunnerConfig{
		Addr:         *addr,
		ConfigPath:   *configPath,
		CANInterface: *canIface,
		CANMapPath:   *canMap,
		CANFrame:     *canFrame,
		RecordPath:   *recordPath,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.Error("Shutdown: %v", err)
		}
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}
