package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("turnupd v%s\n", version)
	fmt.Println("USB mixer knob daemon for PipeWire/PulseAudio volume control")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  turnupd [OPTIONS]")
	fmt.Println("  turnupd send [OPTIONS] <event-json>")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that bridges a USB serial knob/button deck to PipeWire or")
	fmt.Println("  PulseAudio volume control, with LED volume feedback, a web config")
	fmt.Println("  editor, and a Unix-socket control interface.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        Config file path (default %q)\n", DefaultConfigPath())
	fmt.Println()
	fmt.Println("  -port string")
	fmt.Println("        Serial device path (overrides config)")
	fmt.Println()
	fmt.Println("  -baud int")
	fmt.Println("        Serial baud rate (overrides config)")
	fmt.Println()
	fmt.Println("  -ui-listen string")
	fmt.Println("        Config editor HTTP listen address (overrides config; empty disables)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (overrides config; empty disables)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (overrides config)")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  send")
	fmt.Println("        Send one JSON event to a running daemon over the IPC socket")
	fmt.Println("        Options: -ipc-socket")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start daemon with default settings")
	fmt.Println("  turnupd")
	fmt.Println()
	fmt.Println("  # Custom device and verbose logging")
	fmt.Println("  turnupd -port /dev/ttyACM1 -log-level debug")
	fmt.Println()
	fmt.Println("  # Set the default sink to 40% from a script")
	fmt.Println(`  turnupd send '{"type":"set_volume","data":{"kind":"sink","percent":40}}'`)
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read/write access to the serial device (add user to 'dialout')")
	fmt.Println("  - PipeWire users need pipewire-pulse for the native protocol socket")
	fmt.Println("  - The config file hot-reloads on save; no restart needed")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "send" {
		runSendSubcommand()
		return
	}

	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", DefaultConfigPath(), "Config file path")
		portFlag    = flag.String("port", "", "Serial device path (overrides config)")
		baudRate    = flag.Int("baud", 0, "Serial baud rate (overrides config)")
		uiListen    = flag.String("ui-listen", "", "Config editor HTTP listen address (overrides config)")
		ipcSocket   = flag.String("ipc-socket", "", "Unix domain socket path for IPC (overrides config)")
		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug (overrides config)")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Load config; a missing file on the default path gets created so first
	// run leaves something to edit.
	cfg, err := LoadConfigFile(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = DefaultConfig()
		if werr := WriteConfigFile(*configPath, cfg); werr != nil {
			fmt.Fprintln(os.Stderr, "warning: could not write default config:", werr)
		}
	}

	overrides := FlagOverrides{}
	if *portFlag != "" {
		overrides.Port = portFlag
	}
	if *baudRate != 0 {
		overrides.Baud = baudRate
	}
	if *uiListen != "" {
		overrides.UIListen = uiListen
	}
	if *ipcSocket != "" {
		overrides.IPCPath = ipcSocket
	}
	if *logLevelStr != "" {
		overrides.LogLevel = logLevelStr
	}
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	logger.Info("starting turnupd",
		"version", version,
		"config", *configPath,
		"port", cfg.Port,
		"baud", cfg.Baud,
		"ui_listen", cfg.UI.Listen,
		"ipc_socket", cfg.IPC.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan Event, eventQueueSize)
	cmds := make(chan Command, commandQueueSize)
	broadcasts := make(chan StateBroadcast, 64)

	store := NewConfigStore(cfg, *configPath, events, logger)
	backend := NewPulseBackend(cfg.Backend.Server, logger)
	defer backend.Close()

	conn := &serialConn{}
	wsServer := NewWSServer(logger, events, HubConfig{})

	deps := effectDeps{
		backend: backend,
		leds:    conn,
		reload:  store.Reload,
		timeout: func() time.Duration {
			return time.Duration(store.Current().Backend.TimeoutMS) * time.Millisecond
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runDaemon(gctx, events, cmds, broadcasts, store, logger) })
	g.Go(func() error { return runEffects(gctx, cmds, deps, events, logger) })
	g.Go(func() error { return runSerial(gctx, store, conn, events, logger) })
	g.Go(func() error { return store.Watch(gctx) })
	g.Go(func() error {
		wsServer.Hub().Run(gctx)
		return gctx.Err()
	})
	g.Go(func() error {
		RunBroadcaster(gctx, wsServer.Hub(), broadcasts, logger)
		return gctx.Err()
	})
	g.Go(func() error { return runUIServer(gctx, store, backend, wsServer, logger) })

	if cfg.IPC.SocketPath != "" {
		g.Go(func() error { return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func printSendUsage() {
	fmt.Printf("turnupd send v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  turnupd send [OPTIONS] <event-json>")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Sends one JSON event envelope to a running daemon over its Unix")
	fmt.Println("  socket. Useful from scripts and desktop keybindings.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path (default \"/tmp/turnupd.sock\")")
	fmt.Println()
	fmt.Println("EVENTS:")
	fmt.Println(`  {"type":"set_volume","data":{"kind":"sink|source|app","target":"...","percent":40}}`)
	fmt.Println(`  {"type":"toggle_mute","data":{"kind":"sink|source","target":"..."}}`)
	fmt.Println(`  {"type":"reload_config"}`)
	fmt.Println(`  {"type":"request_snapshot"}   (prints the daemon's current state)`)
	fmt.Println()
}

// runSendSubcommand implements "turnupd send": parse the event, round-trip
// it through the daemon's IPC socket, report the result.
func runSendSubcommand() {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	ipcSocket := fs.String("ipc-socket", "/tmp/turnupd.sock", "Unix domain socket path")
	showHelp := fs.Bool("help", false, "Print help message")
	fs.Usage = printSendUsage
	fs.Parse(os.Args[2:])

	if *showHelp {
		printSendUsage()
		return
	}
	if fs.NArg() != 1 {
		printSendUsage()
		os.Exit(2)
	}

	raw := []byte(fs.Arg(0))

	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Type == "request_snapshot" {
		snap, err := RequestIPCSnapshot(*ipcSocket)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	event, err := UnmarshalEvent(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if err := SendIPCEvent(*ipcSocket, event); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
