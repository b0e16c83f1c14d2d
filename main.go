// connman-sessiond manages the ConnMan session for a headless appliance:
// startup power policy, WiFi credentials, link-local fallback and a small
// HTTP/WebSocket API for controlling it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/netsound/connman-session/internal/cli"
	"github.com/netsound/connman-session/internal/config"
	"github.com/netsound/connman-session/internal/daemon"
)

const defaultListenAddr = "127.0.0.1:8374"

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "status", "state", "connections", "connect", "disconnect",
		"scan", "properties", "set-properties", "set-wifi", "config":
		runCLI(os.Args[1], os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve           Run the session daemon
  status          Show daemon session and connection state
  state           Show the aggregate connection state
  connections     List connection names
  connect         Connect a connection by name
  disconnect      Disconnect a connection by name
  scan            Scan for available connections
  properties      Show a connection's properties
  set-properties  Set connection properties (key=value pairs)
  set-wifi        Pre-supply WiFi credentials for a connection or '*'
  config          Get or set daemon config properties

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/connman-session/config.yaml)")
	listenAddr := fs.String("listen", defaultListenAddr, "HTTP API listen address")
	busAddress := fs.String("bus-address", "", "D-Bus address to connect to (default: system bus)")
	agentPath := fs.String("agent-path", "", "Object path for the credential agent")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	watch := fs.Bool("watch-config", false, "Reload the config file on change (each change bounces the session)")
	fs.Parse(args) //nolint:errcheck

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["listen"] && cfg.Listen != "" {
		*listenAddr = cfg.Listen
	}
	if !set["bus-address"] && cfg.BusAddress != "" {
		*busAddress = cfg.BusAddress
	}
	if !set["agent-path"] && cfg.AgentPath != "" {
		*agentPath = cfg.AgentPath
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*logFormat = cfg.LogFormat
	}

	setupLogging(*logLevel, *logFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	err = daemon.Run(ctx, daemon.Config{
		File:        cfg,
		ConfigPath:  path,
		WatchConfig: *watch,
		Listen:      *listenAddr,
		BusAddress:  *busAddress,
		AgentPath:   *agentPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/connman-session/config.yaml)")
	serverAddr := fs.String("server", defaultListenAddr, "API server address")
	socket := fs.String("socket", "", "API unix socket (default: $XDG_RUNTIME_DIR/connman-session/api.sock)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	// set-wifi credential flags
	var wifiName, wifiSSID, wifiPassphrase, wifiPIN string
	if cmd == "set-wifi" {
		fs.StringVar(&wifiName, "name", "", "Access point name (hidden networks)")
		fs.StringVar(&wifiSSID, "ssid", "", "SSID (hidden networks)")
		fs.StringVar(&wifiPassphrase, "passphrase", "", "WPA/WEP passphrase")
		fs.StringVar(&wifiPIN, "wpspin", "", "WPS PIN")
	}
	var scanTypes string
	if cmd == "scan" {
		fs.StringVar(&scanTypes, "types", "", "Comma-separated technology types (default: configured scannable set)")
	}
	fs.Parse(args) //nolint:errcheck

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["server"] && cfg.Listen != "" {
		*serverAddr = cfg.Listen
	}

	client := newClient(*serverAddr, *socket, set["server"])
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	if err := dispatchCLI(cmd, fs, client, formatter, cliFlags{
		wifiName:       wifiName,
		wifiSSID:       wifiSSID,
		wifiPassphrase: wifiPassphrase,
		wifiPIN:        wifiPIN,
		scanTypes:      scanTypes,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	wifiName       string
	wifiSSID       string
	wifiPassphrase string
	wifiPIN        string
	scanTypes      string
}

func dispatchCLI(cmd string, fs *flag.FlagSet, client *cli.Client, formatter *cli.Formatter, flags cliFlags) error {
	switch cmd {
	case "status":
		status, err := client.Status()
		if err != nil {
			return err
		}
		return formatter.FormatStatus(status)

	case "state":
		state, err := client.State()
		if err != nil {
			return err
		}
		return formatter.FormatMessage(state)

	case "connections":
		names, err := client.Connections()
		if err != nil {
			return err
		}
		return formatter.FormatConnections(names)

	case "connect", "disconnect":
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: %s %s <name>", progName, cmd)
		}
		name := fs.Arg(0)
		var err error
		if cmd == "connect" {
			err = client.Connect(name)
		} else {
			err = client.Disconnect(name)
		}
		if err != nil {
			return err
		}
		return formatter.FormatMessage(cmd + " requested: " + name)

	case "scan":
		var types []string
		if flags.scanTypes != "" {
			types = strings.Split(flags.scanTypes, ",")
		}
		if err := client.Scan(types); err != nil {
			return err
		}
		return formatter.FormatMessage("scan requested")

	case "properties":
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: %s properties <name>", progName)
		}
		props, err := client.Properties(fs.Arg(0))
		if err != nil {
			return err
		}
		return formatter.FormatProperties(props)

	case "set-properties":
		if fs.NArg() < 2 {
			return fmt.Errorf("usage: %s set-properties <name> <key=value>...", progName)
		}
		updates, err := parseKeyValues(fs.Args()[1:])
		if err != nil {
			return err
		}
		if err := client.SetProperties(fs.Arg(0), updates); err != nil {
			return err
		}
		return formatter.FormatMessage("properties updated")

	case "set-wifi":
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: %s set-wifi [flags] <name|*>", progName)
		}
		fields := make(map[string]string)
		if flags.wifiName != "" {
			fields["name"] = flags.wifiName
		}
		if flags.wifiSSID != "" {
			fields["ssid"] = flags.wifiSSID
		}
		if flags.wifiPassphrase != "" {
			fields["passphrase"] = flags.wifiPassphrase
		}
		if flags.wifiPIN != "" {
			fields["wpspin"] = flags.wifiPIN
		}
		if err := client.SetWifi(fs.Arg(0), fields); err != nil {
			return err
		}
		return formatter.FormatMessage("wifi credentials stored")

	case "config":
		switch {
		case fs.NArg() == 0 || (fs.Arg(0) == "get" && fs.NArg() == 1):
			value, err := client.ConfigGet("")
			if err != nil {
				return err
			}
			return formatter.FormatValue(value)
		case fs.Arg(0) == "get":
			value, err := client.ConfigGet(fs.Arg(1))
			if err != nil {
				return err
			}
			return formatter.FormatValue(value)
		case fs.Arg(0) == "set":
			if fs.NArg() < 3 {
				return fmt.Errorf("usage: %s config set <key> <value>", progName)
			}
			if err := client.ConfigSet(fs.Arg(1), parseValue(fs.Arg(2))); err != nil {
				return err
			}
			return formatter.FormatMessage("config updated, session restarted")
		default:
			return fmt.Errorf("usage: %s config [get [key] | set <key> <value>]", progName)
		}
	}
	return fmt.Errorf("unknown command: %s", cmd)
}

// newClient prefers the unix socket unless -server was given explicitly.
func newClient(serverAddr, socket string, serverSet bool) *cli.Client {
	if serverSet {
		return cli.NewClient(serverAddr)
	}
	if socket == "" {
		socket = daemon.UnixSocketPath()
	}
	if socket != "" {
		if _, err := os.Stat(socket); err == nil {
			return cli.NewUnixClient(socket)
		}
	}
	return cli.NewClient(serverAddr)
}

// parseKeyValues parses key=value arguments; values are JSON when they
// parse as JSON, bare strings otherwise.
func parseKeyValues(args []string) (map[string]any, error) {
	updates := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		updates[key] = parseValue(value)
	}
	return updates, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func setupLogging(logLevel, logFormat string) {
	level := parseLogLevel(logLevel)

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		// When running under systemd, the journal adds its own timestamps.
		underSystemd := os.Getenv("INVOCATION_ID") != ""
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    underSystemd,
		}
		if underSystemd {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads a config file and returns it with the path used. An
// explicit path that doesn't exist is an error; a missing default path is
// silently an empty config.
func loadConfig(explicitPath string) (*config.Config, string, error) {
	if explicitPath != "" {
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return cfg, explicitPath, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, "", nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, defaultPath, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
