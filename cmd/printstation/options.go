package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/orrn/printstation/internal/config"
)

const (
	cmdRun        = "run"
	cmdInstall    = "install"
	cmdUninstall  = "uninstall"
	cmdStart      = "start"
	cmdStop       = "stop"
	cmdRestart    = "restart"
	cmdStatus     = "status"
	cmdLogin      = "login"
	cmdRegister   = "register"
	cmdUnregister = "unregister"
	cmdPrinters   = "printers"
)

var commands = map[string]bool{
	cmdRun:        true,
	cmdInstall:    true,
	cmdUninstall:  true,
	cmdStart:      true,
	cmdStop:       true,
	cmdRestart:    true,
	cmdStatus:     true,
	cmdLogin:      true,
	cmdRegister:   true,
	cmdUnregister: true,
	cmdPrinters:   true,
}

type options struct {
	Command    string
	ConfigPath string
	EnvDir     string

	LogLevel    string
	LogFormat   string
	Listen      string
	ServerURL   string
	DisplayMode string
	Printer     string

	Username string
	Password string
	Name     string
	Location string

	fs *pflag.FlagSet
}

func parseOptions(args []string) (*options, error) {
	o := &options{Command: cmdRun, EnvDir: "."}

	fs := pflag.NewFlagSet("printstation", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: printstation [command] [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Commands: run (default), install, uninstall, start, stop, restart, status,\n")
		fmt.Fprintf(os.Stderr, "          login, register, unregister, printers\n\nFlags:\n")
		fs.PrintDefaults()
	}

	fs.StringVarP(&o.ConfigPath, "config", "c", o.ConfigPath, "Path to the YAML config file")
	fs.StringVar(&o.EnvDir, "env-dir", o.EnvDir, "Directory holding an optional .env file")
	fs.StringVarP(&o.LogLevel, "log-level", "l", "", "Logging level (debug, info, warn, error)")
	fs.StringVar(&o.LogFormat, "log-format", "", "Logging format (text, plain, json)")
	fs.StringVarP(&o.Listen, "listen", "a", "", "Local API listen address")
	fs.StringVarP(&o.ServerURL, "server", "s", "", "Print backend base URL")
	fs.StringVar(&o.DisplayMode, "display-mode", "", "Display mode (browser, standalone, fullscreen, minimal-ui)")
	fs.StringVarP(&o.Printer, "printer", "p", "", "Printer name, empty for the system default")
	fs.StringVarP(&o.Username, "username", "u", "", "Backend username for login")
	fs.StringVar(&o.Password, "password", "", "Backend password for login")
	fs.StringVar(&o.Name, "name", "", "Station name for register")
	fs.StringVar(&o.Location, "location", "", "Station location for register")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() > 1 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	if fs.NArg() == 1 {
		o.Command = fs.Arg(0)
		if !commands[o.Command] {
			return nil, fmt.Errorf("unknown command %q", o.Command)
		}
	}

	o.fs = fs
	return o, nil
}

// apply copies explicitly set flags over cfg so they win over file and env.
func (o *options) apply(cfg *config.Config) {
	changed := func(name string) bool { return o.fs != nil && o.fs.Changed(name) }

	if changed("log-level") {
		cfg.Logging.Level = o.LogLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = o.LogFormat
	}
	if changed("listen") {
		cfg.API.Listen = o.Listen
	}
	if changed("server") {
		cfg.Server.BaseURL = o.ServerURL
	}
	if changed("display-mode") {
		cfg.Printing.DisplayMode = o.DisplayMode
	}
	if changed("printer") {
		cfg.Printing.PrinterName = o.Printer
	}
	if changed("name") {
		cfg.Station.Name = o.Name
	}
	if changed("location") {
		cfg.Station.Location = o.Location
	}
}

// loadConfig layers defaults, the config file, .env, the environment and
// flags, in that order.
func loadConfig(o *options, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.LoadDotEnv(o.EnvDir); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv)
	o.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// credentials falls back to the environment so passwords stay off the
// command line.
func (o *options) credentials(getenv func(string) string) (string, string) {
	username, password := o.Username, o.Password
	if username == "" {
		username = getenv("PRINTSTATION_USERNAME")
	}
	if password == "" {
		password = getenv("PRINTSTATION_PASSWORD")
	}
	return username, password
}
