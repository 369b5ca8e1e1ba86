package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/orrn/printstation/internal/config"
	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/logger"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(opts, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := execute(opts, cfg, log); err != nil {
		log.Error("command failed", logger.String("command", opts.Command), logger.Err(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func execute(opts *options, cfg *config.Config, log logger.Logger) error {
	switch opts.Command {
	case cmdRun, cmdInstall, cmdUninstall, cmdStart, cmdStop, cmdRestart:
		s, err := newService(opts, cfg, log)
		if err != nil {
			return err
		}
		if opts.Command == cmdRun {
			return s.Run()
		}
		return controlService(s, opts.Command)
	}

	// One-shot commands cancel on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Warn("interrupt signal")
		cancel()
	}()

	if opts.Command == cmdPrinters {
		pm := core.NewPrinterManager(core.PrinterManagerConfig{
			PrinterName:    cfg.Printing.PrinterName,
			CommandTimeout: cfg.Printing.CommandTimeout,
			SumatraPath:    cfg.Printing.SumatraPath,
		}, nil, nil, log.Named("printer"), nil)
		return runPrinters(ctx, os.Stdout, pm)
	}

	o, err := openOffline(cfg, log)
	if err != nil {
		return err
	}
	defer o.Close()

	switch opts.Command {
	case cmdLogin:
		username, password := opts.credentials(os.Getenv)
		return runLogin(ctx, os.Stdout, o, username, password)
	case cmdRegister:
		return runRegister(ctx, os.Stdout, o, cfg.Station)
	case cmdUnregister:
		return runUnregister(ctx, os.Stdout, o, log)
	case cmdStatus:
		s, err := newService(opts, cfg, log)
		if err != nil {
			return err
		}
		return runStatus(ctx, os.Stdout, serviceStatusText(s.Status()), o, log)
	default:
		return fmt.Errorf("unknown command %q", opts.Command)
	}
}
