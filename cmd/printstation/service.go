package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"

	"github.com/orrn/printstation/internal/config"
	"github.com/orrn/printstation/internal/logger"
)

const stopTimeout = 15 * time.Second

// program adapts App to the service manager lifecycle.
type program struct {
	cfg *config.Config
	log logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	app, err := NewApp(p.cfg, p.log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := app.Run(ctx); err != nil {
			p.log.Error("print station failed", logger.Err(err))
			_ = p.log.Sync()
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		p.log.Warn("shutdown timed out", logger.Duration("timeout", stopTimeout))
	}
	return nil
}

// serviceConfig installs the service with the same config and .env the
// installing command saw, resolved to absolute paths.
func serviceConfig(o *options) *service.Config {
	args := []string{cmdRun}
	if o.ConfigPath != "" {
		if abs, err := filepath.Abs(o.ConfigPath); err == nil {
			args = append(args, "--config", abs)
		}
	}

	envDir, err := filepath.Abs(o.EnvDir)
	if err != nil {
		envDir = o.EnvDir
	}
	args = append(args, "--env-dir", envDir)

	return &service.Config{
		Name:             "printstation",
		DisplayName:      "Print Station Agent",
		Description:      "Polls the print backend for this station's jobs and prints them locally",
		Arguments:        args,
		WorkingDirectory: envDir,
		Option: service.KeyValue{
			"RunAtLoad":        true,        // macOS
			"DelayedAutoStart": false,       // Windows: start as soon as possible
			"StartType":        "automatic", // Windows: start on boot
		},
	}
}

func newService(o *options, cfg *config.Config, log logger.Logger) (service.Service, error) {
	prg := &program{cfg: cfg, log: log}
	s, err := service.New(prg, serviceConfig(o))
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// controlService runs install, uninstall, start, stop and restart.
func controlService(s service.Service, action string) error {
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("service %s failed: %w", action, err)
	}
	fmt.Printf("Service %s: ok\n", action)

	if action == cmdInstall {
		fmt.Println("Starting service...")
		if err := service.Control(s, cmdStart); err != nil {
			return fmt.Errorf("service start failed: %w", err)
		}
	}
	return nil
}

func serviceStatusText(status service.Status, err error) string {
	if err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return "not installed"
		}
		return fmt.Sprintf("unknown (%v)", err)
	}
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
