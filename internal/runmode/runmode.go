// Package runmode decides whether this process is an installed instance
// allowed to execute print jobs.
package runmode

import (
	"fmt"
	"os"

	"github.com/kardianos/service"
)

type Mode string

const (
	Browser    Mode = "browser"
	Standalone Mode = "standalone"
	Fullscreen Mode = "fullscreen"
	MinimalUI  Mode = "minimal-ui"
)

const EnvDisplayMode = "PRINTSTATION_DISPLAY_MODE"

func Parse(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Browser, Standalone, Fullscreen, MinimalUI:
		return m, nil
	default:
		return "", fmt.Errorf("unknown display mode %q", s)
	}
}

// Installed reports whether the mode belongs to an installed instance. Only
// installed instances execute jobs, so ad-hoc runs never print a job a
// second time.
func (m Mode) Installed() bool {
	switch m {
	case Standalone, Fullscreen, MinimalUI:
		return true
	default:
		return false
	}
}

// Detector resolves the current mode on every call so a change in the
// environment is seen at the next engine start.
type Detector struct {
	Configured  string
	Getenv      func(string) string
	Interactive func() bool
}

func NewDetector(configured string) *Detector {
	return &Detector{
		Configured:  configured,
		Getenv:      os.Getenv,
		Interactive: service.Interactive,
	}
}

// Static returns a detector that always reports m.
func Static(m Mode) *Detector {
	return &Detector{Configured: string(m)}
}

// Mode resolves in order: explicit configuration, the environment, then
// standalone when a service manager launched the process, else browser.
func (d *Detector) Mode() Mode {
	if m, err := Parse(d.Configured); err == nil {
		return m
	}
	if d.Getenv != nil {
		if m, err := Parse(d.Getenv(EnvDisplayMode)); err == nil {
			return m
		}
	}
	if d.Interactive != nil && !d.Interactive() {
		return Standalone
	}
	return Browser
}
