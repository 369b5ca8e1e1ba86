package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
)

var (
	ErrPrinterNotFound    = errors.New("printer not found")
	ErrPrinterUnavailable = errors.New("printer is unavailable")
	ErrPrintCommandFailed = errors.New("print command failed")
	ErrNoDefaultPrinter   = errors.New("no printer configured and no system default")
)

const (
	defaultCommandTimeout      = time.Minute
	defaultHealthCheckInterval = 30 * time.Second
	sumatraExecutable          = "SumatraPDF.exe"
)

// printerStates maps the lpstat -p wording to a printer state, checked in order.
var printerStates = []struct{ phrase, state string }{
	{"disabled", "disabled"},
	{"now printing", "printing"},
	{"is idle", "idle"},
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type PrinterManagerConfig struct {
	// PrinterName is the destination; empty means the system default.
	PrinterName         string
	CommandTimeout      time.Duration
	HealthCheckInterval time.Duration
	// SumatraPath overrides the SumatraPDF lookup on Windows.
	SumatraPath string
}

// PrinterManager drives the operating system print pipeline: lp/lpstat
// (CUPS) on Unix, SumatraPDF or PowerShell on Windows.
type PrinterManager struct {
	cfg      PrinterManagerConfig
	runner   CommandRunner
	goos     string
	lookPath func(string) (string, error)
	bus      events.Bus
	log      logger.Logger
	clock    clockwork.Clock

	mu     sync.RWMutex
	status *PrinterStatus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPrinterManager(cfg PrinterManagerConfig, runner CommandRunner, bus events.Bus, log logger.Logger, clock clockwork.Clock) *PrinterManager {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if runner == nil {
		runner = execRunner{}
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PrinterManager{
		cfg:      cfg,
		runner:   runner,
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		bus:      bus,
		log:      log,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start checks the printer every HealthCheckInterval and publishes state
// changes on the bus.
func (pm *PrinterManager) Start() {
	pm.wg.Add(1)
	go pm.healthCheckLoop()
}

func (pm *PrinterManager) Stop() {
	close(pm.stopCh)
	pm.wg.Wait()
}

func (pm *PrinterManager) healthCheckLoop() {
	defer pm.wg.Done()

	ticker := pm.clock.NewTicker(pm.cfg.HealthCheckInterval)
	defer ticker.Stop()

	pm.checkQuietly()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.Chan():
			pm.checkQuietly()
		}
	}
}

func (pm *PrinterManager) checkQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), pm.cfg.CommandTimeout)
	defer cancel()
	if _, err := pm.CheckStatus(ctx); err != nil {
		pm.log.Debug("printer status check failed", logger.Err(err))
	}
}

// LastStatus returns the most recent status check, if any.
func (pm *PrinterManager) LastStatus() (PrinterStatus, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.status == nil {
		return PrinterStatus{}, false
	}
	return *pm.status, true
}

func (pm *PrinterManager) ListPrinters(ctx context.Context) ([]PrinterInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, pm.cfg.CommandTimeout)
	defer cancel()

	if pm.goos == "windows" {
		out, err := pm.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command",
			"Get-CimInstance Win32_Printer | ForEach-Object { $_.Name + '|' + $_.Default }")
		if err != nil {
			return nil, fmt.Errorf("failed to list printers: %w", err)
		}
		return parseWindowsPrinters(out), nil
	}

	out, err := pm.runner.Run(ctx, "lpstat", "-a")
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w: %s", err, strings.TrimSpace(string(out)))
	}
	printers := parseLpstatAccepting(out)

	if def, err := pm.systemDefault(ctx); err == nil {
		for i := range printers {
			printers[i].Default = printers[i].Name == def
		}
	}
	return printers, nil
}

func (pm *PrinterManager) systemDefault(ctx context.Context) (string, error) {
	out, err := pm.runner.Run(ctx, "lpstat", "-d")
	if err != nil {
		return "", fmt.Errorf("failed to query default printer: %w", err)
	}
	line := strings.TrimSpace(string(out))
	if i := strings.LastIndex(line, ":"); i >= 0 && strings.Contains(line, "default destination") {
		if name := strings.TrimSpace(line[i+1:]); name != "" {
			return name, nil
		}
	}
	return "", ErrNoDefaultPrinter
}

func (pm *PrinterManager) destination(ctx context.Context) (string, error) {
	if pm.cfg.PrinterName != "" {
		return pm.cfg.PrinterName, nil
	}
	return pm.systemDefault(ctx)
}

// CheckStatus queries the destination printer. On Windows there is no cheap
// equivalent of lpstat, so the printer is assumed usable.
func (pm *PrinterManager) CheckStatus(ctx context.Context) (*PrinterStatus, error) {
	if pm.goos == "windows" {
		status := &PrinterStatus{
			Name:        pm.cfg.PrinterName,
			State:       "unknown",
			Enabled:     true,
			CanPrint:    true,
			LastChecked: pm.clock.Now(),
		}
		pm.updatePrinterStatus(status)
		return status, nil
	}

	name, err := pm.destination(ctx)
	if err != nil {
		return nil, err
	}

	out, err := pm.runner.Run(ctx, "lpstat", "-p", name)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if strings.Contains(text, "Invalid destination") || strings.Contains(text, "Unknown destination") {
			pm.updatePrinterStatus(&PrinterStatus{Name: name, State: "missing", LastChecked: pm.clock.Now()})
			return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
		}
		return nil, fmt.Errorf("failed to query printer %s: %w", name, err)
	}

	status := parseLpstatStatus(name, text)
	status.LastChecked = pm.clock.Now()
	pm.updatePrinterStatus(status)
	return status, nil
}

func (pm *PrinterManager) updatePrinterStatus(status *PrinterStatus) {
	pm.mu.Lock()
	old := pm.status
	pm.status = status
	pm.mu.Unlock()

	if old != nil && old.State == status.State {
		return
	}

	oldState := ""
	if old != nil {
		oldState = old.State
	}
	pm.log.Info("printer state changed",
		logger.String("printer", status.Name),
		logger.String("old", oldState),
		logger.String("new", status.State))
	pm.bus.Publish(events.TypePrinterChanged, PrinterStatusChange{
		PrinterName: status.Name,
		OldState:    oldState,
		NewState:    status.State,
		Details:     status,
		Timestamp:   status.LastChecked,
	})
}

// Print submits the document and returns once the OS has accepted it.
// Acceptance is not completion: no completion signal exists.
func (pm *PrinterManager) Print(ctx context.Context, req PrintRequest) error {
	status, err := pm.CheckStatus(ctx)
	switch {
	case errors.Is(err, ErrPrinterNotFound), errors.Is(err, ErrNoDefaultPrinter):
		return err
	case err != nil:
		pm.log.Debug("printer status unknown, submitting anyway", logger.Err(err))
	case !status.CanPrint:
		return fmt.Errorf("%w: %s is %s", ErrPrinterUnavailable, status.Name, status.State)
	}

	if req.Copies < 1 {
		req.Copies = 1
	}

	ctx, cancel := context.WithTimeout(ctx, pm.cfg.CommandTimeout)
	defer cancel()

	if pm.goos == "windows" {
		return pm.printWindows(ctx, req)
	}
	return pm.run(ctx, "lp", lpArgs(pm.cfg.PrinterName, req)...)
}

func (pm *PrinterManager) printWindows(ctx context.Context, req PrintRequest) error {
	if sumatra := pm.sumatraPath(); sumatra != "" {
		return pm.run(ctx, sumatra, sumatraArgs(pm.cfg.PrinterName, req)...)
	}

	if req.Orientation == models.OrientationLandscape {
		pm.log.Debug("orientation is not supported by the shell print verb", logger.String("file", req.Path))
	}
	for i := 0; i < req.Copies; i++ {
		if err := pm.run(ctx, "powershell", powershellPrintArgs(pm.cfg.PrinterName, req.Path)...); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PrinterManager) sumatraPath() string {
	if pm.cfg.SumatraPath != "" {
		return pm.cfg.SumatraPath
	}
	if path, err := pm.lookPath(sumatraExecutable); err == nil {
		return path
	}
	return ""
}

func (pm *PrinterManager) run(ctx context.Context, name string, args ...string) error {
	out, err := pm.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrPrintCommandFailed, name, err, strings.TrimSpace(string(out)))
	}
	pm.log.Debug("print command accepted", logger.String("command", name), logger.String("output", strings.TrimSpace(string(out))))
	return nil
}

func lpArgs(printer string, req PrintRequest) []string {
	var args []string
	if printer != "" {
		args = append(args, "-d", printer)
	}
	args = append(args, "-n", strconv.Itoa(req.Copies))
	if req.Orientation == models.OrientationLandscape {
		args = append(args, "-o", "landscape")
	}
	if req.Title != "" {
		args = append(args, "-t", req.Title)
	}
	return append(args, req.Path)
}

func sumatraArgs(printer string, req PrintRequest) []string {
	args := []string{"-print-to-default"}
	if printer != "" {
		args = []string{"-print-to", printer}
	}
	orientation := string(models.OrientationPortrait)
	if req.Orientation == models.OrientationLandscape {
		orientation = string(models.OrientationLandscape)
	}
	settings := fmt.Sprintf("%dx,%s", req.Copies, orientation)
	return append(args, "-print-settings", settings, "-silent", req.Path)
}

func powershellPrintArgs(printer, path string) []string {
	quoted := strings.ReplaceAll(path, "'", "''")
	command := fmt.Sprintf("Start-Process -FilePath '%s' -Verb Print -Wait", quoted)
	if printer != "" {
		command = fmt.Sprintf("Start-Process -FilePath '%s' -Verb PrintTo -ArgumentList '\"%s\"' -Wait",
			quoted, strings.ReplaceAll(printer, "'", "''"))
	}
	return []string{"-NoProfile", "-NonInteractive", "-Command", command}
}

// parseLpstatAccepting reads "lpstat -a" lines such as
// "Office accepting requests since Mon 01 Jan 2024".
func parseLpstatAccepting(out []byte) []PrinterInfo {
	var printers []PrinterInfo
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		printers = append(printers, PrinterInfo{
			Name:      fields[0],
			Accepting: fields[1] == "accepting",
		})
	}
	return printers
}

func parseWindowsPrinters(out []byte) []PrinterInfo {
	var printers []PrinterInfo
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		name, def, _ := strings.Cut(strings.TrimSpace(scanner.Text()), "|")
		if name == "" {
			continue
		}
		printers = append(printers, PrinterInfo{
			Name:      name,
			Default:   strings.EqualFold(def, "true"),
			Accepting: true,
		})
	}
	return printers
}

// parseLpstatStatus reads the first line of "lpstat -p NAME", e.g.
// "printer Office is idle.  enabled since ...".
func parseLpstatStatus(name, text string) *PrinterStatus {
	line, _, _ := strings.Cut(text, "\n")
	status := &PrinterStatus{Name: name, State: "unknown"}

	for _, ps := range printerStates {
		if strings.Contains(line, ps.phrase) {
			status.State = ps.state
			break
		}
	}

	status.Enabled = status.State != "disabled"
	status.CanPrint = status.Enabled

	if i := strings.Index(text, "\n"); i >= 0 {
		status.Message = strings.TrimSpace(text[i+1:])
	}
	return status
}
