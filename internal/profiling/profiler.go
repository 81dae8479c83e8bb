// Package profiling exposes pprof over HTTP for the server and writes CPU
// and heap profiles around training runs.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
	"time"

	"github.com/cvalentine99/honeyclass/internal/logging"
)

// Config holds profiler configuration. Each output is enabled by setting
// its field.
type Config struct {
	// HTTPAddr serves /debug/pprof/ when set
	HTTPAddr string

	// OutputDir receives CPU and heap profiles when set
	OutputDir string

	// Name prefixes profile file names
	Name string
}

// Profiler manages one profiling session.
type Profiler struct {
	config     Config
	httpServer *http.Server
	cpuFile    *os.File
	running    bool
	mu         sync.Mutex
	logger     *logging.Logger
}

// New creates a profiler and its output directory.
func New(cfg Config) (*Profiler, error) {
	if cfg.Name == "" {
		cfg.Name = "honeyclass"
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	return &Profiler{config: cfg, logger: logging.Default().WithComponent("profiling")}, nil
}

// Handler returns the pprof routes on a private mux.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start begins CPU profiling and the pprof server, whichever are configured.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("profiler already running")
	}

	if p.config.OutputDir != "" {
		f, err := os.Create(p.path("cpu"))
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := rpprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		p.cpuFile = f
	}

	if p.config.HTTPAddr != "" {
		p.httpServer = &http.Server{
			Addr:              p.config.HTTPAddr,
			Handler:           Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			p.logger.Info("pprof listening", "addr", p.config.HTTPAddr)
			if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Warn("pprof server stopped", logging.Err(err))
			}
		}()
	}

	p.running = true
	return nil
}

// Stop ends CPU profiling, writes a heap profile and shuts the server down.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errors.New("profiler not running")
	}
	p.running = false

	var errs []error
	if p.cpuFile != nil {
		rpprof.StopCPUProfile()
		errs = append(errs, p.cpuFile.Close())
		p.cpuFile = nil
	}
	if p.config.OutputDir != "" {
		errs = append(errs, p.writeHeap(p.path("heap")))
	}
	if p.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, p.httpServer.Shutdown(ctx))
		p.httpServer = nil
	}
	return errors.Join(errs...)
}

// Dir returns the output directory, empty when file profiles are off.
func (p *Profiler) Dir() string {
	return p.config.OutputDir
}

// Snapshot writes heap and goroutine profiles tagged with name.
func (p *Profiler) Snapshot(name string) error {
	if p.config.OutputDir == "" {
		return errors.New("profiling: no output directory")
	}
	if err := p.writeHeap(p.path(name + "-heap")); err != nil {
		return err
	}
	return writeProfile("goroutine", p.path(name+"-goroutine"))
}

func (p *Profiler) path(kind string) string {
	ts := time.Now().Format("20060102-150405.000")
	return filepath.Join(p.config.OutputDir, fmt.Sprintf("%s-%s-%s.pprof", p.config.Name, kind, ts))
}

func (p *Profiler) writeHeap(path string) error {
	runtime.GC()
	return writeProfile("heap", path)
}

func writeProfile(name, path string) error {
	prof := rpprof.Lookup(name)
	if prof == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s profile: %w", name, err)
	}
	if err := prof.WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	return f.Close()
}
