package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// OnModuleLoadedFunc is called when a WASM agent module is successfully
// compiled and loaded into the host.
type OnModuleLoadedFunc func(name string)

// Watcher recompiles a tinygo-built WASM agent module whenever its source
// changes and reloads it into host under the agent's module name, so an
// agent configured with backend: wasm and wasm_hot_reload: true can be
// iterated on without restarting the daemon.
type Watcher struct {
	moduleDir string
	host      *Host
	logger    *slog.Logger

	events         chan string
	notify         chan Notification
	onModuleLoaded OnModuleLoadedFunc

	tinygoPath atomic.Pointer[string]
	lastError  atomic.Pointer[string]
}

type Notification struct {
	Level   string
	Message string
}

const requiredGuestABIVersion = "v1"

// NewWatcher builds a Watcher that recompiles .go sources under moduleDir
// and reloads the resulting .wasm binaries into host.
func NewWatcher(moduleDir string, host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		moduleDir: moduleDir,
		host:      host,
		logger:    logger,
		events:    make(chan string, 16),
		notify:    make(chan Notification, 32),
	}
}

// ModulesUpdated reports the source filename each time a reload completes.
func (w *Watcher) ModulesUpdated() <-chan string {
	return w.events
}

func (w *Watcher) Notifications() <-chan Notification {
	return w.notify
}

// OnModuleLoaded registers a callback invoked when a module is (re)loaded.
func (w *Watcher) OnModuleLoaded(fn OnModuleLoadedFunc) {
	w.onModuleLoaded = fn
}

func (w *Watcher) TinygoStatus() (bool, string) {
	if p := w.tinygoPath.Load(); p != nil {
		return true, *p
	}
	if err := w.lastError.Load(); err != nil {
		return false, *err
	}
	return false, "tinygo not checked"
}

func (w *Watcher) Start(ctx context.Context) error {
	path, err := exec.LookPath("tinygo")
	if err != nil {
		msg := "tinygo not found in PATH (required for wasm agent hot-reload)"
		w.lastError.Store(&msg)
		w.logger.Warn(msg)
		w.pushNotification("error", msg)
	} else {
		w.tinygoPath.Store(&path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.moduleDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch module dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		// Compile any existing source files on startup.
		matches, _ := filepath.Glob(filepath.Join(w.moduleDir, "*.go"))
		for _, src := range matches {
			w.compileAndLoad(ctx, src)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".go" {
					continue
				}
				go w.compileAndLoad(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				msg := err.Error()
				w.lastError.Store(&msg)
				w.logger.Error("wasm module watcher error", "error", err)
				w.pushNotification("error", msg)
			}
		}
	}()
	return nil
}

func (w *Watcher) compileAndLoad(ctx context.Context, src string) {
	tinygo := w.tinygoPath.Load()
	if tinygo == nil {
		msg := "tinygo unavailable; skipping compile"
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}

	moduleName := strings.TrimSuffix(filepath.Base(src), filepath.Ext(filepath.Base(src)))
	abiVersion, err := readGuestABIVersion(src)
	if err != nil {
		msg := fmt.Sprintf("failed to read ABI version for %s: %v", moduleName, err)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}
	if abiVersion != requiredGuestABIVersion {
		msg := fmt.Sprintf("guest ABI mismatch (%s): got %s want %s", moduleName, abiVersion, requiredGuestABIVersion)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}
	w.pushNotification("info", fmt.Sprintf("Compiling %s...", moduleName))

	finalOut := strings.TrimSuffix(src, filepath.Ext(src)) + ".wasm"
	stagedOut := strings.TrimSuffix(src, filepath.Ext(src)) + ".staged.wasm"
	cmd := exec.CommandContext(ctx, *tinygo, "build", "-target=wasi", "-o", stagedOut, src)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("tinygo build failed for %s: %v: %s", src, err, strings.TrimSpace(string(out)))
		w.lastError.Store(&msg)
		w.logger.Error("wasm module compile failed", "src", src, "error", err, "output", strings.TrimSpace(string(out)))
		w.pushNotification("error", fmt.Sprintf("Module compile error (%s): %s", moduleName, strings.TrimSpace(string(out))))
		return
	}

	wasmBytes, err := os.ReadFile(stagedOut)
	if err != nil {
		msg := fmt.Sprintf("failed reading staged wasm for %s: %v", moduleName, err)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}
	if err := w.host.LoadModuleFromBytes(ctx, moduleName, wasmBytes, stagedOut); err != nil {
		msg := err.Error()
		w.lastError.Store(&msg)
		w.logger.Error("wasm module load failed", "wasm", stagedOut, "error", err)
		w.pushNotification("error", fmt.Sprintf("Module load error (%s): %v", moduleName, err))
		return
	}
	if err := os.Rename(stagedOut, finalOut); err != nil {
		msg := fmt.Sprintf("failed promoting staged wasm for %s: %v", moduleName, err)
		w.lastError.Store(&msg)
		w.pushNotification("warn", msg)
	}
	if w.onModuleLoaded != nil {
		w.onModuleLoaded(moduleName)
	}
	select {
	case w.events <- filepath.Base(src):
	default:
	}
	w.pushNotification("info", fmt.Sprintf("Module loaded: %s", moduleName))
	w.logger.Info("wasm module hot-swapped", "src", src, "wasm", finalOut)
}

func (w *Watcher) pushNotification(level, msg string) {
	select {
	case w.notify <- Notification{
		Level:   level,
		Message: msg,
	}:
	default:
	}
}

// readGuestABIVersion reads the optional sidecar <module>.abi file next to
// src, defaulting to requiredGuestABIVersion when absent so a module without
// one isn't rejected.
func readGuestABIVersion(src string) (string, error) {
	abiPath := strings.TrimSuffix(src, filepath.Ext(src)) + ".abi"
	data, err := os.ReadFile(abiPath)
	if err != nil {
		if os.IsNotExist(err) {
			return requiredGuestABIVersion, nil
		}
		return "", err
	}
	version := strings.TrimSpace(string(data))
	if version == "" {
		return requiredGuestABIVersion, nil
	}
	return version, nil
}
