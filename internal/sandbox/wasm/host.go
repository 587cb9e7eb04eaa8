// Package wasm implements the docker/docker sandbox's sibling backend: a
// wazero-hosted WASM runtime that can serve as a pool.Process for agents
// whose config names a "wasm:" backend (SPEC_FULL.md DOMAIN STACK,
// tetratelabs/wazero row) instead of the default local-subprocess backend.
// Grounded in the teacher's internal/sandbox/wasm/host.go skill-invocation
// host (module loading, memory budgeting, host.http.get/host.log/host.kv.set
// imports), adapted from a skill-quarantine invoker into a delegation
// sub-call executor that speaks the same stdin/stdout-shaped request the
// orchestrator core hands every pool.Process: one prompt in, one text
// response out.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for module invocations.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
	FaultQuarantined    = "WASM_QUARANTINED"
)

// Fault is a structured error emitted by module invocations.
type Fault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages is 640 pages = 40MB total across all modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// FaultMemoryExhausted is returned when aggregate WASM memory is exhausted.
const FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"

// DefaultInvokeTimeout is the wall-clock limit for a single invocation.
const DefaultInvokeTimeout = 30 * time.Second

// maxFaultsBeforeQuarantine is the in-host fault budget before a module stops
// accepting new invocations; there is no cross-process persistence for this
// (SPEC_FULL.md's swarm/lane/bgtask state lives in SQLite or in-memory, and
// a sandboxed agent backend is scoped to one process's lifetime).
const maxFaultsBeforeQuarantine = 5

// Config configures a Host.
type Config struct {
	Logger *slog.Logger

	// AllowedHTTPHosts restricts host.http.get to these hostnames. Empty
	// means no outbound HTTP is permitted from any guest module.
	AllowedHTTPHosts []string

	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps total memory across all loaded modules. 0 uses DefaultAggregateMemoryLimitPages.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per invocation. 0 uses DefaultInvokeTimeout.
	InvokeTimeout time.Duration
}

// Host owns one wazero runtime and the WASM modules loaded into it.
type Host struct {
	logger           *slog.Logger
	allowedHTTPHosts map[string]struct{}

	runtime       wazero.Runtime
	invokeTimeout time.Duration

	hostFunctions map[string]struct{}

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	moduleFaults         map[string]int
	moduleQuarantined    map[string]bool
	aggregateMemoryLimit uint32
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	allowedHosts := make(map[string]struct{}, len(cfg.AllowedHTTPHosts))
	for _, h := range cfg.AllowedHTTPHosts {
		allowedHosts[h] = struct{}{}
	}

	h := &Host{
		logger:               cfg.Logger,
		allowedHTTPHosts:     allowedHosts,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		hostFunctions:        map[string]struct{}{},
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		moduleFaults:         map[string]int{},
		moduleQuarantined:    map[string]bool{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPGet).Export("host.http.get")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")

	h.hostFunctions["host.http.get"] = struct{}{}
	h.hostFunctions["host.log"] = struct{}{}

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// MemoryStats returns aggregate memory pages, per-module breakdown, and the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

// Invoke calls moduleName's "handle" export with prompt written into guest
// memory, and returns whatever the guest wrote back via its "alloc"/memory
// contract. This is the entry point NewProcess's SendMessage uses.
func (h *Host) Invoke(ctx context.Context, moduleName, prompt string) (string, error) {
	h.modulesMu.Lock()
	quarantined := h.moduleQuarantined[moduleName]
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if quarantined {
		return "", &Fault{Reason: FaultQuarantined, Module: moduleName, Detail: "module quarantined due to repeated faults"}
	}
	if !ok {
		return "", &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	allocFn := module.ExportedFunction("alloc")
	handleFn := module.ExportedFunction("handle")
	if allocFn == nil || handleFn == nil {
		return "", &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "module must export alloc(size) and handle(ptr,len) (ptr,len)"}
	}

	promptBytes := []byte(prompt)
	allocResults, err := allocFn.Call(invokeCtx, uint64(len(promptBytes)))
	if err != nil || len(allocResults) == 0 {
		return "", h.fault(ctx, moduleName, "handle", err)
	}
	ptr := uint32(allocResults[0])
	if !module.Memory().Write(ptr, promptBytes) {
		return "", &Fault{Reason: FaultExecError, Module: moduleName, Detail: "failed writing prompt to guest memory"}
	}

	results, err := handleFn.Call(invokeCtx, uint64(ptr), uint64(len(promptBytes)))
	if err != nil {
		return "", h.fault(ctx, moduleName, "handle", err)
	}
	if len(results) < 2 {
		return "", &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "handle must return (ptr, len)"}
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])
	out, ok := readWASMString(module, outPtr, outLen)
	if !ok {
		return "", &Fault{Reason: FaultExecError, Module: moduleName, Detail: "failed reading response from guest memory"}
	}
	return out, nil
}

func (h *Host) fault(ctx context.Context, moduleName, fnName string, err error) *Fault {
	fault := classifyFault(moduleName, err)
	h.logger.Warn("module invocation fault", "module", moduleName, "fn", fnName, "reason", fault.Reason)
	h.recordFault(moduleName)
	return fault
}

// recordFault increments the fault counter and quarantines the module once
// it crosses maxFaultsBeforeQuarantine.
func (h *Host) recordFault(moduleName string) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.moduleFaults[moduleName]++
	if h.moduleFaults[moduleName] >= maxFaultsBeforeQuarantine {
		h.moduleQuarantined[moduleName] = true
		h.logger.Warn("module auto-quarantined due to repeated faults", "module", moduleName)
	}
}

// classifyFault maps a WASM execution error to a deterministic Fault.
func classifyFault(moduleName string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}

func (h *Host) hostAllowed(rawURL string) bool {
	if len(h.allowedHTTPHosts) == 0 {
		return false
	}
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}
	_, ok := h.allowedHTTPHosts[req.URL.Hostname()]
	return ok
}

func (h *Host) HTTPGet(ctx context.Context, rawURL string) (string, error) {
	if !h.hostAllowed(rawURL) {
		return "", fmt.Errorf("host.http.get denied for url %q: host not in allowed list", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	name := moduleNameFromPath(srcPath)
	return h.LoadModuleFromBytes(ctx, name, wasmBytes, srcPath)
}

func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte, source string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &Fault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	actualPages := estimatedPages
	func() {
		defer func() { recover() }() // guard against nil memory interface
		if mem := module.Memory(); mem != nil {
			if pages, ok := mem.Grow(0); ok {
				actualPages = pages
			}
		}
	}()
	if actualPages == 0 {
		actualPages = 1
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = module
	h.moduleMemoryPages[name] = actualPages
	delete(h.moduleFaults, name)
	delete(h.moduleQuarantined, name)

	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	h.logger.Info("wasm module loaded", "module", name, "path", source,
		"memory_pages", actualPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *Host) hostHTTPGet(ctx context.Context, module api.Module, ptr uint32, length uint32) uint32 {
	rawURL, ok := readWASMString(module, ptr, length)
	if !ok {
		h.logger.Error("host.http.get: failed to read URL from wasm memory", "ptr", ptr, "len", length)
		return 0
	}

	body, err := h.HTTPGet(ctx, rawURL)
	if err != nil {
		h.logger.Error("host.http.get failed", "url", rawURL, "error", err)
		return 0
	}

	bodyBytes := []byte(body)
	bodyLen := uint32(len(bodyBytes))

	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		h.logger.Warn("host.http.get: guest has no alloc export, dropping body", "url", rawURL)
		return 0
	}
	resultVals, err := allocFn.Call(ctx, uint64(bodyLen))
	if err != nil || len(resultVals) == 0 {
		h.logger.Warn("host.http.get: guest alloc failed", "url", rawURL, "error", err)
		return 0
	}
	destPtr := uint32(resultVals[0])
	if !module.Memory().Write(destPtr, bodyBytes) {
		h.logger.Warn("host.http.get: failed writing body to guest memory", "url", rawURL)
		return 0
	}
	h.logger.Info("host.http.get: body written to guest memory", "url", rawURL, "body_len", bodyLen, "ptr", destPtr)
	return destPtr
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr uint32, levelLen uint32, msgPtr uint32, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}

	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "msg", msg)
	default:
		h.logger.Info("wasm guest log", "msg", msg)
	}
}
