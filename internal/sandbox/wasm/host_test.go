package wasm_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/sandbox/wasm"
)

func TestHost_RegistersRequiredFunctions(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new wasm host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	required := []string{"host.http.get", "host.log"}
	for _, name := range required {
		if !h.HasHostFunction(name) {
			t.Fatalf("missing host function: %s", name)
		}
	}
}

func TestHost_LoadModuleFromFile_ValidWASM(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	// Minimal valid WASM binary (empty module: magic + version + no sections).
	wasmBytes := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	wasmPath := filepath.Join(t.TempDir(), "minimal.wasm")
	if err := os.WriteFile(wasmPath, wasmBytes, 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}

	if err := h.LoadModuleFromFile(context.Background(), wasmPath); err != nil {
		t.Fatalf("load valid wasm: %v", err)
	}
	if !h.HasModule("minimal") {
		t.Fatal("expected module to be registered under its file-derived name")
	}
}

func TestHost_LoadModuleFromFile_InvalidWASM(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	wasmPath := filepath.Join(t.TempDir(), "garbage.wasm")
	if err := os.WriteFile(wasmPath, []byte("not a wasm module"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := h.LoadModuleFromFile(context.Background(), wasmPath); err == nil {
		t.Fatalf("expected error loading invalid wasm")
	}
}

func TestHost_LoadModuleFromFile_MissingFile(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	if err := h.LoadModuleFromFile(context.Background(), "/nonexistent/path.wasm"); err == nil {
		t.Fatalf("expected error loading missing file")
	}
}

func TestHost_HTTPGetDeniedWithoutAllowlist(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	if _, err := h.HTTPGet(context.Background(), "https://forbidden.example.net"); err == nil {
		t.Fatalf("expected deny for host with no allowlist configured")
	}
}

func TestHost_HTTPGetBlocksNonAllowlistedHosts(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{
		AllowedHTTPHosts: []string{"safe.example.com", "api.trusted.org"},
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	blocked := []string{
		"https://evil.com/steal",
		"https://another.example.net/data",
		"https://safe.example.com.evil.org/phish",
	}
	for _, u := range blocked {
		if _, err := h.HTTPGet(context.Background(), u); err == nil {
			t.Fatalf("expected deny for %q", u)
		}
	}
}

func TestHost_HTTPGetAllowsListedHost(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{
		AllowedHTTPHosts: []string{"example.com"},
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := h.HTTPGet(ctx, "https://example.com")
	if err != nil {
		t.Skipf("skipping (network unavailable): %v", err)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty body from example.com")
	}
}

func TestHost_Invoke_ModuleNotFound(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	_, err = h.Invoke(context.Background(), "nonexistent", "hello")
	if err == nil {
		t.Fatal("expected error for missing module")
	}
	var fault *wasm.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %T: %v", err, err)
	}
	if fault.Reason != wasm.FaultModuleNotFound {
		t.Fatalf("expected reason %q, got %q", wasm.FaultModuleNotFound, fault.Reason)
	}
}

func TestHost_Invoke_NoExport(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	// Empty module has no exports.
	wasmBytes := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if err := h.LoadModuleFromBytes(context.Background(), "empty", wasmBytes, "test"); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = h.Invoke(context.Background(), "empty", "hello")
	if err == nil {
		t.Fatal("expected error for module with no handle/alloc export")
	}
	var fault *wasm.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %T: %v", err, err)
	}
	if fault.Reason != wasm.FaultNoExport {
		t.Fatalf("expected reason %q, got %q", wasm.FaultNoExport, fault.Reason)
	}
}

func TestHost_CustomMemoryLimitPages(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{
		MemoryLimitPages: 32, // 2MB
		InvokeTimeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatalf("new host with custom limits: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	if !h.HasHostFunction("host.log") {
		t.Fatal("expected host.log function to be registered")
	}
}

func TestProcess_IsReady_FalseBeforeLoad(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	proc := wasm.NewProcess(h, "wasm-agent", "unloaded-module")
	if proc.IsReady() {
		t.Fatal("expected IsReady false for a module that was never loaded")
	}
}

func TestProcess_IsReady_TrueAfterLoad(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	wasmBytes := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if err := h.LoadModuleFromBytes(context.Background(), "empty", wasmBytes, "test"); err != nil {
		t.Fatalf("load: %v", err)
	}

	proc := wasm.NewProcess(h, "wasm-agent", "empty")
	if !proc.IsReady() {
		t.Fatal("expected IsReady true once the module is loaded")
	}
}

func TestProcess_SendMessage_SurfacesFaultAsError(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	proc := wasm.NewProcess(h, "wasm-agent", "nonexistent")
	if _, err := proc.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for a module that was never loaded")
	}
}
