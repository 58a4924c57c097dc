package dagflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/dagflow/internal/coreutil/resilience"
)

// Func is a registered call target: mod.func, invoked with named arguments
// and returning either a value or an error.
type Func func(ctx context.Context, args map[string]any) (any, error)

// FunctionRegistry resolves (mod, func) pairs to callable Go functions and
// wraps every call in the same retry/circuit-breaker policy the rest of
// the stack uses for any flaky out-of-process dependency.
type FunctionRegistry struct {
	mu        sync.RWMutex
	funcs     map[string]Func
	breakers  map[string]*resilience.CircuitBreaker
	breakerMu sync.Mutex
	retryMax  int
	retryBase time.Duration
}

// NewFunctionRegistry returns a registry preloaded with the builtin
// mod.func targets every program can call without further configuration.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{
		funcs:     map[string]Func{},
		breakers:  map[string]*resilience.CircuitBreaker{},
		retryMax:  3,
		retryBase: 100 * time.Millisecond,
	}
	r.registerBuiltins()
	return r
}

func key(mod, fn string) string { return mod + "." + fn }

// Register installs fn under mod.func, overwriting any previous entry.
func (r *FunctionRegistry) Register(mod, fn string, f Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[key(mod, fn)] = f
}

// ErrFunctionNotFound is returned when a program calls a (mod, func) pair
// nothing registered.
type ErrFunctionNotFound struct{ Mod, Func string }

func (e ErrFunctionNotFound) Error() string {
	return fmt.Sprintf("no function registered for %s.%s", e.Mod, e.Func)
}

// Invoke runs mod.func(args), retrying transient failures with backoff and
// tripping a per-function circuit breaker the way any other outbound call
// in this stack does.
func (r *FunctionRegistry) Invoke(ctx context.Context, mod, fn string, args map[string]any) (any, error) {
	r.mu.RLock()
	f, ok := r.funcs[key(mod, fn)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrFunctionNotFound{Mod: mod, Func: fn}
	}
	breaker := r.breakerFor(mod, fn)
	return resilience.Retry(ctx, r.retryMax, r.retryBase, func() (any, error) {
		if !breaker.Allow() {
			return nil, errCircuitOpen{mod: mod, fn: fn}
		}
		v, err := f(ctx, args)
		breaker.RecordResult(err == nil)
		return v, err
	})
}

type errCircuitOpen struct{ mod, fn string }

func (e errCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for %s.%s", e.mod, e.fn)
}

func (r *FunctionRegistry) breakerFor(mod, fn string) *resilience.CircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	k := key(mod, fn)
	b, ok := r.breakers[k]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 5*time.Second, 2)
		r.breakers[k] = b
	}
	return b
}

// registerBuiltins installs the small standard library every program can
// rely on: identity/aliasing, arithmetic, collection helpers, an HTTP
// client, and a sandboxed shell runner.
func (r *FunctionRegistry) registerBuiltins() {
	r.Register("", "identity", func(_ context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	})
	r.Register("builtins", "add", func(_ context.Context, args map[string]any) (any, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return a + b, nil
	})
	r.Register("builtins", "len", func(_ context.Context, args map[string]any) (any, error) {
		switch v := args["value"].(type) {
		case []any:
			return float64(len(v)), nil
		case string:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len: unsupported value type %T", v)
		}
	})
	r.Register("builtins", "format", func(_ context.Context, args map[string]any) (any, error) {
		return fmt.Sprintf("%v", args["value"]), nil
	})
	r.Register("builtins", "keys", func(_ context.Context, args map[string]any) (any, error) {
		m, ok := args["value"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("keys: value is not an object")
		}
		out := make([]any, 0, len(m))
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			out = append(out, k)
		}
		return out, nil
	})
	r.Register("http", "request", r.httpRequest)
	r.Register("os", "run", r.shellRun)
	r.Register("python", "exec", r.pythonExec)
}

var httpClient = &http.Client{
	Timeout: 15 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

func (r *FunctionRegistry) httpRequest(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.request: missing url")
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": float64(resp.StatusCode), "body": string(body)}, nil
}

// shellAllowlist is the fixed set of binaries os.run may invoke. Programs
// cannot extend it at run time — widening it is a code change, not data.
var shellAllowlist = map[string]struct{}{
	"echo": {}, "cat": {}, "ls": {}, "wc": {}, "sort": {}, "grep": {},
}

func (r *FunctionRegistry) shellRun(ctx context.Context, args map[string]any) (any, error) {
	cmdName, _ := args["cmd"].(string)
	if _, ok := shellAllowlist[cmdName]; !ok {
		return nil, fmt.Errorf("os.run: %q is not on the allowlist", cmdName)
	}
	var argv []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			argv = append(argv, fmt.Sprintf("%v", a))
		}
	}
	cmd := exec.CommandContext(ctx, cmdName, argv...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("os.run: %w", err)
	}
	return string(out), nil
}

// pythonExec runs a short Python script in a subprocess, the Go process's
// stand-in for a Call node whose mod names an out-of-process Python
// function: the script sees its caller-supplied context as the JSON
// variable `context` and must print its result as JSON on stdout.
func (r *FunctionRegistry) pythonExec(ctx context.Context, args map[string]any) (any, error) {
	script, _ := args["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("python.exec: missing script")
	}
	pythonPath := os.Getenv("DAGFLOW_PYTHON_PATH")
	if pythonPath == "" {
		pythonPath = "python3"
	}

	contextJSON, err := json.Marshal(args["context"])
	if err != nil {
		return nil, fmt.Errorf("python.exec: marshal context: %w", err)
	}

	tmpFile, err := os.CreateTemp("", "dagflow-python-*.py")
	if err != nil {
		return nil, fmt.Errorf("python.exec: create script: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	source := fmt.Sprintf("import json\ncontext = json.loads(%q)\n%s\n", string(contextJSON), script)
	if _, err := tmpFile.WriteString(source); err != nil {
		return nil, fmt.Errorf("python.exec: write script: %w", err)
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, pythonPath, filepath.Clean(tmpFile.Name()))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("python.exec: %w: %s", err, stderr.String())
	}

	var result any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return stdout.String(), nil
	}
	return result, nil
}
