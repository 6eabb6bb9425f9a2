package action

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// Executor runs Actions, substituting no placeholders itself — callers
// substitute first using a resolver that can see prior actions' outputs
// (§4.D: "The executor does not perform placeholder substitution").
type Executor struct {
	// FetchCacheDir is the content-addressed cache directory FetchUrl
	// actions download into, keyed by the expected checksum.
	FetchCacheDir string

	// HTTPClient is used for FetchUrl actions. Defaults to a client with
	// gzip negotiation disabled at the transport level (decompression is
	// handled explicitly below with pgzip, mirroring the cache-aware
	// fetch in the teacher's internal/repo.Reader).
	HTTPClient *http.Client
}

func NewExecutor(cacheDir string) *Executor {
	return &Executor{
		FetchCacheDir: cacheDir,
		HTTPClient: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			DisableCompression:  true,
		}},
	}
}

// Run executes a single already-substituted Action (bin/args/env/cwd or
// url/sha256 with placeholders already resolved) and returns its Result.
func (e *Executor) Run(ctx context.Context, act Action, defaultCwd string) (Result, error) {
	switch act.Kind {
	case KindExec:
		return e.runExec(ctx, act, defaultCwd)
	case KindFetchURL:
		return e.runFetchURL(ctx, act)
	default:
		return Result{}, fmt.Errorf("action: unhandled kind %q", act.Kind)
	}
}

func (e *Executor) runExec(ctx context.Context, act Action, defaultCwd string) (Result, error) {
	cwd := act.Cwd
	if cwd == "" {
		cwd = defaultCwd
	}
	if err := os.MkdirAll(cwd, 0755); err != nil {
		return Result{}, xerrors.Errorf("mkdir cwd %s: %w", cwd, err)
	}

	cmd := exec.CommandContext(ctx, act.Bin, act.Args...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), act.Env)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var code *int
		if exitErr, ok := err.(*exec.ExitError); ok {
			c := exitErr.ExitCode()
			code = &c
		}
		return Result{}, &CmdFailedError{
			Cmd:  fmt.Sprintf("%s %s", act.Bin, strings.Join(act.Args, " ")),
			Code: code,
		}
	}

	return Result{Output: trimTrailingNewline(stdout.String())}, nil
}

func (e *Executor) runFetchURL(ctx context.Context, act Action) (Result, error) {
	if act.SHA256 == "" {
		return Result{}, fmt.Errorf("action: fetch_url requires sha256")
	}

	cachePath := filepath.Join(e.FetchCacheDir, act.SHA256)
	if _, err := os.Stat(cachePath); err == nil {
		return Result{Output: cachePath}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, act.URL, nil)
	if err != nil {
		return Result{}, xerrors.Errorf("fetch_url request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return Result{}, xerrors.Errorf("fetch_url %s: %w", act.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, &CmdFailedError{Cmd: "fetch " + act.URL}
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := pgzip.NewReader(resp.Body)
		if err != nil {
			return Result{}, xerrors.Errorf("fetch_url gunzip: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	h := sha256.New()
	if err := os.MkdirAll(e.FetchCacheDir, 0755); err != nil {
		return Result{}, xerrors.Errorf("mkdir cache dir: %w", err)
	}
	tmp, err := renameio.TempFile(e.FetchCacheDir, cachePath)
	if err != nil {
		return Result{}, xerrors.Errorf("fetch_url tempfile: %w", err)
	}
	defer tmp.Cleanup()

	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		return Result{}, xerrors.Errorf("fetch_url copy: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != act.SHA256 {
		return Result{}, &CmdFailedError{Cmd: fmt.Sprintf("checksum mismatch for %s: got %s want %s", act.URL, got, act.SHA256)}
	}

	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return Result{}, xerrors.Errorf("fetch_url commit: %w", err)
	}

	return Result{Output: cachePath}, nil
}

// mergeEnv replaces only the keys present in overrides, leaving the rest of
// base untouched, per §4.D ("replacing env only for specified keys").
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			k = kv[:idx]
		}
		if v, ok := overrides[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
		} else {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		if !seen[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// trimTrailingNewline implements the §4.D stdout trim rule: strip a
// trailing "\r\n" and a single trailing "\n", nothing else.
func trimTrailingNewline(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	if strings.HasSuffix(s, "\n") {
		return s[:len(s)-1]
	}
	return s
}
