package unpack

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runner invokes the external decoders the Unpack Pool shells out to.
// Abstracted behind an interface so tests can inject a fake instead of
// requiring gunzip/unzip/crx2rnx/sbf2rin on the test host (grounded on the
// worker/internal/executor subprocess-invocation pattern: context timeout,
// captured stdout/stderr, wrapped non-zero-exit errors).
type Runner interface {
	Gunzip(ctx context.Context, src, destDir string) (string, error)
	Unzip(ctx context.Context, src, destDir string) ([]string, error)
	CRX2RNX(ctx context.Context, src, destDir string) (string, error)
	SBF2RIN(ctx context.Context, src, destDir, countryCode string) (string, error)
}

// decodeTimeout bounds a single subprocess invocation.
const decodeTimeout = 2 * time.Minute

// ExecRunner is the real Runner, shelling out to configured binaries.
type ExecRunner struct {
	// Paths maps decoder name ("gunzip", "unzip", "crx2rnx", "sbf2rin") to
	// an executable path; a missing entry falls back to the bare name on
	// $PATH (config.UnpackConfig.DecoderPaths).
	Paths map[string]string
}

// NewExecRunner builds an ExecRunner from the configured decoder paths.
func NewExecRunner(paths map[string]string) *ExecRunner {
	return &ExecRunner{Paths: paths}
}

func (r *ExecRunner) binary(name string) string {
	if p, ok := r.Paths[name]; ok && p != "" {
		return p
	}
	return name
}

func (r *ExecRunner) run(ctx context.Context, name string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, decodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binary(name), args...)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("unpack: %s timed out", name)
	}
	if err != nil {
		return fmt.Errorf("unpack: %s failed: %w: %s", name, err, strings.TrimSpace(errOut.String()))
	}
	return nil
}

// Gunzip decompresses src into destDir, returning the decompressed path.
func (r *ExecRunner) Gunzip(ctx context.Context, src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("unpack: mkdir %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, strings.TrimSuffix(filepath.Base(src), ".gz"))

	runCtx, cancel := context.WithTimeout(ctx, decodeTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, r.binary("gunzip"), "-c", src)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("unpack: gunzip %s timed out", src)
		}
		return "", fmt.Errorf("unpack: gunzip %s failed: %w: %s", src, err, strings.TrimSpace(errOut.String()))
	}
	if err := os.WriteFile(dest, out.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("unpack: write %s: %w", dest, err)
	}
	return dest, nil
}

// Unzip extracts src into destDir, returning the extracted member basenames.
func (r *ExecRunner) Unzip(ctx context.Context, src, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("unpack: mkdir %s: %w", destDir, err)
	}
	if err := r.run(ctx, "unzip", "-o", "-d", destDir, src); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, fmt.Errorf("unpack: list %s: %w", destDir, err)
	}
	members := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			members = append(members, e.Name())
		}
	}
	return members, nil
}

// CRX2RNX converts a Hatanaka-compressed observation file in place and
// moves the result into destDir.
func (r *ExecRunner) CRX2RNX(ctx context.Context, src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("unpack: mkdir %s: %w", destDir, err)
	}
	if err := r.run(ctx, "crx2rnx", "-f", src); err != nil {
		return "", err
	}
	produced := crxToRNXName(src)
	if produced == src {
		return "", fmt.Errorf("unpack: crx2rnx: cannot derive output name for %s", src)
	}
	if filepath.Dir(produced) == destDir {
		return produced, nil
	}
	dest := filepath.Join(destDir, filepath.Base(produced))
	if err := os.Rename(produced, dest); err != nil {
		return "", fmt.Errorf("unpack: move %s: %w", produced, err)
	}
	return dest, nil
}

// crxToRNXName derives crx2rnx's in-place output name: the trailing 'd'/'D'
// Hatanaka marker becomes 'o'/'O'.
func crxToRNXName(src string) string {
	base := filepath.Base(src)
	if base == "" {
		return src
	}
	last := base[len(base)-1]
	var repl byte
	switch last {
	case 'd':
		repl = 'o'
	case 'D':
		repl = 'O'
	default:
		return src
	}
	return filepath.Join(filepath.Dir(src), base[:len(base)-1]+string(repl))
}

// SBF2RIN decodes a Septentrio raw binary file into destDir, using the
// country code the caller passes in (the Pool looks it up by site in the
// configured unpack.country_codes table).
func (r *ExecRunner) SBF2RIN(ctx context.Context, src, destDir, countryCode string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("unpack: mkdir %s: %w", destDir, err)
	}
	args := []string{"-f", src, "-o", destDir + string(os.PathSeparator)}
	if countryCode != "" {
		args = append(args, "-O", countryCode)
	}
	if err := r.run(ctx, "sbf2rin", args...); err != nil {
		return "", err
	}
	return destDir, nil
}
