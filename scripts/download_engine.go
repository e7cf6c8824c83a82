//go:build ignore

// download_engine.go is a standalone Go script (not part of any module)
// that downloads a Stockfish binary for the current platform into bin/.
// It is the quickest way to get a working --engine for local development:
//
//	go run ./scripts/download_engine.go
//	enginefarm-server --server-id dev --engine bin/stockfish
//
// Using a Go script instead of shell commands guarantees identical
// behaviour on Linux, macOS, and Windows without any external tools beyond
// the Go toolchain itself.
//
// Stockfish release format per platform:
//   - Linux/macOS: stockfish-<platform>.tar (tar containing stockfish/<name>)
//   - Windows:     stockfish-<platform>.zip (zip containing stockfish/<name>.exe)
package main

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	stockfishTag = "sf_17.1"
	binDir       = "bin"
)

func main() {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		fatalf("create bin dir: %v", err)
	}

	if err := downloadStockfish(); err != nil {
		fatalf("stockfish: %v", err)
	}
}

// ─── stockfish ───────────────────────────────────────────────────────────────

func downloadStockfish() error {
	platform, err := stockfishPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}
	out := filepath.Join(binDir, "stockfish"+exeExt())

	if fileExists(out) {
		fmt.Printf("stockfish already present: %s\n", out)
		return nil
	}

	archiveExt := ".tar"
	if runtime.GOOS == "windows" {
		archiveExt = ".zip"
	}
	archive := fmt.Sprintf("stockfish-%s%s", platform, archiveExt)
	url := fmt.Sprintf("https://github.com/official-stockfish/Stockfish/releases/download/%s/%s", stockfishTag, archive)

	fmt.Printf("Downloading stockfish %s for %s/%s...\n", stockfishTag, runtime.GOOS, runtime.GOARCH)

	data, err := fetch(url)
	if err != nil {
		return err
	}

	var binary []byte
	if archiveExt == ".zip" {
		binary, err = extractFromZipBySuffix(data, ".exe")
	} else {
		binary, err = extractFromTarByPrefix(data, "stockfish")
	}
	if err != nil {
		return fmt.Errorf("extract from archive: %w", err)
	}

	return writeExecutable(out, binary)
}

// stockfishPlatform maps GOOS/GOARCH to the platform name used in Stockfish
// release filenames. The plain x86-64 builds are chosen over the avx2
// variants so the binary also runs on older CPUs.
func stockfishPlatform(goos, goarch string) (string, error) {
	switch goos + "/" + goarch {
	case "linux/amd64":
		return "ubuntu-x86-64", nil
	case "darwin/amd64":
		return "macos-x86-64", nil
	case "darwin/arm64":
		return "macos-m1-apple-silicon", nil
	case "windows/amd64":
		return "windows-x86-64", nil
	}
	return "", fmt.Errorf("no prebuilt stockfish for %s/%s; point --engine at a local build instead", goos, goarch)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// fetch downloads url and returns the raw bytes.
func fetch(url string) ([]byte, error) {
	resp, err := http.Get(url) //nolint:noctx
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// extractFromTarByPrefix returns the first regular file whose base name
// starts with prefix. The Stockfish tar wraps the binary in a stockfish/
// directory and the file name itself carries the full platform suffix,
// which changes across releases.
func extractFromTarByPrefix(data []byte, prefix string) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(data))

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		names = append(names, hdr.Name)
		if strings.HasPrefix(filepath.Base(hdr.Name), prefix) {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("no file starting with %q found in tar; available: %s", prefix, strings.Join(names, ", "))
}

// extractFromZipBySuffix finds the first file whose name ends with suffix
// (case-insensitive) and returns its contents. Useful when the enclosing
// directory name is not known in advance.
func extractFromZipBySuffix(data []byte, suffix string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	suffix = strings.ToLower(suffix)
	for _, f := range r.File {
		if strings.HasSuffix(strings.ToLower(f.Name), suffix) {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return nil, fmt.Errorf("no file ending with %q found in zip; available: %s", suffix, strings.Join(names, ", "))
}

// writeExecutable writes data to path and sets the executable bit on Unix.
func writeExecutable(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Written: %s\n", path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exeExt() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
