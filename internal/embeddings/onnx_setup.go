//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// ONNXRuntimeVersion matches the onnxruntime_go binding fastembed-go uses.
const ONNXRuntimeVersion = "1.23.0"

const onnxReleaseURL = "https://github.com/microsoft/onnxruntime/releases/download/v%s/onnxruntime-%s-%s.tgz"

// ErrUnsupportedPlatform indicates no ONNX runtime release exists for
// this OS/arch.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

var onnxPlatforms = map[string]map[string]string{
	"linux":  {"amd64": "linux-x64", "arm64": "linux-aarch64"},
	"darwin": {"amd64": "osx-x86_64", "arm64": "osx-arm64"},
}

func onnxPlatform(goos, goarch string) (string, error) {
	if arch, ok := onnxPlatforms[goos][goarch]; ok {
		return arch, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

func onnxLibraryName(goos string) string {
	if goos == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

// setONNXPath points onnxruntime_go at the shared library.
var setONNXPath = func(path string) error {
	return os.Setenv("ONNX_PATH", path)
}

// EnsureONNXRuntime returns the ONNX runtime library path, downloading the
// runtime into libDir when neither ONNX_PATH nor libDir has it.
func EnsureONNXRuntime(ctx context.Context, libDir string, logger *zap.Logger) (string, error) {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p, nil
	}

	path := filepath.Join(libDir, onnxLibraryName(runtime.GOOS))
	if _, err := os.Stat(path); err != nil {
		logger.Info("downloading ONNX runtime",
			zap.String("version", ONNXRuntimeVersion),
			zap.String("dir", libDir))
		if err := downloadONNXRuntime(ctx, ONNXRuntimeVersion, libDir); err != nil {
			return "", fmt.Errorf("installing ONNX runtime (set ONNX_PATH to use an existing one): %w", err)
		}
	}
	if err := setONNXPath(path); err != nil {
		return "", fmt.Errorf("setting ONNX_PATH: %w", err)
	}
	return path, nil
}

func downloadONNXRuntime(ctx context.Context, version, destDir string) error {
	platform, err := onnxPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(onnxReleaseURL, version, platform, version), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	prefix := fmt.Sprintf("onnxruntime-%s-%s/lib/", platform, version)
	return extractLibraries(resp.Body, destDir, prefix, onnxLibraryName(runtime.GOOS))
}

// extractLibraries copies every regular file and symlink under prefix in
// the tarball into destDir. It fails if libName was not among them.
func extractLibraries(r io.Reader, destDir, prefix, libName string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var found bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if !strings.HasPrefix(name, prefix) || hdr.Typeflag == tar.TypeDir {
			continue
		}
		filename := filepath.Base(name)
		dest := filepath.Join(destDir, filename)

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			_ = os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				continue
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr); err != nil {
				return fmt.Errorf("writing %s: %w", filename, err)
			}
		default:
			continue
		}
		if filename == libName || strings.HasPrefix(filename, libName+".") {
			found = true
		}
	}

	if !found {
		return fmt.Errorf("library %s not found in archive", libName)
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
