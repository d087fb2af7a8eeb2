package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

const mermaidASCIIVersion = "1.1.0"

// SHA-256 checksums for mermaid-ascii v1.1.0 release assets.
var mermaidASCIIChecksums = map[string]string{
	"mermaid-ascii_Darwin_arm64.tar.gz":  "068d2ff869d4921655cab471500fffd8c3ed28155b100518ed3cf3835d53d3d0",
	"mermaid-ascii_Darwin_x86_64.tar.gz": "0cd4c9c01a03284fe866f39a1ce1aaee1e6a2fbd91deedc4ec254cb87622eec8",
	"mermaid-ascii_Linux_arm64.tar.gz":   "3b7d0a95141bfbca838e445ea802ffb7fba8873b3c4af498482c84f83526f2db",
	"mermaid-ascii_Linux_x86_64.tar.gz":  "838ea93d561b3bc83aa15531c6ed7d2d261a8edc521d5484f7e91fe831cc4c65",
}

func newInstallCommand() *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "fetch the mermaid-ascii helper binary used by \"fuschia diagram --format ascii\"",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "bin-dir",
				Usage: "directory to install mermaid-ascii into",
				Value: filepath.Join(defaultDataDir(), "bin"),
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			return installMermaidASCII(cmd.String("bin-dir"))
		},
	}
}

// installMermaidASCII downloads and verifies the mermaid-ascii release binary
// for the current platform into binDir. Skips the download if already
// present. diagram.RenderASCIIAuto falls back to the built-in renderer on
// its own if this was never run, so a failure here is reported, not fatal
// to the rest of the CLI.
func installMermaidASCII(binDir string) error {
	destPath := filepath.Join(binDir, "mermaid-ascii")
	if _, err := os.Stat(destPath); err == nil {
		fmt.Printf("mermaid-ascii already installed at %s\n", destPath)
		return nil
	}

	assetName, err := mermaidASCIIAssetName()
	if err != nil {
		return fmt.Errorf("%w — ASCII diagrams will use the built-in fallback renderer", err)
	}

	url := fmt.Sprintf("https://github.com/AlexanderGrooff/mermaid-ascii/releases/download/%s/%s",
		mermaidASCIIVersion, assetName)

	fmt.Printf("downloading mermaid-ascii %s...\n", mermaidASCIIVersion)

	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", binDir, err)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	tmpPath, err := downloadToTempFile(url, binDir, client)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer os.Remove(tmpPath)

	if expected, ok := mermaidASCIIChecksums[assetName]; ok {
		actual, err := sha256File(tmpPath)
		if err != nil {
			return fmt.Errorf("compute checksum: %w", err)
		}
		if actual != expected {
			return fmt.Errorf("checksum mismatch for %s (expected %s, got %s)", assetName, expected, actual)
		}
	} else {
		fmt.Fprintf(os.Stderr, "warning: no known checksum for %s, skipping verification\n", assetName)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(assetName, ".tar.gz") {
		return fmt.Errorf("unsupported archive format: %s", assetName)
	}
	if err := extractTarGz(f, binDir, "mermaid-ascii"); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("extraction failed: %w", err)
	}
	if err := os.Chmod(destPath, 0o755); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	fmt.Printf("mermaid-ascii installed to %s\n", destPath)
	return nil
}

// mermaidASCIIAssetName returns the GitHub release asset name for the current platform.
func mermaidASCIIAssetName() (string, error) {
	osName := ""
	switch runtime.GOOS {
	case "darwin":
		osName = "Darwin"
	case "linux":
		osName = "Linux"
	default:
		return "", fmt.Errorf("mermaid-ascii: unsupported OS %q", runtime.GOOS)
	}

	archName := ""
	switch runtime.GOARCH {
	case "amd64":
		archName = "x86_64"
	case "arm64":
		archName = "arm64"
	case "386":
		archName = "i386"
	default:
		return "", fmt.Errorf("mermaid-ascii: unsupported architecture %q", runtime.GOARCH)
	}

	return fmt.Sprintf("mermaid-ascii_%s_%s.tar.gz", osName, archName), nil
}

// extractTarGz extracts a specific file from a tar.gz archive into destDir.
func extractTarGz(r io.Reader, destDir, targetName string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("file %q not found in archive", targetName)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		if filepath.Base(hdr.Name) != targetName {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		destPath := filepath.Join(destDir, targetName)
		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", destPath, err)
		}
		return f.Close()
	}
}

// sha256File computes the SHA-256 hex digest of a file.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// downloadToTempFile downloads url to a temporary file in dir. Caller removes it.
func downloadToTempFile(url, dir string, client *http.Client) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", err
	}
	path := f.Name()

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
