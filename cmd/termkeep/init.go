package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/termkeep/internal/defaults"
)

// runInit prepares a working directory: the data directory and a
// commented env file. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing termkeep in %s\n", dir)

	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(data, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", data, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", data)

	envPath := filepath.Join(dir, ".env")
	written, err := writeIfMissing(envPath, defaults.EnvExample)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", envPath)
	} else {
		fmt.Fprintf(w, "  - %s exists, left unchanged\n", envPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Fill in BOT_TOKEN, ADMIN_ID and RTMP_URL in .env, then run: termkeep provision")
	return nil
}

// writeIfMissing writes content to path only if nothing exists there.
// The file holds secrets once edited, so it is private to the owner.
func writeIfMissing(path string, content []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
