// Package archive implements rwpollexec's post-processing step: moving a
// file that has finished its command into an archive tree, or discarding
// it, per spec.md 4.9.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Layout selects how archived files are organized under Root.
type Layout int

const (
	// LayoutFlat drops every file directly under Root.
	LayoutFlat Layout = iota
	// LayoutTimePartitioned nests files under Root/YYYY/MM/DD/HH.
	LayoutTimePartitioned
)

// Config configures an ArchiveFiler. A zero Root means "no archiving":
// files are unlinked in place instead of moved.
type Config struct {
	Root       string
	Layout     Layout
	PostCmd    string // optional; run after a successful archive with the archived path as its only argument
	CmdTimeout time.Duration
}

// Filer moves processed files into an archive tree, or removes them when
// no archive directory is configured.
type Filer struct {
	cfg    Config
	logger *logrus.Logger
}

// New builds a Filer.
func New(cfg Config, logger *logrus.Logger) *Filer {
	if cfg.CmdTimeout == 0 {
		cfg.CmdTimeout = 30 * time.Second
	}
	return &Filer{cfg: cfg, logger: logger}
}

// Archive disposes of path, which has already been processed. If no Root
// is configured, it is unlinked and Archive returns. Otherwise it is
// atomically moved (falling back to copy-then-unlink across filesystem
// boundaries) into the configured tree, and PostCmd, if any, is run
// against the final location.
func (f *Filer) Archive(ctx context.Context, path string, when time.Time) error {
	if f.cfg.Root == "" {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("archive: remove %s: %w", path, err)
		}
		return nil
	}

	dest := f.destinationFor(path, when)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", filepath.Dir(dest), err)
	}

	if err := move(path, dest); err != nil {
		return fmt.Errorf("archive: move %s -> %s: %w", path, dest, err)
	}

	if f.cfg.PostCmd != "" {
		f.runPostCmd(ctx, dest)
	}
	return nil
}

func (f *Filer) destinationFor(path string, when time.Time) string {
	base := filepath.Base(path)
	if f.cfg.Layout == LayoutTimePartitioned {
		return filepath.Join(f.cfg.Root,
			fmt.Sprintf("%04d", when.Year()),
			fmt.Sprintf("%02d", when.Month()),
			fmt.Sprintf("%02d", when.Day()),
			fmt.Sprintf("%02d", when.Hour()),
			base)
	}
	return filepath.Join(f.cfg.Root, base)
}

// move renames src to dest, falling back to copy-then-unlink when the two
// paths sit on different filesystems (os.Rename's EXDEV).
func move(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}
	return copyThenRemove(src, dest)
}

func copyThenRemove(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func (f *Filer) runPostCmd(ctx context.Context, archivedPath string) {
	cctx, cancel := context.WithTimeout(ctx, f.cfg.CmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, f.cfg.PostCmd, archivedPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"path":   archivedPath,
			"output": string(out),
		}).Warn("archive: post-command failed")
	}
}
