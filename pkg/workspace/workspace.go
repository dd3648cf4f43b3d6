// Package workspace provides rooted file access for build output. All paths
// are relative to the workspace root; anything resolving outside the root is
// refused before touching the filesystem.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conductor/pkg/proto"
)

// Workspace is a rooted directory holding generated project files.
type Workspace struct {
	root string
}

// New creates (if needed) and opens a workspace rooted at dir.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a workspace-relative path to an absolute one, refusing escapes.
func (w *Workspace) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", proto.NewFault(proto.FaultConstitutional, proto.CodeFileNotAllowed,
			"absolute path %q not allowed in workspace", rel)
	}
	abs := filepath.Join(w.root, filepath.Clean(rel))
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", proto.NewFault(proto.FaultConstitutional, proto.CodeFileNotAllowed,
			"path %q escapes the workspace", rel)
	}
	return abs, nil
}

// Exists reports whether a workspace file exists.
func (w *Workspace) Exists(rel string) (bool, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, proto.WrapFault(proto.FaultDependency, proto.CodeWorkspaceIO, err,
			"failed to stat %s", rel)
	}
	return true, nil
}

// Read returns the content of a workspace file.
func (w *Workspace) Read(rel string) ([]byte, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, proto.WrapFault(proto.FaultDependency, proto.CodeWorkspaceIO, err,
			"failed to read %s", rel)
	}
	return data, nil
}

// ReadLines returns the file content split into lines without terminators.
func (w *Workspace) ReadLines(rel string) ([]string, error) {
	data, err := w.Read(rel)
	if err != nil {
		return nil, err
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.Split(content, "\n"), nil
}

// Write replaces the content of a workspace file, creating parent directories.
func (w *Workspace) Write(rel string, content []byte) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return proto.WrapFault(proto.FaultDependency, proto.CodeWorkspaceIO, err,
			"failed to create parent for %s", rel)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return proto.WrapFault(proto.FaultDependency, proto.CodeWorkspaceIO, err,
			"failed to write %s", rel)
	}
	return nil
}

// WriteLines joins lines with LF and writes them.
func (w *Workspace) WriteLines(rel string, lines []string) error {
	return w.Write(rel, []byte(strings.Join(lines, "\n")))
}
