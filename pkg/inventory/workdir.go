package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WorkDir is the short-lived per-job working directory holding the rendered
// inventory, the extra-vars document and, while the job runs, the decrypted
// secret file. Everything in it is removed when the job reaches a terminal
// state; the output buffer lives in the store, not here.
type WorkDir struct {
	Path string
}

// NewWorkDir creates a fresh working directory under parent.
func NewWorkDir(parent string, jobID int64) (*WorkDir, error) {
	path := filepath.Join(parent, fmt.Sprintf("job-%d-%s", jobID, uuid.NewString()[:8]))
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	return &WorkDir{Path: path}, nil
}

// WriteInventory writes the inventory document and returns its path.
func (w *WorkDir) WriteInventory(content string) (string, error) {
	return w.write("inventory.ini", []byte(content), 0644)
}

// WriteExtraVars writes the extra-variables document and returns its path.
func (w *WorkDir) WriteExtraVars(content []byte) (string, error) {
	return w.write("extravars.yaml", content, 0644)
}

// WriteSecret writes decrypted credential material with tight permissions
// and returns its path. The caller owns deleting it on every exit path.
func (w *WorkDir) WriteSecret(content []byte) (string, error) {
	return w.write("ssh.key", content, 0600)
}

// WriteKubeconfig writes the cluster kubeconfig for removal and check
// playbooks and returns its path.
func (w *WorkDir) WriteKubeconfig(content string) (string, error) {
	return w.write("kubeconfig.yaml", []byte(content), 0600)
}

func (w *WorkDir) write(name string, content []byte, mode os.FileMode) (string, error) {
	path := filepath.Join(w.Path, name)
	if err := os.WriteFile(path, content, mode); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

// Remove deletes the working directory and everything in it.
func (w *WorkDir) Remove() error {
	return os.RemoveAll(w.Path)
}
