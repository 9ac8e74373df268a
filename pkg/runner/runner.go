package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/inventory"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// ErrCancelled is returned by Run when the job was cancelled cooperatively.
var ErrCancelled = errors.New("job cancelled")

// ErrPlaybookFailed is returned when the subprocess exits non-zero.
var ErrPlaybookFailed = errors.New("playbook failed")

// defaultGrace is how long a terminated subprocess gets before force-kill.
const defaultGrace = 10 * time.Second

// Request describes one playbook invocation for a job stage.
type Request struct {
	JobID         int64
	PlaybookPath  string
	InventoryPath string
	ExtrasPath    string

	// Credential, when set, is decrypted into the working directory for
	// the lifetime of the run.
	Credential *types.Credential
	WorkDir    *inventory.WorkDir
}

// Runner spawns playbook subprocesses, streams their merged output to the
// job's event bus, persists it, and reports terminal status.
type Runner struct {
	store    storage.Store
	hub      *stream.Hub
	secrets  *security.SecretsManager
	launcher Launcher
	grace    time.Duration
}

// New creates a runner. secrets may be nil when credential storage is
// disabled; jobs without credentials still run.
func New(store storage.Store, hub *stream.Hub, secrets *security.SecretsManager, launcher Launcher) *Runner {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Runner{
		store:    store,
		hub:      hub,
		secrets:  secrets,
		launcher: launcher,
		grace:    defaultGrace,
	}
}

// Run executes one stage's playbook to completion. Output lines are
// published to the job's bus and appended to the persisted buffer as they
// arrive. Returns nil on exit code zero, ErrCancelled when ctx was
// cancelled, ErrPlaybookFailed on a non-zero exit, and other errors when
// the subprocess could not be spawned or supervised.
func (r *Runner) Run(ctx context.Context, req Request) error {
	logger := log.WithJobID(req.JobID)

	keyPath, err := r.prepareSecret(req)
	if err != nil {
		return err
	}
	if keyPath != "" {
		// The secret must not outlive the run under any exit path.
		defer os.Remove(keyPath)
	}

	proc, err := r.launcher.Spawn(req.PlaybookPath, req.InventoryPath, req.ExtrasPath, keyPath)
	if err != nil {
		return fmt.Errorf("runner error: %w", err)
	}

	// Cooperative cancellation: terminate, wait out the grace period,
	// then force-kill. done stops the watcher once the process exits.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("cancellation requested, terminating playbook")
			proc.Signal(Terminate)
			select {
			case <-time.After(r.grace):
				logger.Warn().Msg("grace period expired, killing playbook")
				proc.Signal(os.Kill)
			case <-done:
			}
		case <-done:
		}
	}()

	bus := r.hub.Open(req.JobID)
	scanner := bufio.NewScanner(proc.Output())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		bus.Publish(line)
		if err := r.store.AppendJobOutput(req.JobID, line+"\n"); err != nil {
			logger.Error().Err(err).Msg("failed to persist output chunk")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("output stream error")
	}

	code, err := proc.Wait()
	if err != nil {
		return fmt.Errorf("runner error: %w", err)
	}

	if ctx.Err() != nil {
		return ErrCancelled
	}
	if code != 0 {
		return fmt.Errorf("%w: exit code %d", ErrPlaybookFailed, code)
	}
	return nil
}

func (r *Runner) prepareSecret(req Request) (string, error) {
	if req.Credential == nil {
		return "", nil
	}
	if r.secrets == nil {
		return "", fmt.Errorf("credential %d requested but encryption is not configured", req.Credential.ID)
	}

	plain, err := r.secrets.Decrypt(req.Credential.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential %d: %w", req.Credential.ID, err)
	}

	if req.Credential.Kind == types.CredentialKindKey {
		plain = []byte(security.PrepareSSHKey(string(plain)))
	}

	path, err := req.WorkDir.WriteSecret(plain)
	if err != nil {
		return "", err
	}
	return path, nil
}

// WithGrace overrides the termination grace period, mainly for tests.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	r.grace = d
	return r
}
