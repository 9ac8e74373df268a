package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/inventory"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess emits scripted lines, then exits with the configured code.
// When blocking, it emits nothing until signalled.
type fakeProcess struct {
	mu       sync.Mutex
	lines    []string
	exitCode int
	blocking bool

	pr      *io.PipeReader
	pw      *io.PipeWriter
	signals []os.Signal
	release chan struct{}
}

func newFakeProcess(lines []string, exitCode int, blocking bool) *fakeProcess {
	pr, pw := io.Pipe()
	p := &fakeProcess{
		lines:    lines,
		exitCode: exitCode,
		blocking: blocking,
		pr:       pr,
		pw:       pw,
		release:  make(chan struct{}),
	}
	go p.emit()
	return p
}

func (p *fakeProcess) emit() {
	if p.blocking {
		<-p.release
	}
	for _, line := range p.lines {
		io.WriteString(p.pw, line+"\n")
	}
	p.pw.Close()
}

func (p *fakeProcess) Output() io.ReadCloser { return p.pr }

func (p *fakeProcess) Wait() (int, error) {
	if p.blocking {
		<-p.release
	}
	return p.exitCode, nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	select {
	case <-p.release:
	default:
		close(p.release)
	}
	return nil
}

func (p *fakeProcess) sigs() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeLauncher hands out one scripted process per Spawn and records the
// paths it was given.
type fakeLauncher struct {
	mu      sync.Mutex
	next    func() *fakeProcess
	spawned []*fakeProcess
	keyPath string
	keySeen bool // whether the key file existed at spawn time
}

func (l *fakeLauncher) Spawn(playbookPath, inventoryPath, extrasPath, privateKeyPath string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyPath = privateKeyPath
	if privateKeyPath != "" {
		_, err := os.Stat(privateKeyPath)
		l.keySeen = err == nil
	}
	proc := l.next()
	l.spawned = append(l.spawned, proc)
	return proc, nil
}

func setup(t *testing.T) (*storage.BoltStore, *stream.Hub, *types.Job, *inventory.WorkDir) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cluster := &types.Cluster{Name: "prod", Kind: types.ClusterKindFresh, Version: "v1.28.5+rke2r1"}
	require.NoError(t, store.CreateCluster(cluster))
	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))

	wd, err := inventory.NewWorkDir(t.TempDir(), job.ID)
	require.NoError(t, err)
	t.Cleanup(func() { wd.Remove() })

	return store, stream.NewHub(), job, wd
}

func TestRunStreamsAndPersistsOutput(t *testing.T) {
	store, hub, job, wd := setup(t)
	launcher := &fakeLauncher{next: func() *fakeProcess {
		return newFakeProcess([]string{"TASK [one]", "TASK [two]", "PLAY RECAP"}, 0, false)
	}}

	r := New(store, hub, nil, launcher)

	sub := hub.Open(job.ID).Subscribe()

	err := r.Run(context.Background(), Request{
		JobID:         job.ID,
		PlaybookPath:  "install_rke2.yml",
		InventoryPath: filepath.Join(wd.Path, "inventory.ini"),
		ExtrasPath:    filepath.Join(wd.Path, "extravars.yaml"),
		WorkDir:       wd,
	})
	require.NoError(t, err)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "TASK [one]\nTASK [two]\nPLAY RECAP\n", stored.Output)

	// Live subscribers observed every chunk in publish order.
	var data []string
	for i := 0; i < 3; i++ {
		select {
		case chunk := <-sub.Live:
			assert.Equal(t, i, chunk.Index)
			data = append(data, chunk.Data)
		case <-time.After(time.Second):
			t.Fatal("missing chunk")
		}
	}
	assert.Equal(t, []string{"TASK [one]", "TASK [two]", "PLAY RECAP"}, data)
}

func TestRunNonZeroExit(t *testing.T) {
	store, hub, job, wd := setup(t)
	launcher := &fakeLauncher{next: func() *fakeProcess {
		return newFakeProcess([]string{"fatal: unreachable"}, 2, false)
	}}

	r := New(store, hub, nil, launcher)
	err := r.Run(context.Background(), Request{JobID: job.ID, PlaybookPath: "x.yml", WorkDir: wd})

	assert.ErrorIs(t, err, ErrPlaybookFailed)
	assert.ErrorContains(t, err, "exit code 2")
}

func TestRunCancellation(t *testing.T) {
	store, hub, job, wd := setup(t)
	launcher := &fakeLauncher{next: func() *fakeProcess {
		return newFakeProcess(nil, 143, true)
	}}

	r := New(store, hub, nil, launcher).WithGrace(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx, Request{JobID: job.ID, PlaybookPath: "x.yml", WorkDir: wd})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	launcher.mu.Lock()
	proc := launcher.spawned[0]
	launcher.mu.Unlock()
	require.NotEmpty(t, proc.sigs())
	assert.Equal(t, Terminate, proc.sigs()[0])
}

func TestRunWritesAndRemovesSecret(t *testing.T) {
	store, hub, job, wd := setup(t)

	secrets, err := security.NewSecretsManagerFromEnv("test-passphrase")
	require.NoError(t, err)
	encrypted, err := secrets.Encrypt([]byte("PRIVATE KEY MATERIAL"))
	require.NoError(t, err)
	cred := &types.Credential{ID: 1, Username: "ubuntu", Kind: types.CredentialKindKey, EncryptedSecret: encrypted}

	launcher := &fakeLauncher{next: func() *fakeProcess {
		return newFakeProcess([]string{"ok"}, 0, false)
	}}

	r := New(store, hub, secrets, launcher)
	err = r.Run(context.Background(), Request{JobID: job.ID, PlaybookPath: "x.yml", Credential: cred, WorkDir: wd})
	require.NoError(t, err)

	// The subprocess saw the key file; after the run it is gone.
	assert.True(t, launcher.keySeen)
	assert.NotEmpty(t, launcher.keyPath)
	_, statErr := os.Stat(launcher.keyPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunSecretRemovedOnFailure(t *testing.T) {
	store, hub, job, wd := setup(t)

	secrets, err := security.NewSecretsManagerFromEnv("test-passphrase")
	require.NoError(t, err)
	encrypted, err := secrets.Encrypt([]byte("PRIVATE KEY MATERIAL"))
	require.NoError(t, err)
	cred := &types.Credential{ID: 1, Username: "ubuntu", Kind: types.CredentialKindKey, EncryptedSecret: encrypted}

	launcher := &fakeLauncher{next: func() *fakeProcess {
		return newFakeProcess([]string{"fatal"}, 1, false)
	}}

	r := New(store, hub, secrets, launcher)
	err = r.Run(context.Background(), Request{JobID: job.ID, PlaybookPath: "x.yml", Credential: cred, WorkDir: wd})
	require.Error(t, err)

	_, statErr := os.Stat(launcher.keyPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCredentialWithoutEncryption(t *testing.T) {
	store, hub, job, wd := setup(t)
	launcher := &fakeLauncher{next: func() *fakeProcess {
		return newFakeProcess(nil, 0, false)
	}}

	r := New(store, hub, nil, launcher)
	err := r.Run(context.Background(), Request{
		JobID:      job.ID,
		Credential: &types.Credential{ID: 1, Kind: types.CredentialKindKey},
		WorkDir:    wd,
	})
	assert.ErrorContains(t, err, "encryption is not configured")
}
