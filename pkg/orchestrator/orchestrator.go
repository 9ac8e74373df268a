package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/analyzer"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/inventory"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// Config wires an Orchestrator.
type Config struct {
	Store       storage.Store
	Hub         *stream.Hub
	Runner      *runner.Runner
	Analyzer    *analyzer.Analyzer // optional
	Prober      guard.Prober       // optional
	PlaybookDir string
	WorkDir     string
}

// Orchestrator turns a validated, locked request into an ordered sequence
// of stages, runs them strictly sequentially, transitions node statuses,
// and settles the job. One goroutine per operation owns the cluster's lock
// from acquisition (done by the caller) to FinishJob, which releases it on
// every exit path including panics.
type Orchestrator struct {
	store       storage.Store
	hub         *stream.Hub
	runner      *runner.Runner
	analyzer    *analyzer.Analyzer
	prober      guard.Prober
	playbookDir string
	workDir     string

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:       cfg.Store,
		hub:         cfg.Hub,
		runner:      cfg.Runner,
		analyzer:    cfg.Analyzer,
		prober:      cfg.Prober,
		playbookDir: cfg.PlaybookDir,
		workDir:     cfg.WorkDir,
		cancels:     make(map[int64]context.CancelFunc),
	}
}

// Operation is one locked mutating request.
type Operation struct {
	Job     *types.Job
	Cluster *types.Cluster

	// Targets is the explicit node list for scale operations; nil means
	// the operation derives its participants from the topology.
	Targets []*types.Node
}

// Execute runs the operation asynchronously. The caller must already hold
// the cluster lock on behalf of op.Job.
func (o *Orchestrator) Execute(op Operation) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(op)
	}()
}

// Cancel signals the running job's operation goroutine. Returns false when
// the job is not running under this orchestrator.
func (o *Orchestrator) Cancel(jobID int64) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every in-flight operation has settled. Used on
// shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) register(jobID int64, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[jobID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(jobID int64) {
	o.mu.Lock()
	delete(o.cancels, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) run(op Operation) {
	job := op.Job
	logger := log.WithJobID(job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	o.register(job.ID, cancel)
	defer o.unregister(job.ID)
	defer cancel()

	bus := o.hub.Open(job.ID)

	status := types.JobStatusFailed
	trailer := ""
	started := time.Now()
	metrics.ClusterLocks.Inc()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("operation panicked")
			status = types.JobStatusFailed
			trailer = fmt.Sprintf("\n[Job failed: internal error: %v]\n", p)
		}
		// FinishJob marks the job terminal and releases the cluster lock
		// in one transaction; it must run on every exit path.
		if err := o.store.FinishJob(job.ID, status, trailer); err != nil {
			logger.Error().Err(err).Msg("failed to settle job")
		}
		bus.Close()
		metrics.JobsTotal.WithLabelValues(string(job.Kind), string(status)).Inc()
		metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(started).Seconds())
		metrics.ClusterLocks.Dec()
	}()

	now := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}

	stages, err := o.stagesFor(op)
	if err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}

	wd, err := inventory.NewWorkDir(o.workDir, job.ID)
	if err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}
	defer wd.Remove()

	cred, err := o.credentialFor(op.Cluster)
	if err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}

	for _, st := range stages {
		if err := o.runStage(ctx, op, st, wd, cred); err != nil {
			if errors.Is(err, runner.ErrCancelled) {
				status = types.JobStatusCancelled
				trailer = "\n[Job cancelled by user]\n"
			} else {
				trailer = fmt.Sprintf("\n[Job failed during stage %s: %v]\n", st.Tag, err)
			}
			return
		}
	}

	status = types.JobStatusSuccess
	trailer = "\n[Job completed successfully]\n"
	o.refreshInstallStage(op.Cluster.ID)
}

// runStage executes one stage: transition participants in, render the
// documents, run the playbook, transition participants out. A later stage
// never starts unless this one exited zero with its nodes settled.
func (o *Orchestrator) runStage(ctx context.Context, op Operation, st stage, wd *inventory.WorkDir, cred *types.Credential) error {
	logger := log.WithJobID(op.Job.ID)
	logger.Info().Str("stage", string(st.Tag)).Msg("starting stage")

	if err := o.recordStage(op.Cluster.ID, st.Tag); err != nil {
		return err
	}

	if err := o.transitionAll(st.Participants, st.EnterStatus, ""); err != nil {
		return err
	}

	inv, err := inventory.Render(op.Cluster, cred, st.Tag, st.InventoryNodes)
	if err != nil {
		return err
	}
	invPath, err := wd.WriteInventory(inv)
	if err != nil {
		return err
	}

	extras, err := inventory.RenderExtraVars(op.Cluster, cred, st.Tag)
	if err != nil {
		return err
	}
	extrasPath, err := wd.WriteExtraVars(extras)
	if err != nil {
		return err
	}

	playbook := filepath.Join(o.playbookDir, st.Playbook)
	op.Job.PlaybookPath = playbook
	op.Job.InventoryPath = invPath
	if err := o.store.UpdateJob(op.Job); err != nil {
		return err
	}

	runErr := o.runner.Run(ctx, runner.Request{
		JobID:         op.Job.ID,
		PlaybookPath:  playbook,
		InventoryPath: invPath,
		ExtrasPath:    extrasPath,
		Credential:    cred,
		WorkDir:       wd,
	})
	if runErr != nil {
		reason := runErr.Error()
		if errors.Is(runErr, runner.ErrCancelled) {
			reason = "cancelled"
		}
		if terr := o.transitionAll(st.Participants, types.NodeStatusFailed, reason); terr != nil {
			logger.Error().Err(terr).Msg("failed to mark participants failed")
		}
		return runErr
	}

	return o.transitionAll(st.Participants, st.ExitStatus, "")
}

// transitionAll moves every participating node to the given status.
func (o *Orchestrator) transitionAll(nodes []*types.Node, status types.NodeStatus, reason string) error {
	now := time.Now().UTC()
	for _, n := range nodes {
		n.Status = status
		switch status {
		case types.NodeStatusInstalling, types.NodeStatusDraining:
			n.InstallStartedAt = &now
			n.LastError = ""
		case types.NodeStatusActive, types.NodeStatusRemoved:
			n.InstallEndedAt = &now
			n.LastError = ""
		case types.NodeStatusFailed:
			n.InstallEndedAt = &now
			n.LastError = reason
		}
		if err := o.store.UpdateNode(n); err != nil {
			return fmt.Errorf("failed to transition node %s: %w", n.Hostname, err)
		}
	}
	return nil
}

func (o *Orchestrator) recordStage(clusterID int64, tag types.Stage) error {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return err
	}
	cluster.InstallStage = string(tag)
	return o.store.UpdateCluster(cluster)
}

func (o *Orchestrator) credentialFor(cluster *types.Cluster) (*types.Credential, error) {
	if cluster.CredentialID == 0 {
		return nil, nil
	}
	cred, err := o.store.GetCredential(cluster.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("cluster credential: %w", err)
	}
	return cred, nil
}
