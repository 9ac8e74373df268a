package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/inventory"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/preflight"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

const playbookPreflight = "preflight_check.yml"

// CheckRequest is a read-only preflight or upgrade-readiness run. Checks
// never take the cluster lock: they mutate no nodes and may run alongside
// nothing or anything.
type CheckRequest struct {
	Job           *types.Job
	Cluster       *types.Cluster
	Analyze       bool
	TargetVersion string
}

// ExecuteCheck runs the check asynchronously.
func (o *Orchestrator) ExecuteCheck(req CheckRequest) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runCheck(req)
	}()
}

func (o *Orchestrator) runCheck(req CheckRequest) {
	job := req.Job
	logger := log.WithJobID(job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	o.register(job.ID, cancel)
	defer o.unregister(job.ID)
	defer cancel()

	bus := o.hub.Open(job.ID)

	status := types.JobStatusFailed
	trailer := ""
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("check panicked")
			status = types.JobStatusFailed
			trailer = fmt.Sprintf("\n[Job failed: internal error: %v]\n", p)
		}
		if err := o.store.FinishJob(job.ID, status, trailer); err != nil {
			logger.Error().Err(err).Msg("failed to settle job")
		}
		bus.Close()
		metrics.JobsTotal.WithLabelValues(string(job.Kind), string(status)).Inc()
		metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(started).Seconds())
	}()

	now := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}

	o.emit(job.ID, bus, "[preflight] collecting controller-side checks")

	nodes, err := o.store.ListNodes(req.Cluster.ID)
	if err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}

	report := preflight.Collect(req.Cluster, nodes, o.prober, req.TargetVersion)

	// Remote facts come from the check playbook when the cluster has hosts
	// we can reach. Its failure degrades the report; it does not fail the
	// check run.
	if len(nodes) > 0 && req.Cluster.CredentialID != 0 {
		if err := o.runCheckPlaybook(ctx, req, nodes, report); err != nil {
			if errors.Is(err, runner.ErrCancelled) {
				status = types.JobStatusCancelled
				trailer = "\n[Job cancelled by user]\n"
				return
			}
			o.emit(job.ID, bus, fmt.Sprintf("[preflight] warning: remote checks unavailable: %v", err))
			report.Add(preflight.CheckResult{
				CheckID:  "remote_collection",
				Category: "rke2",
				Severity: preflight.SeverityWarn,
				Message:  fmt.Sprintf("Remote checks did not complete: %v", err),
			})
		}
	}

	report.Finalize()
	payload, err := json.Marshal(report)
	if err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}
	job.Readiness = payload

	if req.Analyze {
		o.analyze(ctx, job, bus, payload)
	}

	if err := o.store.UpdateJob(job); err != nil {
		trailer = fmt.Sprintf("\n[Job failed: %v]\n", err)
		return
	}

	status = types.JobStatusSuccess
	trailer = "\n[Job completed successfully]\n"
}

// runCheckPlaybook executes the read-only check playbook and merges its
// marker-line report into the local one. No node status changes.
func (o *Orchestrator) runCheckPlaybook(ctx context.Context, req CheckRequest, nodes []*types.Node, report *preflight.Report) error {
	wd, err := inventory.NewWorkDir(o.workDir, req.Job.ID)
	if err != nil {
		return err
	}
	defer wd.Remove()

	cred, err := o.credentialFor(req.Cluster)
	if err != nil {
		return err
	}

	inv, err := inventory.Render(req.Cluster, cred, types.StageAll, nodes)
	if err != nil {
		return err
	}
	invPath, err := wd.WriteInventory(inv)
	if err != nil {
		return err
	}

	extras, err := inventory.RenderExtraVars(req.Cluster, cred, types.StageAll)
	if err != nil {
		return err
	}
	extrasPath, err := wd.WriteExtraVars(extras)
	if err != nil {
		return err
	}

	if err := o.runner.Run(ctx, runner.Request{
		JobID:         req.Job.ID,
		PlaybookPath:  filepath.Join(o.playbookDir, playbookPreflight),
		InventoryPath: invPath,
		ExtrasPath:    extrasPath,
		Credential:    cred,
		WorkDir:       wd,
	}); err != nil {
		return err
	}

	stored, err := o.store.GetJob(req.Job.ID)
	if err != nil {
		return err
	}
	remote, err := preflight.Parse(stored.Output)
	if err != nil {
		return err
	}

	report.Checks = append(report.Checks, remote.Checks...)
	report.Nodes = remote.Nodes
	report.Etcd = remote.Etcd
	report.Certificates = remote.Certificates
	report.Kubernetes = remote.Kubernetes
	return nil
}

// analyze feeds the report to the analyzer. Failures surface as a warning
// line on the job, never as a job failure.
func (o *Orchestrator) analyze(ctx context.Context, job *types.Job, bus *stream.Bus, payload []byte) {
	if o.analyzer == nil {
		o.emit(job.ID, bus, "[preflight] analyzer not configured, skipping summary")
		return
	}

	result, err := o.analyzer.Analyze(ctx, payload)
	if err != nil {
		jobLog := log.WithJobID(job.ID)
		jobLog.Warn().Err(err).Msg("analyzer failed")
		o.emit(job.ID, bus, fmt.Sprintf("[preflight] warning: analyzer failed: %v", err))
		return
	}

	summary, err := json.Marshal(result)
	if err != nil {
		o.emit(job.ID, bus, fmt.Sprintf("[preflight] warning: could not encode analysis: %v", err))
		return
	}
	job.AnalyzerSummary = string(summary)
	job.AnalyzerModel = result.ModelID
	job.AnalyzerTokens = result.TokenCount
	o.emit(job.ID, bus, fmt.Sprintf("[preflight] analyzer verdict: %s", result.Verdict))
}

// emit publishes a controller-origin line and persists it with the rest of
// the job output.
func (o *Orchestrator) emit(jobID int64, bus *stream.Bus, line string) {
	bus.Publish(line)
	if err := o.store.AppendJobOutput(jobID, line+"\n"); err != nil {
		jobLog := log.WithJobID(jobID)
		jobLog.Error().Err(err).Msg("failed to persist output line")
	}
}
