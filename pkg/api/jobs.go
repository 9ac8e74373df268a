package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

func (s *Server) installCluster(c *gin.Context) {
	id, ok := paramID(c, "cluster_id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if cluster.Kind != types.ClusterKindFresh {
		abortValidation(c, "Can only install 'fresh' type clusters")
		return
	}

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall, Status: types.JobStatusPending}
	if err := s.store.CreateJob(job); err != nil {
		abortError(c, err)
		return
	}
	if err := s.store.AcquireLock(cluster.ID, job.ID, "install"); err != nil {
		s.store.DeleteJob(job.ID)
		abortError(c, err)
		return
	}

	s.orch.Execute(orchestrator.Operation{Job: job, Cluster: cluster})

	c.JSON(http.StatusOK, JobResponse{
		JobID:   job.ID,
		Message: "Installation started",
		Status:  string(types.JobStatusPending),
	})
}

func (s *Server) uninstallCluster(c *gin.Context) {
	id, ok := paramID(c, "cluster_id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if cluster.Kind != types.ClusterKindFresh {
		abortValidation(c, "Can only uninstall 'fresh' type clusters")
		return
	}

	// Destructive; the caller must type the exact cluster name.
	if c.Query("confirmation") != cluster.Name {
		abortValidation(c, fmt.Sprintf("Confirmation failed. Please type the exact cluster name: %s", cluster.Name))
		return
	}

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindUninstall, Status: types.JobStatusPending}
	if err := s.store.CreateJob(job); err != nil {
		abortError(c, err)
		return
	}
	if err := s.store.AcquireLock(cluster.ID, job.ID, "uninstall"); err != nil {
		s.store.DeleteJob(job.ID)
		abortError(c, err)
		return
	}

	s.orch.Execute(orchestrator.Operation{Job: job, Cluster: cluster})

	c.JSON(http.StatusOK, JobResponse{
		JobID:   job.ID,
		Message: "Uninstallation started",
		Status:  string(types.JobStatusPending),
	})
}

func (s *Server) listJobs(c *gin.Context) {
	var (
		jobs []*types.Job
		err  error
	)
	if raw := c.Query("cluster_id"); raw != "" {
		clusterID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			abortValidation(c, fmt.Sprintf("invalid cluster_id: %q", raw))
			return
		}
		jobs, err = s.store.ListJobsByCluster(clusterID)
	} else {
		jobs, err = s.store.ListJobs()
	}
	if err != nil {
		abortError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) terminateJob(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if job.Status != types.JobStatusRunning {
		abortValidation(c, "Job is not running")
		return
	}

	if !s.orch.Cancel(job.ID) {
		abortValidation(c, "Job is not running under this controller")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Job %d termination requested", id)})
}

// streamJob serves the job output as server-sent events: one event per
// chunk, snapshot first, then live chunks, then a terminal event. A job
// whose bus is gone (finished and collected) replays the persisted buffer.
func (s *Server) streamJob(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		abortError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	bus, live := s.hub.Get(job.ID)
	if !live {
		s.replayJob(c, job)
		return
	}

	sub := bus.Subscribe()
	defer sub.Cancel()

	for _, chunk := range sub.Snapshot {
		writeEvent(c.Writer, chunk)
	}
	c.Writer.Flush()

	done := c.Request.Context().Done()
	for {
		select {
		case chunk, ok := <-sub.Live:
			if !ok {
				s.writeTerminal(c, job.ID)
				return
			}
			writeEvent(c.Writer, chunk)
			c.Writer.Flush()
		case <-done:
			return
		}
	}
}

// replayJob streams the persisted output of a job with no live bus.
func (s *Server) replayJob(c *gin.Context, job *types.Job) {
	for i, line := range splitLines(job.Output) {
		writeEvent(c.Writer, stream.Chunk{Index: i, Data: line})
	}
	c.Writer.Flush()
	s.writeTerminal(c, job.ID)
}

func (s *Server) writeTerminal(c *gin.Context, jobID int64) {
	status := types.JobStatusFailed
	if job, err := s.store.GetJob(jobID); err == nil {
		status = job.Status
	}
	fmt.Fprintf(c.Writer, "event: end\ndata: [Job %s]\n\n", status)
	c.Writer.Flush()
}

func writeEvent(w io.Writer, chunk stream.Chunk) {
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", chunk.Index, chunk.Data)
}

func splitLines(output string) []string {
	if output == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(output); i++ {
		if output[i] == '\n' {
			lines = append(lines, output[start:i])
			start = i + 1
		}
	}
	if start < len(output) {
		lines = append(lines, output[start:])
	}
	return lines
}
