package probe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// HostInput is one candidate host for an access check.
type HostInput struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// HostCheckResult is the per-host outcome of an access check.
type HostCheckResult struct {
	Hostname      string `json:"hostname"`
	IP            string `json:"ip"`
	Status        string `json:"status"` // ok|failed
	SSHReachable  bool   `json:"ssh_reachable"`
	SudoAvailable bool   `json:"sudo_available"`
	OSCompatible  bool   `json:"os_compatible"`
	Error         string `json:"error,omitempty"`
}

// AccessCheckResponse aggregates the per-host results.
type AccessCheckResponse struct {
	OverallStatus string            `json:"overall_status"` // success|failed
	Results       []HostCheckResult `json:"results"`
}

// AccessChecker validates SSH connectivity and privileges for a credential
// against a set of hosts by running the access-check playbook.
type AccessChecker struct {
	Launcher    runner.Launcher
	Secrets     *security.SecretsManager
	PlaybookDir string
	WorkDir     string
}

// Check runs the access-check playbook against the hosts and parses the
// per-host outcome from its output. Temporary files are removed before
// returning.
func (c *AccessChecker) Check(cred *types.Credential, hosts []HostInput) (*AccessCheckResponse, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided")
	}
	if c.Secrets == nil {
		return nil, fmt.Errorf("credential encryption is not configured")
	}

	checkID := uuid.NewString()[:8]
	dir := filepath.Join(c.WorkDir, "access-check-"+checkID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create check directory: %w", err)
	}
	defer os.RemoveAll(dir)

	var lines []string
	lines = append(lines, "[check_hosts]")
	for _, h := range hosts {
		lines = append(lines, fmt.Sprintf("%s ansible_host=%s ansible_user=%s", h.Hostname, h.IP, cred.Username))
	}
	invPath := filepath.Join(dir, "inventory.ini")
	if err := os.WriteFile(invPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write inventory: %w", err)
	}

	extrasPath := filepath.Join(dir, "extravars.yaml")
	if err := os.WriteFile(extrasPath, []byte(fmt.Sprintf("ansible_user: %s\n", cred.Username)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write extra vars: %w", err)
	}

	plain, err := c.Secrets.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	var keyPath string
	if cred.Kind == types.CredentialKindKey {
		keyPath = filepath.Join(dir, "ssh.key")
		material := security.PrepareSSHKey(string(plain))
		if err := os.WriteFile(keyPath, []byte(material), 0600); err != nil {
			return nil, fmt.Errorf("failed to write key: %w", err)
		}
	}

	playbook := filepath.Join(c.PlaybookDir, "check_access.yml")
	proc, err := c.Launcher.Spawn(playbook, invPath, extrasPath, keyPath)
	if err != nil {
		return failAll(hosts, fmt.Sprintf("Check failed: %v", err)), nil
	}

	raw, _ := io.ReadAll(proc.Output())
	code, err := proc.Wait()
	if err != nil {
		return failAll(hosts, fmt.Sprintf("Check failed: %v", err)), nil
	}

	results := parseAccessOutput(string(raw), code, hosts)

	overall := "success"
	for _, r := range results {
		if r.Status != "ok" {
			overall = "failed"
		}
	}
	return &AccessCheckResponse{OverallStatus: overall, Results: results}, nil
}

func failAll(hosts []HostInput, reason string) *AccessCheckResponse {
	resp := &AccessCheckResponse{OverallStatus: "failed"}
	for _, h := range hosts {
		resp.Results = append(resp.Results, HostCheckResult{
			Hostname: h.Hostname,
			IP:       h.IP,
			Status:   "failed",
			Error:    reason,
		})
	}
	return resp
}

// parseAccessOutput reads the playbook's recap to classify each host. The
// check playbook runs three tasks per host (ping, become whoami, os probe);
// a host with failures or unreachable counts above zero failed the check.
func parseAccessOutput(output string, exitCode int, hosts []HostInput) []HostCheckResult {
	results := make([]HostCheckResult, 0, len(hosts))

	for _, h := range hosts {
		result := HostCheckResult{Hostname: h.Hostname, IP: h.IP}

		recap := recapLine(output, h.Hostname)
		switch {
		case recap == "":
			result.Status = "failed"
			result.Error = "Host not processed by playbook"
		case strings.Contains(recap, "unreachable=0") && strings.Contains(recap, "failed=0"):
			result.Status = "ok"
			result.SSHReachable = true
			result.SudoAvailable = true
			result.OSCompatible = true
		case !strings.Contains(recap, "unreachable=0"):
			result.Status = "failed"
			result.Error = "SSH connection failed - verify host is up and credentials are valid"
		default:
			result.Status = "failed"
			result.SSHReachable = true
			result.Error = "Host checks failed - verify sudo access and OS compatibility"
		}

		if result.Error == "" && exitCode != 0 && result.Status != "ok" {
			result.Error = fmt.Sprintf("Playbook execution failed (exit code %d)", exitCode)
		}
		results = append(results, result)
	}
	return results
}

// recapLine finds a host's PLAY RECAP line.
func recapLine(output, hostname string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, hostname) && strings.Contains(trimmed, "unreachable=") {
			return trimmed
		}
	}
	return ""
}
