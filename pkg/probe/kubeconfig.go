package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	"golang.org/x/crypto/ssh"
)

// kubeconfigPath is where RKE2 writes the admin kubeconfig on a server.
const kubeconfigPath = "/etc/rancher/rke2/rke2.yaml"

// KubeconfigFetcher pulls the admin kubeconfig off a cluster's initial
// master over SSH.
type KubeconfigFetcher struct {
	Secrets *security.SecretsManager

	// Timeout bounds the SSH dial (default: 10 seconds).
	Timeout time.Duration
}

// Fetch connects to the initial master and reads the admin kubeconfig,
// rewriting the loopback server address to the cluster's API endpoint.
func (f *KubeconfigFetcher) Fetch(cluster *types.Cluster, nodes []*types.Node, cred *types.Credential) (string, error) {
	if f.Secrets == nil {
		return "", fmt.Errorf("credential encryption is not configured")
	}

	var master *types.Node
	for _, n := range nodes {
		if n.Role == types.NodeRoleInitialMaster && n.Status != types.NodeStatusRemoved {
			master = n
			break
		}
	}
	if master == nil {
		return "", fmt.Errorf("cluster %d has no initial master", cluster.ID)
	}

	plain, err := f.Secrets.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	var auth ssh.AuthMethod
	if cred.Kind == types.CredentialKindKey {
		signer, err := ssh.ParsePrivateKey([]byte(security.PrepareSSHKey(string(plain))))
		if err != nil {
			return "", fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(string(plain))
	}

	timeout := f.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:22", master.ConnectIP()), config)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", master.Hostname, err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput("sudo cat " + kubeconfigPath)
	if err != nil {
		return "", fmt.Errorf("failed to read kubeconfig on %s: %w (output: %s)", master.Hostname, err, strings.TrimSpace(string(out)))
	}

	kubeconfig := string(out)
	if cluster.APIAddr != "" {
		kubeconfig = strings.ReplaceAll(kubeconfig, "https://127.0.0.1:6443", fmt.Sprintf("https://%s:6443", cluster.APIAddr))
	}
	return kubeconfig, nil
}
