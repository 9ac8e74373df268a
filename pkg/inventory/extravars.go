package inventory

import (
	"fmt"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	"gopkg.in/yaml.v3"
)

// joinPort is the port RKE2 servers and agents join the cluster through.
const joinPort = 9345

// RenderExtraVars produces the YAML extra-variables document for a stage.
// The initial-master variant carries no join endpoint; every joining
// variant does. Secrets never appear here: credentials are passed to the
// playbook by file reference only.
func RenderExtraVars(cluster *types.Cluster, cred *types.Credential, stage types.Stage) ([]byte, error) {
	vars := map[string]any{
		"rke2_version":  cluster.Version,
		"rke2_data_dir": cluster.DataDir,
		"rke2_api_ip":   cluster.APIAddr,
		"rke2_token":    cluster.Token,
		"cni":           cluster.CNI,
	}

	if cred != nil {
		vars["ansible_user"] = cred.Username
	}

	if stage != types.StageInitialMaster && cluster.APIAddr != "" {
		vars["rke2_server_url"] = fmt.Sprintf("https://%s:%d", cluster.APIAddr, joinPort)
	}

	if len(cluster.ExtraSANs) > 0 {
		vars["rke2_additional_sans"] = cluster.ExtraSANs
	}

	if reg := cluster.Registry; reg != nil {
		vars["custom_registry"] = activeFlag(reg.CustomRegistry)
		vars["custom_mirror"] = activeFlag(reg.CustomMirror)
		if reg.CustomMirror && len(reg.Addresses) > 0 {
			vars["registry_address"] = reg.Addresses
			vars["registry_user"] = reg.User
			vars["registry_password"] = reg.Password
		}
	} else {
		vars["custom_registry"] = activeFlag(false)
		vars["custom_mirror"] = activeFlag(false)
	}

	if img := cluster.Images; img != nil {
		for key, value := range map[string]string{
			"kube_apiserver_image":          img.KubeAPIServer,
			"kube_controller_manager_image": img.KubeControllerManager,
			"kube_proxy_image":              img.KubeProxy,
			"kube_scheduler_image":          img.KubeScheduler,
			"pause_image":                   img.Pause,
			"runtime_image":                 img.Runtime,
			"etcd_image":                    img.Etcd,
		} {
			if value != "" {
				vars[key] = value
			}
		}
	}

	for k, v := range cluster.Vars {
		vars[k] = v
	}

	out, err := yaml.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render extra vars: %w", err)
	}
	return out, nil
}

// RenderNodeVars produces per-host variables for one node.
func RenderNodeVars(node *types.Node) ([]byte, error) {
	vars := map[string]any{
		"node_hostname":    node.Hostname,
		"node_internal_ip": node.InternalIP,
		"node_role":        string(node.Role),
	}
	if node.ExternalIP != "" {
		vars["node_external_ip"] = node.ExternalIP
	}
	for k, v := range node.Vars {
		vars[k] = v
	}

	out, err := yaml.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render node vars: %w", err)
	}
	return out, nil
}

func activeFlag(on bool) string {
	if on {
		return "active"
	}
	return "deactive"
}
