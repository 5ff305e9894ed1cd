package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "agent":
		return agentTemplate, nil
	case "collator":
		return collatorTemplate, nil
	case "controller":
		return controllerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as the given kind and reports the first problem.
func Validate(path, kind string) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "agent":
		_, err = LoadAgent(path)
	case "collator":
		_, err = LoadCollator(path)
	case "controller":
		_, err = LoadController(path)
	default:
		err = fmt.Errorf("unknown config kind: %s", kind)
	}
	return err
}

const agentTemplate = `listen = "0.0.0.0:7420"
root = ".edgeproc"
port_base = 12400
port_count = 100
stop_wait = "5s"
drain_wait = "2s"
shutdown_wait = "15s"
max_wait = "1s"
installer_name = "install"
log_file = ".edgeproc/logs/instances.log"
# collator = "10.0.0.2:7421"
`

const collatorTemplate = `listen = "0.0.0.0:7421"
output = "collated.log"
`

const controllerTemplate = `port = 7420
remote_root = ".edgeproc"
binaries = "dist"
step_timeout = "15s"
transfer_timeout = "5m"
probe_attempts = 8
package_ttl = "10m"
# collator = "10.0.0.2:7421"

[[host]]
name = "local"
addr = "127.0.0.1:7420"
shell = "local"

[[host]]
name = "edge1"
addr = "10.0.0.11"
shell = "ssh"
user = "deploy"
key = "~/.ssh/id_ed25519"
`
