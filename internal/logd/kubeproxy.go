package logd

import (
	"fmt"
	"os/exec"

	"github.com/pkg/errors"
)

// DefaultProxyPort is where the cluster API proxy listens.
const DefaultProxyPort = 8083

// KubeProxy supervises a `kubectl proxy` subprocess so the other daemon
// processes can reach the cluster API over plain localhost HTTP.
type KubeProxy struct {
	Port int

	cmd *exec.Cmd
}

// NewKubeProxy builds the proxy module on the default port.
func NewKubeProxy() *KubeProxy {
	return &KubeProxy{Port: DefaultProxyPort}
}

// Tag implements Module.
func (p *KubeProxy) Tag() string { return TagKubeProxy }

// Init starts the proxy subprocess.
func (p *KubeProxy) Init() error {
	cmd := exec.Command("kubectl", "proxy", fmt.Sprintf("--port=%d", p.Port))
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "cannot start kubectl proxy")
	}
	p.cmd = cmd
	return nil
}

// Close stops the proxy subprocess.
func (p *KubeProxy) Close() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "cannot stop kubectl proxy")
	}
	p.cmd.Wait()
	p.cmd = nil
	return nil
}

// Handle implements Module. The proxy answers status probes only.
func (p *KubeProxy) Handle(req Request) Response {
	if req.Type != "status" {
		return Error("unknown request type: " + req.Type)
	}
	if p.cmd == nil {
		return Error("proxy not running")
	}
	return Success(fmt.Sprintf("proxying on port %d", p.Port))
}
