// Package cluster drives the container orchestrator: per-app deployments
// into their own namespaces, proxy route registration, idle-app reaping, and
// capacity introspection. Resource creation goes through the kubectl CLI the
// way the rest of the tooling does; read-side queries use the API client.
package cluster

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/proxy"
	"github.com/binder-project/binder/internal/shell"
)

// NotebookPort is where every app's notebook server listens.
const NotebookPort = 8888

// notebookPodName is the well-known pod each app namespace carries.
const notebookPodName = "notebook-server"

// Route registration retry bounds.
const (
	routeRetries = 30
	routePause   = time.Second
)

// systemNamespaces are never reaped or listed as apps.
var systemNamespaces = map[string]bool{
	"default":         true,
	"kube-system":     true,
	"kube-public":     true,
	"kube-node-lease": true,
	"binder":          true,
}

// RunningApp is one deployed app as seen on the cluster.
type RunningApp struct {
	DeploymentID string `json:"id"`
	Image        string `json:"image"`
}

// RouteRegistrar is the slice of the proxy client the controller needs.
type RouteRegistrar interface {
	Register(deploymentID, target string) error
	Remove(deploymentID string) error
	InactiveRoutes(inactiveSince time.Time) ([]string, error)
}

// Controller is the capability surface the web layer and builder depend on.
type Controller interface {
	DeployApp(deploymentID, deployDir string) (string, error)
	ReapIdleApps(threshold time.Duration) error
	RunningApps() ([]RunningApp, error)
	TotalCapacity() (int, error)
	PreloadImage(image string) error
	PodIP(deploymentID string) (string, error)
}

// KubeController implements Controller against a Kubernetes cluster.
type KubeController struct {
	settings *config.Settings
	runner   shell.Runner
	client   kubernetes.Interface
	proxy    RouteRegistrar
	log      *logrus.Entry

	// Host is the public cluster host used in redirect URLs.
	Host string

	retries int
	pause   time.Duration
	now     func() time.Time
}

var _ Controller = (*KubeController)(nil)

// NewKubeController wires a controller.
func NewKubeController(settings *config.Settings, runner shell.Runner, client kubernetes.Interface, registrar RouteRegistrar, host string) *KubeController {
	return &KubeController{
		settings: settings,
		runner:   runner,
		client:   client,
		proxy:    registrar,
		log:      logrus.WithField("component", "cluster"),
		Host:     host,
		retries:  routeRetries,
		pause:    routePause,
		now:      time.Now,
	}
}

// create applies one manifest file, optionally inside a namespace.
func (c *KubeController) create(path, namespace string) error {
	args := []string{"create", "-f", path}
	if namespace != "" {
		args = append(args, "--namespace="+namespace)
	}
	if _, err := c.runner.Run("kubectl", args...); err != nil {
		return errors.Wrapf(err, "cannot create %s", filepath.Base(path))
	}
	return nil
}

// DeployApp launches every manifest in deployDir into a fresh namespace and
// registers the proxy route. It returns the user-facing URL.
func (c *KubeController) DeployApp(deploymentID, deployDir string) (string, error) {
	// The namespace must exist before anything can be placed in it.
	if err := c.create(filepath.Join(deployDir, "namespace.json"), ""); err != nil {
		return "", errors.Wrap(err, "namespace creation failed")
	}

	entries, err := os.ReadDir(deployDir)
	if err != nil {
		return "", errors.Wrap(err, "cannot enumerate deploy directory")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "namespace.json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.create(filepath.Join(deployDir, name), deploymentID); err != nil {
			// Partial deploys are useful: a failed sidecar should not
			// take the notebook down with it.
			c.log.WithError(err).Warnf("manifest %s failed for %s", name, deploymentID)
		}
	}

	if err := c.registerRoute(deploymentID); err != nil {
		return "", err
	}
	return "https://" + c.Host + "/" + deploymentID, nil
}

// registerRoute waits for the notebook pod to get an IP, then registers the
// proxy route, retrying the pair up to the configured bound.
func (c *KubeController) registerRoute(deploymentID string) error {
	var lastErr error
	for i := 0; i < c.retries; i++ {
		if i > 0 {
			time.Sleep(c.pause)
		}
		ip, err := c.PodIP(deploymentID)
		if err != nil || ip == "" {
			lastErr = err
			continue
		}
		if err := c.proxy.Register(deploymentID, proxy.RouteTarget(ip, NotebookPort)); err != nil {
			lastErr = err
			continue
		}
		c.log.Infof("routing /%s to %s:%d", deploymentID, ip, NotebookPort)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("notebook pod never received an IP")
	}
	return errors.Wrapf(lastErr, "route registration for %s did not converge after %d attempts",
		deploymentID, c.retries)
}

// PodIP reports the notebook pod's IP inside an app namespace, "" while the
// pod is pending.
func (c *KubeController) PodIP(deploymentID string) (string, error) {
	pod, err := c.client.CoreV1().Pods(deploymentID).Get(context.Background(), notebookPodName, metav1.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "cannot inspect notebook pod for %s", deploymentID)
	}
	return pod.Status.PodIP, nil
}

// ReapIdleApps removes every route idle for longer than threshold and tears
// down the matching namespace. The route goes first so the app stops taking
// traffic before its resources disappear.
func (c *KubeController) ReapIdleApps(threshold time.Duration) error {
	cutoff := c.now().Add(-threshold)
	ids, err := c.proxy.InactiveRoutes(cutoff)
	if err != nil {
		return errors.Wrap(err, "cannot list inactive routes")
	}
	for _, id := range ids {
		if systemNamespaces[id] {
			c.log.Warnf("refusing to reap system namespace %s", id)
			continue
		}
		if err := c.proxy.Remove(id); err != nil {
			c.log.WithError(err).Warnf("cannot remove route %s", id)
			continue
		}
		err := c.client.CoreV1().Namespaces().Delete(context.Background(), id, metav1.DeleteOptions{})
		if err != nil {
			c.log.WithError(err).Warnf("cannot delete namespace %s", id)
			continue
		}
		c.log.Infof("reaped idle app %s", id)
	}
	return nil
}

// RunningApps enumerates deployed apps by walking non-system namespaces.
func (c *KubeController) RunningApps() ([]RunningApp, error) {
	namespaces, err := c.client.CoreV1().Namespaces().List(context.Background(), metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "cannot list namespaces")
	}
	var apps []RunningApp
	for _, ns := range namespaces.Items {
		if systemNamespaces[ns.Name] {
			continue
		}
		pod, err := c.client.CoreV1().Pods(ns.Name).Get(context.Background(), notebookPodName, metav1.GetOptions{})
		if err != nil || len(pod.Spec.Containers) == 0 {
			continue
		}
		apps = append(apps, RunningApp{DeploymentID: ns.Name, Image: pod.Spec.Containers[0].Image})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].DeploymentID < apps[j].DeploymentID })
	return apps, nil
}

// TotalCapacity sums pod capacity across worker nodes.
func (c *KubeController) TotalCapacity() (int, error) {
	nodes, err := c.client.CoreV1().Nodes().List(context.Background(), metav1.ListOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "cannot list nodes")
	}
	total := 0
	for _, node := range nodes.Items {
		if isControlPlane(node.Labels, node.Name) {
			continue
		}
		pods := node.Status.Capacity.Pods()
		total += int(pods.Value())
	}
	return total, nil
}

func isControlPlane(labels map[string]string, name string) bool {
	if _, ok := labels["node-role.kubernetes.io/control-plane"]; ok {
		return true
	}
	if _, ok := labels["node-role.kubernetes.io/master"]; ok {
		return true
	}
	return strings.Contains(name, "master")
}

// PreloadImage pulls image into every worker node's local store, one shell
// session per node in parallel.
func (c *KubeController) PreloadImage(image string) error {
	if c.settings.Provider != "gce" {
		return errors.Errorf("image preload is not supported on provider %q", c.settings.Provider)
	}
	nodes, err := c.client.CoreV1().Nodes().List(context.Background(), metav1.ListOptions{})
	if err != nil {
		return errors.Wrap(err, "cannot list nodes")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, node := range nodes.Items {
		if isControlPlane(node.Labels, node.Name) {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := c.runner.Run("gcloud", "compute", "ssh", name,
				"--command", "sudo docker pull "+image)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "preload on %s failed", name)
				}
				mu.Unlock()
			}
		}(node.Name)
	}
	wg.Wait()
	return firstErr
}
