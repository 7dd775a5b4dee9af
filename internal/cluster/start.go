package cluster

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/binder-project/binder/internal/proxy"
	"github.com/binder-project/binder/internal/service"
	"github.com/binder-project/binder/internal/template"
)

// Well-known services launched at bring-up, looked up in the default
// namespace.
const (
	proxyServiceName    = "proxy-registration"
	registryServiceName = "registry"
)

// ingress retry bounds during bring-up.
const (
	ingressRetries = 5
	ingressPause   = 20 // seconds, scaled by c.pause for tests
)

// Start brings the cluster up: external cluster launch, proxy pods with a
// fresh auth token, private registry pods, then a base-image preload. The
// proxy and registry endpoints are persisted for every later operation.
func (c *KubeController) Start(numNodes int, baseImage string) error {
	os.Setenv("NUM_MINIONS", strconv.Itoa(numNodes))
	os.Setenv("KUBERNETES_PROVIDER", c.settings.Provider)
	if _, err := c.runner.Run("kube-up.sh"); err != nil {
		return errors.Wrap(err, "cluster launch failed")
	}

	token := uuid.NewString()
	if err := c.launchManifests(c.settings.ProxyDeployDir(), template.Params{"token": token}); err != nil {
		return errors.Wrap(err, "cannot launch proxy pods")
	}
	proxyIP, err := c.serviceIngress(proxyServiceName)
	if err != nil {
		return errors.Wrap(err, "proxy never became reachable")
	}
	if err := proxy.WriteInfo(c.settings.ProxyInfoPath(), proxy.Info{
		URL:   "http://" + proxyIP,
		Token: token,
	}); err != nil {
		return err
	}
	c.log.Infof("proxy registered at http://%s", proxyIP)

	if err := c.launchManifests(c.settings.RegistryDeployDir(), template.Params{}); err != nil {
		return errors.Wrap(err, "cannot launch registry pods")
	}
	registryIP, err := c.serviceIngress(registryServiceName)
	if err != nil {
		return errors.Wrap(err, "registry never became reachable")
	}
	if err := os.WriteFile(c.settings.RegistryInfoPath(), []byte("http://"+registryIP+"\n"), 0644); err != nil {
		return errors.Wrap(err, "cannot persist registry info")
	}
	c.log.Infof("registry at http://%s", registryIP)

	if err := c.PreloadImage(baseImage); err != nil {
		c.log.WithError(err).Warn("base image preload failed")
	}
	return nil
}

// Stop tears the external cluster down.
func (c *KubeController) Stop() error {
	os.Setenv("KUBERNETES_PROVIDER", c.settings.Provider)
	if _, err := c.runner.Run("kube-down.sh"); err != nil {
		return errors.Wrap(err, "cluster teardown failed")
	}
	return nil
}

// launchManifests renders a shipped manifest tree into a sibling deploy
// directory and creates each file.
func (c *KubeController) launchManifests(srcDir string, params template.Params) error {
	deployDir := filepath.Join(filepath.Dir(srcDir), "deploy")
	if err := os.RemoveAll(deployDir); err != nil {
		return err
	}
	if err := service.CopyTree(srcDir, deployDir); err != nil {
		return errors.Wrapf(err, "cannot stage manifests from %s", srcDir)
	}
	if err := template.FillTree(deployDir, params); err != nil {
		return err
	}
	entries, err := os.ReadDir(deployDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := c.create(filepath.Join(deployDir, e.Name()), ""); err != nil {
			return err
		}
	}
	return nil
}

// serviceIngress polls a service's load-balancer ingress until it appears.
func (c *KubeController) serviceIngress(name string) (string, error) {
	for i := 0; i < ingressRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(ingressPause) * c.pause)
		}
		svc, err := c.client.CoreV1().Services("default").Get(context.Background(), name, metav1.GetOptions{})
		if err != nil {
			continue
		}
		for _, ing := range svc.Status.LoadBalancer.Ingress {
			if ing.IP != "" {
				return ing.IP, nil
			}
			if ing.Hostname != "" {
				return ing.Hostname, nil
			}
		}
	}
	return "", errors.Errorf("service %s has no external ingress", name)
}
