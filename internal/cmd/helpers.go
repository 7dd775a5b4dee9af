package cmd

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/proxy"
)

// loadSettings reads the environment; a missing HOME_DIR is fatal.
func loadSettings() (*config.Settings, error) {
	return config.Load()
}

func newBroker(settings *config.Settings) redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: settings.BrokerAddr})
}

// newKubeClient builds an API client from the ambient kubeconfig.
func newKubeClient() (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "cannot load kubeconfig")
	}
	return kubernetes.NewForConfig(cfg)
}

// registryName resolves the private image registry prefix: the persisted
// registry endpoint when the cluster is up, else the configured project.
func registryName(settings *config.Settings) string {
	raw, err := os.ReadFile(settings.RegistryInfoPath())
	if err == nil {
		host := strings.TrimSpace(strings.Split(string(raw), "\n")[0])
		host = strings.TrimPrefix(host, "http://")
		if host != "" {
			return host
		}
	}
	return settings.Project
}

// clusterHost is the public host used in redirect URLs, taken from the
// persisted proxy endpoint.
func clusterHost(settings *config.Settings) string {
	info, err := proxy.ReadInfo(settings.ProxyInfoPath())
	if err != nil {
		return "localhost"
	}
	u, err := url.Parse(info.URL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(info.URL, "http://")
	}
	return u.Host
}

func baseImage(settings *config.Settings) string {
	return registryName(settings) + "/binder-base"
}

func squashTool(settings *config.Settings) string {
	return filepath.Join(settings.UtilDir(), "squash-and-push")
}
