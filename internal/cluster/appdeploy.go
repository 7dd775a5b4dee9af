package cluster

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
	"github.com/binder-project/binder/internal/template"
)

// AppDeployer turns a completed app record into a running deployment: it
// renders the manifest set for the app and its services, hands the directory
// to the controller, and records the deployment id.
type AppDeployer struct {
	settings   *config.Settings
	registry   registry.AppRegistry
	services   service.Registry
	controller Controller

	// RegistryName prefixes every image reference in rendered manifests.
	RegistryName string

	newID func() string
}

// NewAppDeployer wires a deployer.
func NewAppDeployer(settings *config.Settings, reg registry.AppRegistry, services service.Registry, controller Controller, registryName string) *AppDeployer {
	return &AppDeployer{
		settings:     settings,
		registry:     reg,
		services:     services,
		controller:   controller,
		RegistryName: registryName,
		newID:        func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
}

// Deploy renders and launches rec in the given mode, returning the
// user-facing URL.
func (d *AppDeployer) Deploy(rec registry.AppRecord, mode string) (string, error) {
	id := d.newID()
	deployDir := filepath.Join(rec.Dir, "deploy")
	if err := os.RemoveAll(deployDir); err != nil {
		return "", errors.Wrap(err, "cannot clear old deployment")
	}
	if err := os.MkdirAll(deployDir, 0755); err != nil {
		return "", errors.Wrap(err, "cannot create deploy directory")
	}

	appParams := template.Namespace("app", template.Params{
		"name":            rec.Name,
		"id":              id,
		"notebooks-image": d.RegistryName + "/" + rec.Name,
		"notebooks-port":  NotebookPort,
	})

	manifests, err := d.loadTemplates()
	if err != nil {
		return "", err
	}
	// The namespace and notebook manifests render from app parameters
	// alone; everything else is rendered per service.
	for _, name := range []string{"namespace.json", "notebook.json"} {
		text, ok := manifests[name]
		if !ok {
			return "", errors.Errorf("manifest template %s is missing", name)
		}
		rendered := template.FillString(text, appParams)
		if err := os.WriteFile(filepath.Join(deployDir, name), []byte(rendered), 0644); err != nil {
			return "", errors.Wrapf(err, "cannot write %s", name)
		}
	}

	for _, ref := range rec.Spec.Services {
		svc, err := d.services.Get(ref.Name, ref.Version)
		if err != nil {
			return "", errors.Wrapf(err, "app depends on unknown service %s-%s", ref.Name, ref.Version)
		}
		if err := svc.Deploy(mode, deployDir, appParams, manifests, d.RegistryName); err != nil {
			return "", errors.Wrapf(err, "cannot render service %s", svc.FullName())
		}
	}

	url, err := d.controller.DeployApp(id, deployDir)
	if err != nil {
		return "", err
	}
	if err := d.registry.SetDeploymentID(rec.Name, id); err != nil {
		return "", err
	}
	return url, nil
}

func (d *AppDeployer) loadTemplates() (map[string]string, error) {
	entries, err := os.ReadDir(d.settings.TemplatesDir())
	if err != nil {
		return nil, errors.Wrap(err, "cannot enumerate manifest templates")
	}
	manifests := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.settings.TemplatesDir(), e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read template %s", e.Name())
		}
		manifests[e.Name()] = string(raw)
	}
	return manifests, nil
}
