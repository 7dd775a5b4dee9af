package service

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/binder-project/binder/internal/template"
)

// deploymentDoc is the shape of a rendered per-mode deployment template.
type deploymentDoc struct {
	Components []struct {
		Name        string                 `json:"name"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
		Deployments []struct {
			Type       string                 `json:"type"`
			Parameters map[string]interface{} `json:"parameters,omitempty"`
		} `json:"deployments"`
	} `json:"components"`
}

// Deploy renders this service's manifests for the given mode into deployDir.
// appParams carry the "app." namespace; manifests maps manifest type (pod,
// controller, service, ...) to its template text. One file per component and
// type is written as {component}-{type}.json.
func (s *Service) Deploy(mode, deployDir string, appParams template.Params, manifests map[string]string, registryName string) error {
	tmpl, ok := s.Deployments[mode]
	if !ok {
		return errors.Errorf("service %s does not support %s deployment", s.FullName(), mode)
	}

	serviceParams := template.Merge(appParams, s.Params())

	rendered := template.FillString(tmpl, serviceParams)
	var doc deploymentDoc
	if err := json.Unmarshal([]byte(rendered), &doc); err != nil {
		return errors.Wrapf(err, "service %s: %s deployment is not valid JSON", s.FullName(), mode)
	}

	for _, comp := range doc.Components {
		compTmpl, ok := s.Components[comp.Name+".json"]
		if !ok {
			return errors.Errorf("service %s has no component template %s", s.FullName(), comp.Name)
		}
		for _, dep := range comp.Deployments {
			manifest, ok := manifests[dep.Type+".json"]
			if !ok {
				return errors.Errorf("unknown manifest type %q for component %s", dep.Type, comp.Name)
			}

			compParams := template.Merge(
				template.Params(dep.Parameters),
				template.Params(comp.Parameters),
			)
			compParams["name"] = comp.Name
			compParams["image-name"] = registryName + "/" + s.FullName() + "-" + comp.Name

			final := template.Merge(serviceParams, template.Namespace("component", compParams))
			filledComp := template.FillString(compTmpl, final)

			final["containers"] = filledComp
			filled := template.FillString(manifest, final)

			out := filepath.Join(deployDir, comp.Name+"-"+dep.Type+".json")
			if err := os.WriteFile(out, []byte(filled), 0644); err != nil {
				return errors.Wrapf(err, "cannot write manifest %s", out)
			}
		}
	}
	return nil
}
