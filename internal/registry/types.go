package registry

import (
	"strings"

	"github.com/pkg/errors"
)

// BuildState tracks where an app is in its build lifecycle.
type BuildState string

const (
	StateNone      BuildState = "none"
	StateBuilding  BuildState = "building"
	StateCompleted BuildState = "completed"
	StateFailed    BuildState = "failed"
)

// validNext encodes the allowed transitions:
// none → building → {completed, failed} → building → ...
var validNext = map[BuildState][]BuildState{
	StateNone:      {StateBuilding},
	StateBuilding:  {StateCompleted, StateFailed},
	StateCompleted: {StateBuilding},
	StateFailed:    {StateBuilding},
}

// CanTransition reports whether from → to is a legal build-state move.
func CanTransition(from, to BuildState) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dependency tokens recognized in an AppSpec.
const (
	DepRequirements = "requirements.txt"
	DepEnvironment  = "environment.yml"
	DepDockerfile   = "dockerfile"
)

// ServiceRef names a versioned service composed into an app at deploy time.
type ServiceRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AppSpec is the client-submitted description of an application.
type AppSpec struct {
	Name             string       `json:"name"`
	RepoURL          string       `json:"repo_url"`
	Services         []ServiceRef `json:"services,omitempty"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	DockerfilePath   string       `json:"dockerfile_path,omitempty"`
	NotebooksPath    string       `json:"notebooks_path,omitempty"`
	RequirementsPath string       `json:"requirements_path,omitempty"`
}

// HasDependency reports whether the spec carries the given token.
func (s AppSpec) HasDependency(dep string) bool {
	for _, d := range s.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a spec.
func (s AppSpec) Validate() error {
	if s.Name == "" {
		return errors.New("app spec has no name")
	}
	if s.Name != strings.ToLower(s.Name) {
		return errors.Errorf("app name %q must be lowercase", s.Name)
	}
	for _, d := range s.Dependencies {
		switch d {
		case DepRequirements, DepEnvironment, DepDockerfile:
		default:
			return errors.Errorf("unrecognized dependency token %q", d)
		}
	}
	return nil
}

// MakeName derives the globally unique app name for a repository source.
func MakeName(org, repo string) string {
	return strings.ToLower(org + "-" + repo)
}

// AppRecord is the persistent view of an application.
type AppRecord struct {
	Name          string     `json:"name"`
	Spec          AppSpec    `json:"spec"`
	Dir           string     `json:"dir"`
	BuildState    BuildState `json:"build_state"`
	LastBuildTime string     `json:"last_build_time,omitempty"`
	DeploymentID  string     `json:"deployment_id,omitempty"`
}
