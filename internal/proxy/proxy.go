// Package proxy talks to the front-end routing proxy's REST API. The proxy
// maps /deployment_id paths to notebook pod targets; binder registers a route
// after each deploy and removes it when the idle reaper tears the app down.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Info is the proxy endpoint persisted at cluster bring-up.
type Info struct {
	URL   string
	Token string
}

// WriteInfo persists the proxy endpoint as a two-line file: URL, then token.
func WriteInfo(path string, info Info) error {
	data := info.URL + "\n" + info.Token + "\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		return errors.Wrap(err, "cannot persist proxy info")
	}
	return nil
}

// ReadInfo loads the persisted proxy endpoint.
func ReadInfo(path string) (Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Info{}, errors.Wrap(err, "cannot read proxy info")
	}
	lines := strings.SplitN(strings.TrimRight(string(raw), "\n"), "\n", 2)
	if len(lines) != 2 {
		return Info{}, errors.Errorf("malformed proxy info at %s", path)
	}
	return Info{URL: lines[0], Token: lines[1]}, nil
}

// Client drives the proxy's route API. The endpoint file is re-read on every
// operation so a cluster restart that rewrites it needs no process restart.
type Client struct {
	infoPath string
	http     *http.Client
}

// NewClient builds a client reading its endpoint from infoPath.
func NewClient(infoPath string) *Client {
	return &Client{
		infoPath: infoPath,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(method, path string, body interface{}) (*http.Response, error) {
	info, err := ReadInfo(c.infoPath)
	if err != nil {
		return nil, err
	}
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "cannot encode route payload")
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(info.URL, "/")+path, payload)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build proxy request")
	}
	req.Header.Set("Authorization", "token "+info.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "proxy unreachable")
	}
	return resp, nil
}

// Register creates the route /deploymentID → target. The proxy answers 201
// when the route is live; anything else is an error the caller may retry.
func (c *Client) Register(deploymentID, target string) error {
	resp, err := c.do(http.MethodPost, "/api/routes/"+deploymentID,
		map[string]string{"target": target})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return errors.Errorf("route registration for %s returned %d", deploymentID, resp.StatusCode)
	}
	return nil
}

// Remove deletes the route for deploymentID. The proxy answers 204.
func (c *Client) Remove(deploymentID string) error {
	resp, err := c.do(http.MethodDelete, "/api/routes/"+deploymentID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("route removal for %s returned %d", deploymentID, resp.StatusCode)
	}
	return nil
}

// InactiveRoutes returns the deployment ids of routes idle since the cutoff,
// with the proxy's leading slash stripped.
func (c *Client) InactiveRoutes(inactiveSince time.Time) ([]string, error) {
	query := url.Values{"inactive_since": {inactiveSince.UTC().Format(time.RFC3339)}}
	resp, err := c.do(http.MethodGet, "/api/routes?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("route listing returned %d", resp.StatusCode)
	}
	var routes map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		return nil, errors.Wrap(err, "malformed route listing")
	}
	var ids []string
	for path := range routes {
		ids = append(ids, strings.TrimPrefix(path, "/"))
	}
	return ids, nil
}

// RouteTarget is a convenience for building notebook targets.
func RouteTarget(podIP string, port int) string {
	return fmt.Sprintf("http://%s:%d", podIP, port)
}
