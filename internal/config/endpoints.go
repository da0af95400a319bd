package config

import (
	"net"
	"net/url"
	"strings"
)

// Endpoint is one external system reachable under one or more base URLs.
type Endpoint struct {
	Name       string
	Candidates []string
	// Accepted status codes; empty means any 2xx.
	Accept []int
}

func (e Endpoint) Accepts(status int) bool {
	if len(e.Accept) == 0 {
		return status >= 200 && status < 300
	}
	for _, code := range e.Accept {
		if code == status {
			return true
		}
	}
	return false
}

// WithPath returns the candidates with path appended to each.
func (e Endpoint) WithPath(path string) []string {
	out := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		out = append(out, c+path)
	}
	return out
}

// Primary is the first candidate after host resolution.
func (e Endpoint) Primary() string {
	if len(e.Candidates) == 0 {
		return ""
	}
	return ResolveURL(e.Candidates[0], "localhost")
}

// Endpoints groups every service the harness talks to over HTTP.
type Endpoints struct {
	Gitea      Endpoint
	Woodpecker Endpoint
	MinIO      Endpoint
	MLflow     Endpoint
	Demo       Endpoint
	Registry   Endpoint
	ArgoCD     Endpoint
	KubeAPI    Endpoint
}

func (c *Config) Endpoints() Endpoints {
	registry := "http://localhost:" + c.Registry.Port
	if c.Registry.URL != "" {
		registry = c.Registry.URL
	}
	return Endpoints{
		Gitea:      endpoint("Gitea", c.Gitea.URL, c.Gitea.Port),
		Woodpecker: endpoint("Woodpecker", c.Woodpecker.URL, c.Woodpecker.Port, 200, 204),
		MinIO:      endpoint("MinIO", c.ObjectStore.URL, c.ObjectStore.Port),
		MLflow:     endpoint("MLflow", c.MLflow.URL, c.MLflow.Port),
		Demo:       endpoint("Demo app", c.Demo.URL, c.Demo.Port),
		Registry:   Endpoint{Name: "Registry", Candidates: []string{strings.TrimRight(registry, "/")}},
		ArgoCD:     endpoint("Argo CD", c.ArgoCD.URL, c.ArgoCD.Port, 200, 301, 302, 307, 401),
		KubeAPI: Endpoint{
			Name:       "K8s API",
			Candidates: []string{"https://localhost:" + c.Cluster.APIPort},
			Accept:     []int{200, 401},
		},
	}
}

func endpoint(name, public, port string, accept ...int) Endpoint {
	candidates := []string{strings.TrimRight(public, "/")}
	if port != "" {
		candidates = append(candidates, "http://localhost:"+port)
	}
	return Endpoint{Name: name, Candidates: Dedupe(candidates), Accept: accept}
}

// Dedupe drops repeated and empty entries, keeping first occurrence order.
func Dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

var lookupHost = net.LookupHost

// ResolveURL keeps raw when its host resolves, otherwise swaps the host for
// fallback and keeps the port.
func ResolveURL(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.TrimRight(raw, "/")
	}
	if _, err := lookupHost(u.Hostname()); err == nil {
		return strings.TrimRight(raw, "/")
	}
	return RewriteHost(raw, fallback)
}

// RewriteHost replaces the host of raw with host, keeping scheme, port and path.
func RewriteHost(raw, host string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	return strings.TrimRight(u.String(), "/")
}
