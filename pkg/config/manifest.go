package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kinorez/stagehand/pkg/health"
	"github.com/kinorez/stagehand/pkg/types"
)

// Manifest is the declarative service topology: which services exist,
// how each one is probed, and what depends on what. Durations are
// written in Go syntax ("5s", "2m").
type Manifest struct {
	Services []types.ServiceSpec
	Routes   []types.Route
}

// yaml shadow structs; durations arrive as strings
type manifestYAML struct {
	Services []serviceYAML `yaml:"services"`
	Routes   []routeYAML   `yaml:"routes"`
}

type serviceYAML struct {
	Name          string      `yaml:"name"`
	Kind          string      `yaml:"kind"`
	Probe         probeYAML   `yaml:"probe"`
	DependsOn     []string    `yaml:"dependsOn"`
	StartTimeout  string      `yaml:"startTimeout"`
	Command       []string    `yaml:"command"`
	RestartPolicy *policyYAML `yaml:"restartPolicy"`
}

type probeYAML struct {
	Kind             string `yaml:"kind"`
	Address          string `yaml:"address"`
	URL              string `yaml:"url"`
	Interval         string `yaml:"interval"`
	Timeout          string `yaml:"timeout"`
	SuccessThreshold int    `yaml:"successThreshold"`
	MaxRetries       int    `yaml:"maxRetries"`
}

type policyYAML struct {
	MaxRestarts int    `yaml:"maxRestarts"`
	Window      string `yaml:"window"`
	Backoff     string `yaml:"backoff"`
	GracePeriod string `yaml:"gracePeriod"`
}

// LoadManifest reads and validates a topology manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: path, Reason: err.Error()}
	}

	var raw manifestYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Field: path, Reason: "invalid yaml: " + err.Error()}
	}

	m := &Manifest{}
	for _, s := range raw.Services {
		spec, err := s.toSpec()
		if err != nil {
			return nil, err
		}
		m.Services = append(m.Services, spec)
	}
	for _, r := range raw.Routes {
		m.Routes = append(m.Routes, types.Route{
			Prefix: r.Prefix,
			Target: types.TargetKind(r.Target),
		})
	}
	return m, nil
}

type routeYAML struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
}

func (s serviceYAML) toSpec() (types.ServiceSpec, error) {
	spec := types.ServiceSpec{
		Name:      s.Name,
		Kind:      types.ServiceKind(s.Kind),
		DependsOn: s.DependsOn,
		Command:   s.Command,
	}

	var err error
	field := func(name string) string { return fmt.Sprintf("service %s: %s", s.Name, name) }

	if spec.StartTimeout, err = parseDuration(s.StartTimeout, 0); err != nil {
		return spec, &ConfigError{Field: field("startTimeout"), Reason: err.Error()}
	}

	probe := health.DefaultProbe()
	probe.Kind = types.ProbeKind(s.Probe.Kind)
	probe.Address = s.Probe.Address
	probe.URL = s.Probe.URL
	if probe.Interval, err = parseDuration(s.Probe.Interval, probe.Interval); err != nil {
		return spec, &ConfigError{Field: field("probe.interval"), Reason: err.Error()}
	}
	if probe.Timeout, err = parseDuration(s.Probe.Timeout, probe.Timeout); err != nil {
		return spec, &ConfigError{Field: field("probe.timeout"), Reason: err.Error()}
	}
	if s.Probe.SuccessThreshold > 0 {
		probe.SuccessThreshold = s.Probe.SuccessThreshold
	}
	if s.Probe.MaxRetries > 0 {
		probe.MaxRetries = s.Probe.MaxRetries
	}
	spec.Probe = probe

	if s.RestartPolicy != nil {
		policy := types.RestartPolicy{MaxRestarts: s.RestartPolicy.MaxRestarts}
		if policy.Window, err = parseDuration(s.RestartPolicy.Window, 5*time.Minute); err != nil {
			return spec, &ConfigError{Field: field("restartPolicy.window"), Reason: err.Error()}
		}
		if policy.Backoff, err = parseDuration(s.RestartPolicy.Backoff, 2*time.Second); err != nil {
			return spec, &ConfigError{Field: field("restartPolicy.backoff"), Reason: err.Error()}
		}
		if policy.GracePeriod, err = parseDuration(s.RestartPolicy.GracePeriod, 30*time.Second); err != nil {
			return spec, &ConfigError{Field: field("restartPolicy.gracePeriod"), Reason: err.Error()}
		}
		spec.RestartPolicy = &policy
	}

	return spec, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// Default service names in the standard topology
const (
	ServicePostgres = "postgres"
	ServiceRedis    = "redis"
	ServiceGateway  = "api-gateway"
	ServiceIngress  = "ingress"
	ServiceWorker   = "bot-worker"
)

// DefaultManifest builds the standard five-service topology from the
// runtime config. The worker is gated on every backend it talks to;
// the ingress only needs the gateway it proxies for.
func DefaultManifest(cfg *Config) *Manifest {
	probeFor := func(kind types.ProbeKind, addr, url string) types.Probe {
		p := health.DefaultProbe()
		p.Kind = kind
		p.Address = addr
		p.URL = url
		return p
	}

	return &Manifest{
		Services: []types.ServiceSpec{
			{
				Name:         ServicePostgres,
				Kind:         types.ServiceKindStore,
				Probe:        probeFor(types.ProbePostgres, cfg.Postgres.DSN(), ""),
				StartTimeout: 120 * time.Second,
			},
			{
				Name:         ServiceRedis,
				Kind:         types.ServiceKindCache,
				Probe:        probeFor(types.ProbeRedis, cfg.Redis.Addr(), ""),
				StartTimeout: 120 * time.Second,
			},
			{
				Name:         ServiceGateway,
				Kind:         types.ServiceKindGateway,
				Probe:        probeFor(types.ProbeHTTP, "", cfg.Gateway.URL()),
				StartTimeout: 120 * time.Second,
			},
			{
				Name:         ServiceIngress,
				Kind:         types.ServiceKindProxy,
				Probe:        probeFor(types.ProbeTCP, probeAddr(cfg.Ingress.Addr), ""),
				DependsOn:    []string{ServiceGateway},
				StartTimeout: 60 * time.Second,
			},
			{
				Name:         ServiceWorker,
				Kind:         types.ServiceKindWorker,
				Probe:        probeFor(types.ProbeProcess, "", ""),
				DependsOn:    []string{ServicePostgres, ServiceRedis, ServiceGateway},
				StartTimeout: 120 * time.Second,
				Command:      cfg.Worker.Command,
				RestartPolicy: &types.RestartPolicy{
					MaxRestarts: cfg.Worker.MaxRestarts,
					Window:      cfg.Worker.Window,
					Backoff:     cfg.Worker.Backoff,
					GracePeriod: cfg.Worker.GracePeriod,
				},
			},
		},
		Routes: nil, // nil means ingress.DefaultRoutes()
	}
}

// probeAddr turns a listen address like ":8080" into a dialable one
func probeAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
