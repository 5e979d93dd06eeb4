package types

import (
	"time"
)

// ServiceKind classifies a service in the deployment graph
type ServiceKind string

const (
	ServiceKindStore   ServiceKind = "store"   // durable relational backend (Postgres)
	ServiceKindCache   ServiceKind = "cache"   // ephemeral KV backend (Redis)
	ServiceKindGateway ServiceKind = "gateway" // self-hosted Telegram Bot API server
	ServiceKindProxy   ServiceKind = "proxy"   // ingress reverse proxy
	ServiceKindWorker  ServiceKind = "worker"  // bot worker process
)

// ProbeKind defines the type of health probe
type ProbeKind string

const (
	ProbeTCP      ProbeKind = "tcp"
	ProbeHTTP     ProbeKind = "http"
	ProbePostgres ProbeKind = "postgres"
	ProbeRedis    ProbeKind = "redis"
	ProbeProcess  ProbeKind = "process" // supervised child process liveness
)

// Probe describes how a service's health is checked
type Probe struct {
	Kind     ProbeKind     `yaml:"kind"`
	Address  string        `yaml:"address,omitempty"` // host:port for tcp/redis, DSN for postgres
	URL      string        `yaml:"url,omitempty"`     // full URL for http
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// SuccessThreshold is the number of consecutive successes required to
	// transition to Healthy. A single failure leaves Healthy.
	SuccessThreshold int `yaml:"successThreshold"`

	// MaxRetries is the number of consecutive failures from a non-Healthy
	// state before the service is declared Failed (terminal).
	MaxRetries int `yaml:"maxRetries"`
}

// ServiceSpec is the authoritative declaration of one service in the
// deployment graph. Immutable once loaded.
type ServiceSpec struct {
	Name         string        `yaml:"name"`
	Kind         ServiceKind   `yaml:"kind"`
	Probe        Probe         `yaml:"probe"`
	DependsOn    []string      `yaml:"dependsOn,omitempty"`
	StartTimeout time.Duration `yaml:"startTimeout"`

	// Command is the start command for services stagehand owns the process
	// of (the bot worker). Externally managed services leave it empty and
	// are only health-gated.
	Command []string `yaml:"command,omitempty"`

	RestartPolicy *RestartPolicy `yaml:"restartPolicy,omitempty"`
}

// HealthStatus represents the monitor's view of one service
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthFailed    HealthStatus = "failed"
)

// HealthState tracks probe outcomes for a single service. Owned exclusively
// by the health monitor; everyone else reads snapshot copies.
type HealthState struct {
	Service              string
	Status               HealthStatus
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	LastChecked          time.Time
	Message              string
}

// NodeState represents an orchestration plan node's lifecycle state
type NodeState string

const (
	NodeStatePending  NodeState = "pending"
	NodeStateStarting NodeState = "starting"
	NodeStateReady    NodeState = "ready"
	NodeStateStopping NodeState = "stopping"
	NodeStateStopped  NodeState = "stopped"
	NodeStateFailed   NodeState = "failed"
)

// RestartPolicy defines worker restart behavior
type RestartPolicy struct {
	MaxRestarts int           `yaml:"maxRestarts"` // within Window
	Window      time.Duration `yaml:"window"`      // sliding window for counting restarts
	Backoff     time.Duration `yaml:"backoff"`     // initial delay, doubled per attempt
	GracePeriod time.Duration `yaml:"gracePeriod"` // SIGTERM to SIGKILL
}

// TargetKind classifies an ingress route target
type TargetKind string

const (
	// TargetProxy forwards the request to the gateway upstream
	TargetProxy TargetKind = "proxy"

	// TargetStatic serves the request from the shared media volume
	TargetStatic TargetKind = "static"
)

// Route maps a path prefix to a target. The route table is ordered and
// matched longest-prefix-first.
type Route struct {
	Prefix string     `yaml:"prefix"`
	Target TargetKind `yaml:"target"`
}

// Event represents a lifecycle event (for the broker and journal)
type Event struct {
	Type      string
	Timestamp time.Time
	Service   string
	Message   string
	Metadata  map[string]string
}
