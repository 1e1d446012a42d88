package config

// Config is the top-level YAML structure.
type Config struct {
	Version      string           `yaml:"version"`
	Server       ServerConf       `yaml:"server"`
	Storage      StorageConf      `yaml:"storage"`
	Ingest       IngestConf       `yaml:"ingest"`
	Delivery     DeliveryConf     `yaml:"delivery"`
	Destinations []DestinationDef `yaml:"destinations"`
}

// ServerConf holds the HTTP listener settings.
type ServerConf struct {
	Addr        string `yaml:"addr"`         // overridden by PORT env and -addr flag
	WebhookPath string `yaml:"webhook_path"` // default "/webhook"
	SecretToken string `yaml:"secret_token"` // empty = no secret check
}

// StorageConf points at the SQLite file backing the queue and dedup store.
type StorageConf struct {
	Path string `yaml:"path"`
}

// IngestConf holds deduplication and reconciliation settings.
type IngestConf struct {
	DedupTTLMinutes    int `yaml:"dedup_ttl_minutes"`
	ReconcileIntervalS int `yaml:"reconcile_interval_s"`
}

// DeliveryConf holds tunable worker and retry settings.
type DeliveryConf struct {
	PollIntervalMs    int         `yaml:"poll_interval_ms"`
	LeaseMs           int         `yaml:"lease_ms"`
	RequestTimeoutMs  int         `yaml:"request_timeout_ms"`
	RetryClientErrors bool        `yaml:"retry_client_errors"` // retry 4xx instead of dead-lettering
	Backoff           BackoffConf `yaml:"backoff"`
}

// BackoffConf parameterizes the retry schedule.
type BackoffConf struct {
	BaseMs      int     `yaml:"base_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	CapMs       int     `yaml:"cap_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
}

// DestinationDef configures one forwarding target and its routing rule.
type DestinationDef struct {
	ID             string  `yaml:"id"`
	URL            string  `yaml:"url"`
	Enabled        bool    `yaml:"enabled"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	RateLimit      float64 `yaml:"rate_limit"` // requests/sec, 0 = unlimited
	Match          RuleDef `yaml:"match"`
}

// RuleDef is a tagged routing rule: exactly one variant applies.
type RuleDef struct {
	Kind   string   `yaml:"kind"` // "all" | "event_type" | "field"
	Types  []string `yaml:"types,omitempty"`
	Field  string   `yaml:"field,omitempty"`
	Equals string   `yaml:"equals,omitempty"`
}
