package config

// Config is the executor process configuration.
//
// Example (YAML):
//
//	executor:
//	  name: executor-1
//	  namespace: it.example.com
//	  max_jobs: 100
//	registry:
//	  driver: etcd
//	  endpoints: ["127.0.0.1:2379"]
//	logging:
//	  level: info
//	  console: true
//	storage:
//	  driver: sqlite
//	  path: ./data/shardex.db
type Config struct {
	Executor ExecutorConfig `json:"executor"`
	Registry RegistryConfig `json:"registry"`
	Logging  LoggingConfig  `json:"logging"`
	Shutdown ShutdownConfig `json:"shutdown,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type ExecutorConfig struct {
	// Name identifies this executor in the registry. Defaults to the hostname.
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	// MaxJobs caps the number of jobs this executor runs at once. 0 disables the limit.
	MaxJobs int `json:"max_jobs,omitempty"`
}

// RegistryConfig selects and configures the coordination registry backend.
//
// Driver values:
//   - "etcd": shared etcd cluster (production)
//   - "memory": in-process registry, single executor only (local runs, tests)
type RegistryConfig struct {
	Driver    string   `json:"driver"`
	Endpoints []string `json:"endpoints,omitempty"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"` // never logged
	// DialTimeout is a Go duration string (e.g. "5s").
	DialTimeout string `json:"dial_timeout,omitempty"`
	// SessionTTL bounds how long ephemeral markers survive a crashed executor (e.g. "15s").
	SessionTTL string `json:"session_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ShutdownConfig bounds the two grace waits of an orchestrator shutdown.
//
// All durations are Go duration strings. Omitted values default to "500ms".
type ShutdownConfig struct {
	// JobGrace bounds how long in-flight shard executions get to observe a shutdown signal.
	JobGrace string `json:"job_grace,omitempty"`
	// TeardownGrace bounds how long registry watch callbacks get to drain after subsystems stop.
	TeardownGrace string `json:"teardown_grace,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./shardex_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
