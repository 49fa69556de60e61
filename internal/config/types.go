package config

// PoolConfig sizes the bounded worker pools.
type PoolConfig struct {
	Executors  int `json:"executors"`  // concurrent execution slots
	Validators int `json:"validators"` // concurrent validation slots
}

// ExecutionConfig holds the retry policy and external-call limits.
type ExecutionConfig struct {
	MaxFailures        int `json:"max_failures"`         // failed attempts before a task permanently fails
	CallTimeoutSeconds int `json:"call_timeout_seconds"` // per external call; 0 disables
}

// MockConfig tunes the simulated executor and validator backends.
type MockConfig struct {
	ExecutorPassProbability  float64 `json:"executor_pass_probability"`
	ValidatorPassProbability float64 `json:"validator_pass_probability"`
	Seed                     int64   `json:"seed,omitempty"` // 0 picks the default seed
}

// ValidationConfig selects how task outputs are judged.
type ValidationConfig struct {
	Strategy string `json:"strategy"` // "spec" (criteria-driven) or "mock"
}

// StorageConfig selects and locates the persistence backend.
type StorageConfig struct {
	Backend string `json:"backend"` // "file" or "sqlite"
	Path    string `json:"path"`    // root directory (file) or database path (sqlite)
}

// Config is the top-level configuration. Sections are pointers so a config
// file can override one section while leaving the rest at defaults.
type Config struct {
	Pools      *PoolConfig       `json:"pools,omitempty"`
	Execution  *ExecutionConfig  `json:"execution,omitempty"`
	Mock       *MockConfig       `json:"mock,omitempty"`
	Validation *ValidationConfig `json:"validation,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
}
