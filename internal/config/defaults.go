package config

const (
	// DefaultExecutors is the executor pool capacity.
	DefaultExecutors = 7
	// DefaultValidators is the validator pool capacity.
	DefaultValidators = 5
	// DefaultMaxFailures is the retry ceiling before a task permanently fails.
	DefaultMaxFailures = 3
	// DefaultPassProbability is the mock backends' per-call success rate.
	DefaultPassProbability = 0.95
	// DefaultValidationStrategy judges artifacts against their output and
	// validation specs rather than rolling dice.
	DefaultValidationStrategy = "spec"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pools: &PoolConfig{
			Executors:  DefaultExecutors,
			Validators: DefaultValidators,
		},
		Execution: &ExecutionConfig{
			MaxFailures:        DefaultMaxFailures,
			CallTimeoutSeconds: 0,
		},
		Mock: &MockConfig{
			ExecutorPassProbability:  DefaultPassProbability,
			ValidatorPassProbability: DefaultPassProbability,
		},
		Validation: &ValidationConfig{
			Strategy: DefaultValidationStrategy,
		},
		Storage: &StorageConfig{
			Backend: "file",
			Path:    ".planweave/state",
		},
	}
}
