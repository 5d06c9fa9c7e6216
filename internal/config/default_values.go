package config

const (
	DefaultMaxToolLoops      = 6
	DefaultMemoryLimit       = 6
	DefaultMaxThreadMessages = 40
	DefaultMemoryTokenBudget = 1500

	DefaultCommandTimeoutMS = 120000
	DefaultOutputLimitBytes = 1 << 20

	DefaultModel      = "gpt-4o-mini"
	DefaultEmbedModel = "text-embedding-3-small"
	DefaultBaseURL    = "https://api.openai.com/v1"

	DefaultDaemonResultsLimit = 200
	DefaultUITickMS           = 100
)
