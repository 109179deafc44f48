package config

import "time"

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		LLM:      DefaultLLMConfig(),
		Database: DefaultDatabaseConfig(),
		Redis:    DefaultRedisConfig(),
		Engine:   DefaultEngineConfig(),
		Memory:   DefaultMemoryConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default operational-surface settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLLMConfig returns the default model settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:       "gpt-4",
		Timeout:     2 * time.Minute,
		Temperature: 0.3,
	}
}

// DefaultDatabaseConfig returns the default SQLite settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Path:            "memflow.db",
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns the default checkpoint-mirror settings.
// The mirror is off by default; the relational store alone is complete.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:   false,
		Addr:      "localhost:6379",
		KeyPrefix: "memflow",
		TTL:       24 * time.Hour,
	}
}

// DefaultEngineConfig returns the default orchestrator bounds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:        3,
		MaxReplans:        1,
		MaxConcurrent:     8,
		MaxPlanSteps:      15,
		MemoryDigestRunes: 4000,
	}
}

// DefaultMemoryConfig returns the default search and consolidation tuning.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		SimilarityThreshold: 0.7,
		CandidateLimit:      100,
		MergeThreshold:      0.85,
		EmbeddingDims:       256,
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}
