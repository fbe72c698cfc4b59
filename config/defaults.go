// =============================================================================
// 📦 CostGuard 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Guard:     DefaultGuardConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Archive:   DefaultArchiveConfig(),
		Auth:      DefaultAuthConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Pricing:   DefaultPricingConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultGuardConfig 返回默认 Guard 配置
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		PolicyDir:                  "./policies",
		PolicyRefreshInterval:      5 * time.Minute,
		FailureMode:                "fail_open",
		EnableBudgetEnforcement:    true,
		EnableRouting:              true,
		EnableMetrics:              true,
		DefaultMaxIterationsPerRun: 50,
		DefaultMaxToolCallsPerRun:  100,
		RunIDInMetrics:             false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "costguard:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "costguard",
		Password:        "",
		Name:            "costguard",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultArchiveConfig 返回默认归档配置
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:       false,
		QueueSize:     1024,
		BatchSize:     64,
		FlushInterval: 2 * time.Second,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		APIKey:    "",
		JWTSecret: "",
		JWTIssuer: "costguard",
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		RPS:     100,
		Burst:   200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:               false,
		OTLPEndpoint:          "localhost:4317",
		ServiceName:           "costguard",
		ServiceNamespace:      "",
		DeploymentEnvironment: "development",
		ExportInterval:        60 * time.Second,
		ExportTimeout:         30 * time.Second,
		SampleRate:            0.1,
	}
}

// DefaultPricingConfig 返回默认兜底定价配置
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Currency:            "USD",
		FallbackInputPer1K:  1.0,
		FallbackOutputPer1K: 3.0,
	}
}
