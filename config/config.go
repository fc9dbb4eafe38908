package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	HttpPort           int
	StorageType        StorageType
	RedisConfig        RedisStorageConfig
	PostgresConfig     PostgresStorageConfig
	FlowsDir           string
	PollInterval       time.Duration
	ReapInterval       time.Duration
	StaleLockThreshold time.Duration
	DueBatchSize       int
	HopCap             int
	FaultBudget        int
	WorkerCapacity     int
	Providers          ProviderConfig
	Debug              bool
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type PostgresStorageConfig struct {
	DSN string
}

// ProviderConfig points the action dispatcher at the external collaborators.
// Empty URLs disable the corresponding provider (actions fail permanent).
type ProviderConfig struct {
	MessagingURL  string
	AIURL         string
	TagURL        string
	TransferURL   string
	APIKey        string
	RetryCount    int
	RetryWaitTime time.Duration
}
