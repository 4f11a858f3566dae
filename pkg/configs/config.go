package configs

import "time"

type Config struct {
	DebugAddr    string
	Datastore    string
	Redis        RedisConfig
	Cassandra    CassandraConfig
	Memory       MemoryConfig
	Bench        BenchConfig
	ScenarioFile string
	LogLevel     string
}

type RedisConfig struct {
	Address  string
	Database int
	Password string
}

type CassandraConfig struct {
	Hosts    string
	Keyspace string
}

type MemoryConfig struct {
	ReadDelay        time.Duration
	SharedEscalation bool
}

type BenchConfig struct {
	Strategy    string
	StockID     int64
	Initial     int64
	Calls       int
	Workers     int
	Amount      int64
	MaxAttempts uint64
	LockTimeout time.Duration
}
