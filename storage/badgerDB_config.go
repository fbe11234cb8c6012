package storage

import "time"

type BadgerDBConfig struct {
	DataDir        string
	DisableLogging bool
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration // 0 disables value log GC
}

func DefaultConfig(dataDir string) BadgerDBConfig {
	return BadgerDBConfig{
		DataDir:        dataDir,
		DisableLogging: true,
		InMemory:       false,
		SyncWrites:     true,
		GCInterval:     time.Hour,
	}
}

// InMemoryConfig is used by tests and ephemeral runs.
func InMemoryConfig() BadgerDBConfig {
	return BadgerDBConfig{DisableLogging: true, InMemory: true}
}
