package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the --workload file.yaml shape: every field mirrors a
// run flag, letting a benchmark be checked into source control instead
// of assembled from a long flag line.
type fileConfig struct {
	Set        string `yaml:"set"`
	Threads    int    `yaml:"threads"`
	TestSize   uint32 `yaml:"testSize"`
	TranSize   uint32 `yaml:"tranSize"`
	KeyRange   uint32 `yaml:"keyRange"`
	InsertPct  uint32 `yaml:"insertPct"`
	DeletePct  uint32 `yaml:"deletePct"`
	UpdatePct  uint32 `yaml:"updatePct"`
	MetricsAddr string `yaml:"metricsAddr"`
	JSON       bool   `yaml:"json"`
}

func loadWorkloadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}
