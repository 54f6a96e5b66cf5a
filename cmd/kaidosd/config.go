package main

import (
	"encoding/json"
	"os"
)

// NodeConfig is the node daemon's configuration: where it stores its
// databases, what address it listens on, whether and to whom it mines, and
// which peers to dial on startup. It is read from an optional JSON file and
// then overridden by any flags the operator passes on the command line,
// following the teacher's small flag-parsed-entrypoint pattern rather than
// pulling in a configuration framework no example repo in the pack uses.
type NodeConfig struct {
	DataDir        string   `json:"data_dir"`
	ListenAddr     string   `json:"listen_addr"`
	MinerAddress   string   `json:"miner_address"`
	MiningEnabled  bool     `json:"mining_enabled"`
	BootstrapPeers []string `json:"bootstrap_peers"`
}

func defaultConfig() NodeConfig {
	return NodeConfig{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:5000",
	}
}

// loadConfig reads path if it exists, returning defaultConfig() untouched
// when it does not — a config file is convenience, not a requirement.
func loadConfig(path string) (NodeConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
