package raft

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const nodeCfgName = "node.yaml"

type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// NodeConfig is the persisted node identity and peer list.
type NodeConfig struct {
	ID    string `yaml:"id"`
	Addr  string `yaml:"addr"`
	Peers []Peer `yaml:"peers"`
}

func SaveNodeConfig(dir string, cfg NodeConfig) error {
	buf, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, nodeCfgName)
	tmp := path + ".tmp"
	if err = ioutil.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadNodeConfig(dir string) (cfg NodeConfig, found bool, err error) {
	buf, err := ioutil.ReadFile(filepath.Join(dir, nodeCfgName))
	if os.IsNotExist(err) {
		return NodeConfig{}, false, nil
	}
	if err != nil {
		return
	}
	if err = yaml.Unmarshal(buf, &cfg); err != nil {
		return
	}
	return cfg, true, nil
}
