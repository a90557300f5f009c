// Copyright (c) OpenMMLab. All rights reserved.

package launch

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

const (
	EnvNNodes     = "NNODES"
	EnvNodeRank   = "NODE_RANK"
	EnvPort       = "PORT"
	EnvMasterAddr = "MASTER_ADDR"

	DefaultNNodes     = 1
	DefaultNodeRank   = 0
	DefaultMasterPort = 29500
	DefaultMasterAddr = "127.0.0.1"
)

// NodeEnv is the node-level rendezvous settings read from the environment.
type NodeEnv struct {
	NNodes     int    `env:"NNODES" envDefault:"1"`
	NodeRank   int    `env:"NODE_RANK" envDefault:"0"`
	MasterPort int    `env:"PORT" envDefault:"29500"`
	MasterAddr string `env:"MASTER_ADDR" envDefault:"127.0.0.1"`
}

// LoadNodeEnv reads NodeEnv from the process environment.
func LoadNodeEnv() (NodeEnv, error) {
	return LoadNodeEnvFrom(env.ToMap(os.Environ()))
}

// LoadNodeEnvFrom reads NodeEnv from vars. Empty values count as unset, the
// same way the shell expands ${NNODES:-1}.
func LoadNodeEnvFrom(vars map[string]string) (NodeEnv, error) {
	set := make(map[string]string, 4)
	for _, k := range []string{EnvNNodes, EnvNodeRank, EnvPort, EnvMasterAddr} {
		if v := vars[k]; v != "" {
			set[k] = v
		}
	}

	var ne NodeEnv
	if err := env.ParseWithOptions(&ne, env.Options{Environment: set}); err != nil {
		return NodeEnv{}, fmt.Errorf("parse node environment: %w", err)
	}
	return ne, nil
}

// WorldSize is the total number of ranks across all nodes.
func (n NodeEnv) WorldSize(gpus int) int {
	return n.NNodes * gpus
}

// GlobalRank maps a local rank on this node to its global rank.
func (n NodeEnv) GlobalRank(gpus, localRank int) int {
	return n.NodeRank*gpus + localRank
}
