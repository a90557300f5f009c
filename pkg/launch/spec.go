// Copyright (c) OpenMMLab. All rights reserved.

package launch

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidNNodes         = errors.New("invalid " + EnvNNodes)
	ErrInvalidNodeRank       = errors.New("invalid " + EnvNodeRank)
	ErrInvalidPort           = errors.New("invalid " + EnvPort)
	ErrInvalidMasterAddr     = errors.New("invalid " + EnvMasterAddr)
	ErrInvalidGPUs           = errors.New("invalid GPU count")
	ErrInvalidVisibleDevices = errors.New("invalid " + cudaVisibleDevicesKey)
	ErrInvalidBackend        = errors.New("invalid backend")
)

// Spec is a fully resolved launch: node settings, training options and the
// arguments forwarded verbatim to the training entry point.
type Spec struct {
	Node      NodeEnv
	Options   Options
	Forwarded []string
}

// Resolve combines the environment with opts and the positional arguments of
// the train command, then validates the result.
func Resolve(vars map[string]string, opts Options, positional []string) (Spec, error) {
	node, err := LoadNodeEnvFrom(vars)
	if err != nil {
		return Spec{}, err
	}
	opts, forwarded, err := ApplyPositional(opts, positional)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{Node: node, Options: opts, Forwarded: forwarded}
	if err := Validate(spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func Validate(spec Spec) error {
	n, o := spec.Node, spec.Options
	if n.NNodes < 1 {
		return fmt.Errorf("%w: %d, need at least one node", ErrInvalidNNodes, n.NNodes)
	}
	if n.NodeRank < 0 || n.NodeRank >= n.NNodes {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidNodeRank, n.NodeRank, n.NNodes)
	}
	if n.MasterPort < 1 || n.MasterPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, n.MasterPort)
	}
	if n.MasterAddr == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidMasterAddr)
	}
	if o.GPUs < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidGPUs, o.GPUs)
	}
	ids, err := ParseVisibleDevices(o.VisibleDevices)
	if err != nil {
		return err
	}
	if len(ids) > 0 && len(ids) < o.GPUs {
		return fmt.Errorf("%w: %q exposes %d devices for %d processes",
			ErrInvalidVisibleDevices, o.VisibleDevices, len(ids), o.GPUs)
	}
	switch o.Backend {
	case BackendTorch, BackendNative:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, o.Backend)
	}
	return nil
}
