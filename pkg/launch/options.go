// Copyright (c) OpenMMLab. All rights reserved.

package launch

import (
	"fmt"
	"strconv"
)

const (
	BackendTorch  = "torch"
	BackendNative = "native"
)

// Built-in values of the OA-Mix training recipe.
const (
	DefaultGPUs           = 4
	DefaultVisibleDevices = "0,1,2,3"
	DefaultConfigFile     = "configs/OA-DG/cityscapes/faster_rcnn_r50_fpn_1x_cityscapes_oamix.py"
	DefaultWorkDir        = "work_dirs/oamix/cityscapes/faster_rcnn_r50_fpn_1x"
	DefaultPython         = "python"
	DefaultLauncherModule = "torch.distributed.launch"
	DefaultTrainScript    = "tools/train.py"
	DefaultRepoRoot       = "."
	DefaultLauncher       = "pytorch"
)

// Options describe what to train and how the training entry point is invoked.
type Options struct {
	GPUs           int
	VisibleDevices string
	ConfigFile     string
	WorkDir        string
	Python         string
	LauncherModule string
	TrainScript    string
	// RepoRoot is prepended to PYTHONPATH so the fork's packages shadow an
	// installed copy of the framework.
	RepoRoot    string
	AutoScaleLR bool
	Launcher    string
	Backend     string
	ExtraArgs   []string
}

func DefaultOptions() Options {
	return Options{
		GPUs:           DefaultGPUs,
		VisibleDevices: DefaultVisibleDevices,
		ConfigFile:     DefaultConfigFile,
		WorkDir:        DefaultWorkDir,
		Python:         DefaultPython,
		LauncherModule: DefaultLauncherModule,
		TrainScript:    DefaultTrainScript,
		RepoRoot:       DefaultRepoRoot,
		AutoScaleLR:    true,
		Launcher:       DefaultLauncher,
		Backend:        BackendTorch,
	}
}

// ApplyPositional applies the positional arguments of the train command.
// args[0] replaces the config file and args[1] the GPU count when they are
// non-empty; everything from args[2] on is forwarded to the entry point.
func ApplyPositional(opts Options, args []string) (Options, []string, error) {
	if len(args) > 0 && args[0] != "" {
		opts.ConfigFile = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		gpus, err := strconv.Atoi(args[1])
		if err != nil || gpus < 1 {
			return opts, nil, fmt.Errorf("%w: %q", ErrInvalidGPUs, args[1])
		}
		opts.GPUs = gpus
	}
	var forwarded []string
	if len(args) > 2 {
		forwarded = append(forwarded, args[2:]...)
	}
	return opts, forwarded, nil
}
