// Copyright (c) OpenMMLab. All rights reserved.

package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"oamix/pkg/proc"

	"github.com/kballard/go-shellquote"
)

var lookupEnv = os.LookupEnv

// Command is one process to start: the external launcher, or a single rank
// when the native backend is used.
type Command struct {
	Name string
	Prog string
	Args []string
	Envs proc.Envs
}

// String renders the command the way it would be typed in a shell, with the
// environment assignments first.
func (c Command) String() string {
	var b strings.Builder
	for _, k := range c.Envs.Keys() {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(shellquote.Join(c.Envs[k]))
		b.WriteByte(' ')
	}
	b.WriteString(shellquote.Join(append([]string{c.Prog}, c.Args...)...))
	return b.String()
}

// Proc turns the command into a runnable process logging into logDir.
func (c Command) Proc(logDir string) proc.Proc {
	p := proc.Proc{
		Name: c.Name,
		Prog: c.Prog,
		Args: c.Args,
		Envs: c.Envs,
	}
	if logDir != "" {
		p.LogFile = filepath.Join(logDir, c.Name+".log")
	}
	return p
}

// TrainArgs are the arguments of the training entry point. Extra arguments
// from the config file come before the forwarded ones so the command line can
// override them.
func TrainArgs(spec Spec) []string {
	o := spec.Options
	args := []string{o.TrainScript, o.ConfigFile, "--work-dir", o.WorkDir}
	if o.AutoScaleLR {
		args = append(args, "--auto-scale-lr")
	}
	args = append(args, "--launcher", o.Launcher)
	args = append(args, o.ExtraArgs...)
	args = append(args, spec.Forwarded...)
	return args
}

// BuildTorchCommand delegates process spawning to the torch launcher module.
func BuildTorchCommand(spec Spec) Command {
	n, o := spec.Node, spec.Options
	args := []string{
		"-m", o.LauncherModule,
		"--nnodes=" + strconv.Itoa(n.NNodes),
		"--node_rank=" + strconv.Itoa(n.NodeRank),
		"--master_addr=" + n.MasterAddr,
		"--nproc_per_node=" + strconv.Itoa(o.GPUs),
		"--master_port=" + strconv.Itoa(n.MasterPort),
	}
	args = append(args, TrainArgs(spec)...)
	return Command{
		Name: "launcher",
		Prog: o.Python,
		Args: args,
		Envs: baseEnvs(o),
	}
}

// BuildRankCommands spawns the local ranks directly, one per GPU, with the
// same environment contract the torch launcher gives its workers.
func BuildRankCommands(spec Spec) []Command {
	n, o := spec.Node, spec.Options
	train := TrainArgs(spec)
	cmds := make([]Command, 0, o.GPUs)
	for localRank := 0; localRank < o.GPUs; localRank++ {
		envs := baseEnvs(o)
		envs["MASTER_ADDR"] = n.MasterAddr
		envs["MASTER_PORT"] = strconv.Itoa(n.MasterPort)
		envs["WORLD_SIZE"] = strconv.Itoa(n.WorldSize(o.GPUs))
		envs["RANK"] = strconv.Itoa(n.GlobalRank(o.GPUs, localRank))
		envs["LOCAL_RANK"] = strconv.Itoa(localRank)
		envs["LOCAL_WORLD_SIZE"] = strconv.Itoa(o.GPUs)
		envs["GROUP_RANK"] = strconv.Itoa(n.NodeRank)
		envs[EnvNNodes] = strconv.Itoa(n.NNodes)
		envs[EnvNodeRank] = strconv.Itoa(n.NodeRank)
		envs["PYTHONUNBUFFERED"] = "1"
		if _, ok := lookupEnv("OMP_NUM_THREADS"); !ok {
			envs["OMP_NUM_THREADS"] = "1"
		}

		args := []string{"-u", train[0], fmt.Sprintf("--local_rank=%d", localRank)}
		args = append(args, train[1:]...)
		cmds = append(cmds, Command{
			Name: fmt.Sprintf("rank%d", n.GlobalRank(o.GPUs, localRank)),
			Prog: o.Python,
			Args: args,
			Envs: envs,
		})
	}
	return cmds
}

// BuildCommands returns the processes to start for the selected backend.
func BuildCommands(spec Spec) []Command {
	if spec.Options.Backend == BackendNative {
		return BuildRankCommands(spec)
	}
	return []Command{BuildTorchCommand(spec)}
}

func baseEnvs(o Options) proc.Envs {
	envs := proc.Envs{"PYTHONPATH": pythonPath(o.RepoRoot)}
	if o.VisibleDevices != "" {
		envs[cudaVisibleDevicesKey] = o.VisibleDevices
	}
	return envs
}

func pythonPath(root string) string {
	existing, _ := lookupEnv("PYTHONPATH")
	return root + ":" + existing
}
