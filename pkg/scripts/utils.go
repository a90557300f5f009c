// Copyright (c) OpenMMLab. All rights reserved.

package scripts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"text/template"
	"time"
)

const scriptWaitDelay = time.Second

// Generate and execute script
func executeScript(ctx context.Context, tmpl *template.Template, data any) (output []byte, err error) {
	var scriptBuf bytes.Buffer
	if err := tmpl.Execute(&scriptBuf, data); err != nil {
		return nil, err
	}

	return executeShellScript(ctx, scriptBuf.String())
}

// The script is written to a temp file so its body never shows up in the
// command line searched by pgrep -f.
func executeShellScript(ctx context.Context, scriptContent string) ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "oamix_script_*.sh")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(scriptContent); err != nil {
		tmpFile.Close()
		return nil, err
	}
	if err := tmpFile.Close(); err != nil {
		return nil, err
	}
	if err := os.Chmod(tmpFile.Name(), 0700); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", tmpFile.Name())
	// children of a killed script may still hold the output pipe
	cmd.WaitDelay = scriptWaitDelay
	output, err := cmd.CombinedOutput()
	if err != nil {
		return []byte{}, fmt.Errorf("%w: %s", err, string(output))
	}

	return output, nil
}
