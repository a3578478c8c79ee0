// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quietConfig disables metric export so repeated runs in one process do not
// register exporters twice.
func quietConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  metric_exporter: none\n  log_level: error\n"), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "../../machines/counter.yaml", "../../machines/token_ring.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, `counter.yaml: ok (machine "counter", 2 rules, 2 agents)`)
	assert.Contains(t, out, `token_ring.yaml: ok (machine "token_ring", 4 rules, 4 agents)`)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  r: {skip: true}\n"), 0600))
	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "init_rule: required")

	_, err = execute(t, "validate")
	assert.Error(t, err)
}

func TestRunCommand_RunsToHalt(t *testing.T) {
	out, err := execute(t, "run", "--config", quietConfig(t), "--machine", "../../machines/counter.yaml", "--dump")
	require.NoError(t, err)
	assert.Contains(t, out, "machine counter: 5 step(s) committed")
	assert.Contains(t, out, "halted")
	assert.Contains(t, out, "n() = 3\n")
}

func TestRunCommand_StepBound(t *testing.T) {
	out, err := execute(t, "run", "-c", quietConfig(t), "-m", "../../machines/token_ring.yaml", "-n", "4", "--dump")
	require.NoError(t, err)
	assert.Contains(t, out, "machine token_ring: 4 step(s) committed")
	assert.NotContains(t, out, "halted")
	// step 0 is the setup; three hand-offs follow.
	assert.Contains(t, out, "passes() = 3\n")
	assert.Contains(t, out, "holder() = a\n")
}

func TestRunCommand_Errors(t *testing.T) {
	_, err := execute(t, "run", "--config", quietConfig(t))
	assert.ErrorContains(t, err, "no machine definition")

	_, err = execute(t, "run", "--config", quietConfig(t), "--machine", "missing.yaml")
	assert.Error(t, err)

	_, err = execute(t, "run", "--config", quietConfig(t), "--machine", "../../machines/counter.yaml", "--log-level", "loud")
	assert.Error(t, err)
}

func TestRunCommand_ConflictingPolicies(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "m.yaml")
	require.NoError(t, os.WriteFile(def, []byte("name: m\npolicy: default\ninit_rule: r\nrules:\n  r: {skip: true}\n"), 0600))
	cfg := filepath.Join(dir, "asm.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("scheduler:\n  policy: singleton\ntelemetry:\n  metric_exporter: none\n  log_level: error\n"), 0600))

	_, err := execute(t, "run", "-c", cfg, "-m", def, "-n", "1")
	assert.ErrorContains(t, err, "conflicting scheduling policies provided by config, machine m")

	// Without a configured policy the machine's choice is used.
	_, err = execute(t, "run", "-c", quietConfig(t), "-m", def, "-n", "1")
	assert.NoError(t, err)
}
