// Package invocation builds the runner's command-line and environment
// contract in one place, shared by the Run Manager's sequential path
// and the Wave Runner's per-worker path so both spawn the exact same
// wire-level shape.
package invocation

import "os"

// Args builds `run-phase --workflow <w> --phase <p> --provider <p>
// --workflows-dir <dir> --prompts-dir <dir> --issue <ref>`.
func Args(workflow, phase, providerName, workflowsDir, promptsDir, issueRef string) []string {
	return []string{
		"run-phase",
		"--workflow", workflow,
		"--phase", phase,
		"--provider", providerName,
		"--workflows-dir", workflowsDir,
		"--prompts-dir", promptsDir,
		"--issue", issueRef,
	}
}

// Env augments the current environment with JEEVES_DATA_DIR and,
// when model is non-empty, JEEVES_MODEL.
func Env(dataDir, model string) []string {
	env := append(os.Environ(), "JEEVES_DATA_DIR="+dataDir)
	if model != "" {
		env = append(env, "JEEVES_MODEL="+model)
	}
	return env
}
