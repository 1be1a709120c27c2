// Package launchrecipe resolves the sidecar launch recipes described in
// §6.2: which script to run, in what working directory, with what
// environment. It is deliberately outside internal/sidecar, which only
// knows how to run whatever recipe it is handed.
package launchrecipe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sidecarhost/hostd/internal/project"
)

// ModelConfig carries the resource/quantization knobs read from
// model-config.json. Unknown keys are passed straight through as
// environment variables so a sidecar build can read knobs this host
// doesn't know about by name.
type ModelConfig map[string]string

func loadModelConfig(path string) ModelConfig {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cfg ModelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil
	}
	return cfg
}

func (c ModelConfig) envPairs() []string {
	pairs := make([]string, 0, len(c))
	for k, v := range c {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

// candidate is one entry point this host knows how to launch, in
// descending priority order.
type candidate struct {
	relPath string // relative to the project directory
	workdir func(scriptDir, projectDir string) string
}

var embeddingCandidates = []candidate{
	{relPath: filepath.Join("embedding-sandbox", "embed.py"), workdir: scriptDirWorkdir},
	{relPath: filepath.Join("embedding-sandbox", "warm_start.sh"), workdir: scriptDirWorkdir},
}

var cotCandidates = []candidate{
	{relPath: filepath.Join("minicot-sandbox", "cot.py"), workdir: scriptDirWorkdir},
}

func scriptDirWorkdir(scriptDir, _ string) string { return scriptDir }

// Recipe is the resolved launch instruction, independent of
// sidecar.LaunchRecipe so this package has no import-cycle dependency on
// the sidecar package.
type Recipe struct {
	Path string
	Args []string
	Env  []string
}

// Resolve walks the embedding candidate list and returns the first script
// that exists on disk, built with the common launch contract from §6.2:
// working directory is the script's own directory, environment carries
// the socket dir, socket path, and any model-config.json knobs.
func ResolveEmbedding(identity *project.Identity) (Recipe, error) {
	return resolve(identity, project.Embedding, embeddingCandidates)
}

// ResolveCoT resolves the chain-of-thought sidecar's launch recipe.
func ResolveCoT(identity *project.Identity) (Recipe, error) {
	return resolve(identity, project.CoT, cotCandidates)
}

func resolve(identity *project.Identity, kind project.Kind, candidates []candidate) (Recipe, error) {
	for _, c := range candidates {
		abs := filepath.Join(identity.ProjectPath(), c.relPath)
		if _, err := os.Stat(abs); err != nil {
			continue
		}

		interpreter, args := commandFor(abs)
		env := append(os.Environ(),
			"HOSTD_SIDECAR_SOCKET_DIR="+identity.SocketDir(),
			"HOSTD_SIDECAR_SOCKET="+identity.SocketPath(kind),
		)
		env = append(env, loadModelConfig(identity.ModelConfigPath()).envPairs()...)

		return Recipe{Path: interpreter, Args: args, Env: env}, nil
	}
	return Recipe{}, fmt.Errorf("launchrecipe: no %s sidecar script found under %s", kind, identity.ProjectPath())
}

func commandFor(scriptPath string) (string, []string) {
	switch filepath.Ext(scriptPath) {
	case ".py":
		return "python3", []string{scriptPath}
	case ".sh":
		return "/bin/sh", []string{scriptPath}
	default:
		return scriptPath, nil
	}
}
