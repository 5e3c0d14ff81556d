package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/notesmith/engine/internal/logger"
)

// Call names. Each one maps to an entry in calls.yaml and a set of prompt
// asset files under the prompts directory.
const (
	CallSTT      = "stt"
	CallContext  = "context"
	CallNoteback = "noteback"
)

// Replacement targets.
const (
	TargetPrompt = "prompt"
	TargetSystem = "sys"
)

// Replacement substitutes Value for every occurrence of Key in the chosen
// template before the call is made.
type Replacement struct {
	Target string
	Key    string
	Value  string
}

// CallConfig is one entry in calls.yaml. File paths are relative to the
// prompts directory.
type CallConfig struct {
	Model                 string `yaml:"model"`
	TokenLimit            int    `yaml:"token_limit"`
	PromptFile            string `yaml:"prompt_file"`
	SystemInstructionFile string `yaml:"system_instruction_file"`
	ResponseSchemaFile    string `yaml:"response_schema_file"`
}

// CallInput is a fully resolved call: templates loaded, replacements applied,
// schema parsed. It carries everything the generation client needs.
type CallInput struct {
	Model             string
	TokenLimit        int
	Prompt            string
	SystemInstruction string
	ResponseSchema    map[string]any
}

type Library struct {
	log     *logger.Logger
	dir     string
	configs map[string]CallConfig
}

// Load reads calls.yaml from dir and validates that every configured asset
// file exists. Template files themselves are read per call so edits on disk
// take effect without a restart.
func Load(dir string, log *logger.Logger) (*Library, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "calls.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt call configs: %w", err)
	}
	var configs map[string]CallConfig
	if err := yaml.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse prompt call configs: %w", err)
	}
	for _, name := range []string{CallSTT, CallContext, CallNoteback} {
		cfg, ok := configs[name]
		if !ok {
			return nil, fmt.Errorf("missing prompt call config %q", name)
		}
		if cfg.Model == "" || cfg.TokenLimit <= 0 {
			return nil, fmt.Errorf("prompt call config %q missing model or token_limit", name)
		}
		for _, file := range []string{cfg.PromptFile, cfg.SystemInstructionFile, cfg.ResponseSchemaFile} {
			if file == "" {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
				return nil, fmt.Errorf("prompt call config %q references missing file %q: %w", name, file, err)
			}
		}
	}
	log.Info("Loaded prompt call configs", "dir", dir, "calls", len(configs))
	return &Library{log: log.With("service", "PromptLibrary"), dir: dir, configs: configs}, nil
}

// Resolve builds the call input for name, applying replacements in order.
func (l *Library) Resolve(name string, replacements ...Replacement) (*CallInput, error) {
	cfg, ok := l.configs[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt call %q", name)
	}

	input := &CallInput{Model: cfg.Model, TokenLimit: cfg.TokenLimit}

	if cfg.PromptFile != "" {
		text, err := l.readFile(cfg.PromptFile)
		if err != nil {
			return nil, err
		}
		input.Prompt = text
	}
	if cfg.SystemInstructionFile != "" {
		text, err := l.readFile(cfg.SystemInstructionFile)
		if err != nil {
			return nil, err
		}
		input.SystemInstruction = text
	}
	if cfg.ResponseSchemaFile != "" {
		raw, err := os.ReadFile(filepath.Join(l.dir, cfg.ResponseSchemaFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read response schema %q: %w", cfg.ResponseSchemaFile, err)
		}
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid response schema %q: %w", cfg.ResponseSchemaFile, err)
		}
		input.ResponseSchema = schema
	}

	for _, rep := range replacements {
		switch rep.Target {
		case TargetPrompt:
			input.Prompt = strings.ReplaceAll(input.Prompt, rep.Key, rep.Value)
		case TargetSystem:
			input.SystemInstruction = strings.ReplaceAll(input.SystemInstruction, rep.Key, rep.Value)
		default:
			return nil, fmt.Errorf("unknown replacement target %q", rep.Target)
		}
	}
	return input, nil
}

func (l *Library) readFile(name string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file %q: %w", name, err)
	}
	return string(raw), nil
}
