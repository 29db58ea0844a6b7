package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"conductor/internal/automation"
	"conductor/pkg/logging"
)

const (
	userConfigDir  = ".config/conductor"
	configFileName = "config.yaml"
	rulesDirName   = "rules"
)

// GetDefaultConfigPathOrPanic returns ~/.config/conductor.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads config.yaml from the given directory over the defaults.
// A missing file is not an error; a malformed one is.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := DefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return cfg, nil
}

// RulesDir returns the automation rules directory under configPath.
func RulesDir(configPath string) string {
	return filepath.Join(configPath, rulesDirName)
}

// LoadRules loads every automation rule file (*.yaml, *.yml) from the rules
// directory under configPath, in filename order. A missing directory yields
// no rules. Each file holds exactly one rule and must validate.
func LoadRules(configPath string) ([]automation.Rule, error) {
	dir := RulesDir(configPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	rules := make([]automation.Rule, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		rule, err := LoadRuleFile(path)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	logging.Info("ConfigLoader", "Loaded %d automation rule(s) from %s", len(rules), dir)
	return rules, nil
}

// LoadRuleFile loads and validates a single automation rule file.
func LoadRuleFile(path string) (automation.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return automation.Rule{}, err
	}
	var rule automation.Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return automation.Rule{}, fmt.Errorf("error loading rule from %s: %w", path, err)
	}
	if err := rule.Validate(); err != nil {
		return automation.Rule{}, fmt.Errorf("invalid rule in %s: %w", path, err)
	}
	return rule, nil
}
