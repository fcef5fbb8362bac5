package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes how one language is selected, prepared and run.
type Profile struct {
	Name           string   `yaml:"name"`
	Extension      string   `yaml:"extension"`       // runnable file extension, e.g. ".py"
	EntryFile      string   `yaml:"entry_file"`      // file a fenced code block is written to
	FenceLanguages []string `yaml:"fence_languages"` // accepted ``` tags besides an empty one
	Run            []string `yaml:"run"`             // argv prefix; the entry file is appended
	Install        []string `yaml:"install"`         // argv prefix; the manifest path is appended
	ManifestName   string   `yaml:"manifest_name"`
}

// Default is the Python profile the scheduler ships with.
func Default() *Profile {
	return &Profile{
		Name:           "Python",
		Extension:      ".py",
		EntryFile:      "main.py",
		FenceLanguages: []string{"py", "python"},
		Run:            []string{"python", "-u"},
		Install:        []string{"python", "-m", "pip", "install", "-r"},
		ManifestName:   "requirements.txt",
	}
}

// Load reads a profile from a YAML file. Unset fields keep the default values.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

func (p *Profile) validate() error {
	if !strings.HasPrefix(p.Extension, ".") {
		return fmt.Errorf("extension %q must start with a dot", p.Extension)
	}
	if filepath.Ext(p.EntryFile) != p.Extension {
		return fmt.Errorf("entry_file %q must use extension %s", p.EntryFile, p.Extension)
	}
	if len(p.Run) == 0 {
		return fmt.Errorf("run command is required")
	}
	return nil
}

// Runnable reports whether name has the profile's runnable extension.
func (p *Profile) Runnable(name string) bool {
	return filepath.Ext(name) == p.Extension
}

// RunArgv is the command that executes entry inside the sandbox.
func (p *Profile) RunArgv(entry string) []string {
	argv := append([]string{}, p.Run...)
	return append(argv, entry)
}

// InstallArgv is the command that installs the manifest at path, or nil when
// the profile has no installer.
func (p *Profile) InstallArgv(path string) []string {
	if len(p.Install) == 0 {
		return nil
	}
	argv := append([]string{}, p.Install...)
	return append(argv, path)
}
