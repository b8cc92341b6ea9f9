// Package chain loads the YAML file describing the RPC endpoints of the
// chains a deployment may talk to, so contract addresses in the main config
// can reference endpoints by name.
package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint.
type Definition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata. An empty
// path yields an empty set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Resolve returns the endpoint definition registered under the given name.
func (d Definitions) Resolve(name string) (Definition, error) {
	def, ok := d.Chains[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown chain %q", name)
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return Definition{}, fmt.Errorf("chain %q has no rpc_url", name)
	}
	return def, nil
}
