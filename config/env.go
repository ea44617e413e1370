package config

import (
	"os"
	"strings"
)

// EnvLoader reads prefixed environment variables.
type EnvLoader struct {
	prefix string
	vars   map[string]string
}

// NewEnvLoader creates a loader for variables starting with prefix.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		vars:   make(map[string]string),
	}
}

// LoadAll loads all environment variables with the configured prefix.
func (e *EnvLoader) LoadAll() {
	for _, env := range os.Environ() {
		if parts := strings.SplitN(env, "=", 2); len(parts) == 2 {
			if strings.HasPrefix(parts[0], e.prefix) {
				e.vars[parts[0]] = parts[1]
			}
		}
	}
}

// GetString returns the value of prefix+key or defaultValue.
func (e *EnvLoader) GetString(key, defaultValue string) string {
	if val, ok := e.vars[e.prefix+key]; ok && val != "" {
		return val
	}

	return defaultValue
}

// Apply overrides settings with the supported variables.
func (e *EnvLoader) Apply(s *Settings) {
	s.Network.ListenAddress = e.GetString("LISTEN_ADDRESS", s.Network.ListenAddress)
	s.Node.NodeType = e.GetString("NODE_TYPE", s.Node.NodeType)
	s.Storage.DataDir = e.GetString("DATA_DIR", s.Storage.DataDir)
	s.Log.Level = e.GetString("LOG_LEVEL", s.Log.Level)
	s.Metrics.ListenAddress = e.GetString("METRICS_ADDRESS", s.Metrics.ListenAddress)
}
