// Package agent holds the built-in agent adapters. An adapter owns
// the launch command for one AI coding CLI and the heuristics that
// read its terminal output, since every CLI renders activity
// differently.
package agent

import "strings"

// lastLines returns the trailing n non-empty lines of a capture.
func lastLines(capture string, n int) []string {
	lines := strings.Split(capture, "\n")
	var kept []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}

// anyLineContains reports whether any of the trailing n lines contains
// one of the markers.
func anyLineContains(capture string, n int, markers ...string) bool {
	for _, line := range lastLines(capture, n) {
		for _, marker := range markers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return s
}

func configBool(cfg map[string]interface{}, key string) bool {
	if cfg == nil {
		return false
	}
	b, _ := cfg[key].(bool)
	return b
}

func configEnv(cfg map[string]interface{}) map[string]string {
	env := make(map[string]string)
	raw, ok := cfg["env"].(map[string]interface{})
	if !ok {
		return env
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			env[k] = s
		}
	}
	return env
}
