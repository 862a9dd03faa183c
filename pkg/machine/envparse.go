package machine

import "strings"

// ParseExportEnv extracts KEY=VALUE pairs from `export KEY="VALUE"` lines,
// the shape `docker-machine env` prints. Lines that are not export
// assignments (comments, eval hints) are ignored; quotes around the value
// are stripped.
func ParseExportEnv(text string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "export ") {
			continue
		}
		assignment := strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(assignment, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return env
}
