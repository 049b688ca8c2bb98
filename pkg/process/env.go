package process

import (
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// ToolchainConfigEnv points the build toolchain at its credential store.
const ToolchainConfigEnv = "BALENARC_DATA_DIRECTORY"

// baseEnv is the fixed environment every child starts from. Nothing else is
// inherited from the server process.
func baseEnv(configDir string) map[string]string {
	return map[string]string{
		"PATH":                    os.Getenv("PATH"),
		"HOME":                    os.Getenv("HOME"),
		"LANG":                    "C.UTF-8",
		"LC_ALL":                  "C.UTF-8",
		ToolchainConfigEnv:        configDir,
		"BALENARC_NO_ANALYTICS":   "1",
		"DOCKER_CLI_EXPERIMENTAL": "disabled",
	}
}

// mergeEnv overlays overrides on base and returns a sorted KEY=VALUE list.
func mergeEnv(base, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// Sanitize removes terminal escape sequences and non-printable characters
// from a line of tool output.
func Sanitize(line string) string {
	stripped := ansi.Strip(line)
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\t' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, stripped))
}
