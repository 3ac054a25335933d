package supervise

import (
	"regexp"
	"strings"
)

// ansiPattern matches 7-bit C1 escapes and CSI sequences.
var ansiPattern = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// cleanLine prepares a raw output line for marker matching.
func cleanLine(line string) string {
	line = strings.TrimRight(line, "\n")
	line = strings.ReplaceAll(line, "\r", "")
	line = StripANSI(line)
	return strings.TrimSpace(line)
}
