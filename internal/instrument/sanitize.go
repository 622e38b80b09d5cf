package instrument

import "regexp"

var (
	ansiPattern    = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()*+][0-~]|\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)
	controlPattern = regexp.MustCompile(`[\x00-\x08\x0B-\x1F\x7F]`)
)

// StripANSI removes CSI, OSC, charset and two-byte escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Sanitize strips escape sequences and control characters other than
// newline and tab.
func Sanitize(s string) string {
	return controlPattern.ReplaceAllString(StripANSI(s), "")
}
