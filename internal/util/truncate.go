package util

// TruncateTail truncates s to maxLen bytes, keeping the end. Agent and
// verifier output is most useful at the tail, where failures surface.
func TruncateTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "...(truncated)...\n" + s[len(s)-maxLen:]
}

// TruncateHead truncates s to maxLen bytes, keeping the beginning.
func TruncateHead(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n...(truncated)..."
}
