// Package remotekey turns a git remote URL into the key a shared timer is
// stored under.
//
// Both SSH ("git@github.com:org/repo.git") and HTTPS
// ("https://github.com/org/repo.git") forms of the same remote map to the
// same key. The result is safe to use as a single path segment in the
// remote store: '/' becomes '_' and '.' becomes '-'.
package remotekey

import "strings"

var keyReplacer = strings.NewReplacer("/", "_", ".", "-")

// Normalize returns the canonical key for remote. It never fails: input
// lacking the expected separators degrades to a best-effort key.
func Normalize(remote string) string {
	var hostPath string
	if isSSH(remote) {
		hostPath = normalizeSSH(remote)
	} else {
		hostPath = normalizeHTTPS(remote)
	}
	return keyReplacer.Replace(hostPath)
}

func isSSH(remote string) bool {
	return strings.Contains(remote, "@")
}

// user@host:path or user@host:/path
func normalizeSSH(remote string) string {
	_, hostAndPath := SplitIntoTwo(remote, "@")
	host, path := SplitIntoTwo(hostAndPath, ":")
	return host + PrependIfMissing(path, "/")
}

// scheme://host[:port]/path or scheme://host:/path
func normalizeHTTPS(remote string) string {
	_, hostAndPath := SplitIntoTwo(remote, "//")
	host, path := SplitIntoTwo(hostAndPath, "/")
	return RemoveTrailing(host, ':') + PrependIfMissing(path, "/")
}

// SplitIntoTwo splits s around the first occurrence of sep. When sep does not
// occur, it returns (s, "").
func SplitIntoTwo(s, sep string) (string, string) {
	before, after, found := strings.Cut(s, sep)
	if !found {
		return s, ""
	}
	return before, after
}

// RemoveTrailing cuts s at the first occurrence of ch.
func RemoveTrailing(s string, ch byte) string {
	if i := strings.IndexByte(s, ch); i >= 0 {
		return s[:i]
	}
	return s
}

// PrependIfMissing returns s with prefix prepended unless s already starts with it.
func PrependIfMissing(s, prefix string) string {
	if strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + s
}
