// Package version renders the version line the relay binaries print for
// --version.
package version

import (
	"runtime/debug"
	"strings"
)

// String combines the ldflags-injected version, commit, and date into one
// line, e.g. "v1.2.3 (deadbeef) 2026-01-01T00:00:00Z". Placeholders left by
// a plain `go build` are filled from the binary's embedded module and VCS
// metadata when available; fields that stay unknown are dropped from the
// output.
func String(version string, commit string, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if isPlaceholder(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if isPlaceholder(c, "unknown") {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if isPlaceholder(d, "unknown") {
			if ts := buildSetting(info, "vcs.time"); ts != "" {
				d = ts
			}
		}
	}

	if v == "" {
		v = "dev"
	}
	var b strings.Builder
	b.WriteString(v)
	if !isPlaceholder(c, "unknown") {
		b.WriteString(" (")
		b.WriteString(c)
		b.WriteString(")")
	}
	if !isPlaceholder(d, "unknown") {
		b.WriteString(" ")
		b.WriteString(d)
	}
	return b.String()
}

func isPlaceholder(v string, placeholders ...string) bool {
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return false
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
