package action

import (
	"encoding/hex"
	"strings"

	"golang.org/x/mod/semver"
)

// versionMatches reports whether the version read from the ECU equals target.
// target may be the hex rendering of the raw value ("0102", "0x0102") or, for
// ASCII values, the version text itself, compared as semver when both parse.
func versionMatches(current []byte, target string) bool {
	t := strings.TrimSpace(target)
	if t == "" {
		return false
	}
	h := strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	if strings.EqualFold(hex.EncodeToString(current), h) {
		return true
	}
	if !printable(current) {
		return false
	}
	s := strings.TrimSpace(string(current))
	if s == t {
		return true
	}
	a, b := canonical(s), canonical(t)
	return semver.IsValid(a) && semver.IsValid(b) && semver.Compare(a, b) == 0
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func printable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
