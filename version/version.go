// Package version carries the library version and the SemVer rules used to
// compare it.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the library version, MAJOR.MINOR.PATCH[-PRERELEASE][+BUILD].
// Release builds override it with -ldflags "-X audioswitch/version.Version=...".
var Version = "1.2.0"

type Semver struct {
	Major, Minor, Patch int
	Prerelease          string
	Build               string
}

// Parse accepts an optional leading "v".
func Parse(v string) (Semver, error) {
	raw := v
	v = strings.TrimPrefix(v, "v")

	var s Semver
	if i := strings.IndexByte(v, '+'); i >= 0 {
		s.Build = v[i+1:]
		v = v[:i]
		if !validIdents(s.Build, false) {
			return Semver{}, fmt.Errorf("invalid semver build: %q", raw)
		}
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		s.Prerelease = v[i+1:]
		v = v[:i]
		if !validIdents(s.Prerelease, true) {
			return Semver{}, fmt.Errorf("invalid semver prerelease: %q", raw)
		}
	}

	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("invalid semver: %q", raw)
	}
	nums := [3]*int{&s.Major, &s.Minor, &s.Patch}
	for i, p := range parts {
		n, err := numeric(p)
		if err != nil {
			return Semver{}, fmt.Errorf("invalid semver %q: %w", raw, err)
		}
		*nums[i] = n
	}
	return s, nil
}

// numeric parses a version core number: digits only, no leading zero.
func numeric(p string) (int, error) {
	if p == "" || (len(p) > 1 && p[0] == '0') {
		return 0, fmt.Errorf("bad number %q", p)
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("bad number %q", p)
		}
	}
	return strconv.Atoi(p)
}

func validIdents(s string, noLeadingZero bool) bool {
	if s == "" {
		return false
	}
	for _, id := range strings.Split(s, ".") {
		if id == "" {
			return false
		}
		digits := true
		for _, r := range id {
			switch {
			case r >= '0' && r <= '9':
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
				digits = false
			default:
				return false
			}
		}
		if noLeadingZero && digits && len(id) > 1 && id[0] == '0' {
			return false
		}
	}
	return true
}

func Valid(v string) bool {
	_, err := Parse(v)
	return err == nil
}

func (s Semver) String() string {
	out := fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
	if s.Prerelease != "" {
		out += "-" + s.Prerelease
	}
	if s.Build != "" {
		out += "+" + s.Build
	}
	return out
}

// Compare orders by precedence: -1, 0 or +1. Build metadata is ignored.
func (s Semver) Compare(o Semver) int {
	for _, d := range [3][2]int{{s.Major, o.Major}, {s.Minor, o.Minor}, {s.Patch, o.Patch}} {
		if d[0] != d[1] {
			if d[0] > d[1] {
				return 1
			}
			return -1
		}
	}
	switch {
	case s.Prerelease == o.Prerelease:
		return 0
	case s.Prerelease == "":
		return 1
	case o.Prerelease == "":
		return -1
	}
	return comparePrerelease(s.Prerelease, o.Prerelease)
}

func comparePrerelease(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an > bn {
					return 1
				}
				return -1
			}
		case aerr == nil:
			return -1
		case berr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(as) > len(bs):
		return 1
	case len(as) < len(bs):
		return -1
	}
	return 0
}

// NewerThan reports whether candidate has higher precedence than current.
// Unparseable versions are never newer.
func NewerThan(candidate, current string) bool {
	c, err := Parse(current)
	if err != nil {
		return false
	}
	n, err := Parse(candidate)
	if err != nil {
		return false
	}
	return n.Compare(c) > 0
}
