package updater

import (
	"strconv"
	"strings"
)

// CompareVersions orders two version strings under semantic-version rules:
// numeric major.minor.patch comparison, with pre-release versions sorting
// below their release ("1.3.0-rc.1" < "1.3.0"). Returns -1, 0, or 1.
// Leading "v"/"V" prefixes are ignored. Unparseable numeric parts count as 0.
func CompareVersions(a, b string) int {
	aCore, aPre := splitVersion(a)
	bCore, bPre := splitVersion(b)

	for i := 0; i < 3; i++ {
		av := numericPart(aCore, i)
		bv := numericPart(bCore, i)
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}

	// Equal cores: a release outranks any pre-release of itself.
	switch {
	case aPre == "" && bPre == "":
		return 0
	case aPre == "":
		return 1
	case bPre == "":
		return -1
	}
	return comparePreRelease(aPre, bPre)
}

// IsNewer reports whether latest is strictly greater than current.
func IsNewer(latest, current string) bool {
	return CompareVersions(latest, current) > 0
}

// splitVersion separates "v1.2.3-rc.1+build" into core "1.2.3" and
// pre-release "rc.1"; build metadata is ignored for ordering.
func splitVersion(v string) (core, pre string) {
	v = strings.TrimSpace(v)
	v = strings.TrimLeft(v, "vV")
	if idx := strings.IndexByte(v, '+'); idx >= 0 {
		v = v[:idx]
	}
	if idx := strings.IndexByte(v, '-'); idx >= 0 {
		return v[:idx], v[idx+1:]
	}
	return v, ""
}

func numericPart(core string, idx int) int {
	parts := strings.Split(core, ".")
	if idx >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[idx])
	if err != nil {
		return 0
	}
	return n
}

// comparePreRelease orders dot-separated pre-release identifiers: numeric
// identifiers compare numerically and rank below alphanumeric ones; a
// shorter identifier list ranks below a longer one with an equal prefix.
func comparePreRelease(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		ai, aNum := parseIdentifier(aParts[i])
		bi, bNum := parseIdentifier(bParts[i])

		switch {
		case aNum && bNum:
			if ai != bi {
				if ai > bi {
					return 1
				}
				return -1
			}
		case aNum:
			return -1
		case bNum:
			return 1
		default:
			if cmp := strings.Compare(aParts[i], bParts[i]); cmp != 0 {
				return cmp
			}
		}
	}

	switch {
	case len(aParts) > len(bParts):
		return 1
	case len(aParts) < len(bParts):
		return -1
	}
	return 0
}

func parseIdentifier(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
