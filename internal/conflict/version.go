package conflict

import (
	"strconv"
	"strings"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// RemoteIsNewer compares two version values and reports whether the remote one
// is strictly newer. Integers compare numerically, dotted strings component-wise
// (missing components count as zero, non-numeric strings fall back to
// lexicographic order). Values of incoherent kinds are treated as a conflict
// whenever they differ.
func RemoteIsNewer(local, remote models.Value) (bool, string) {
	switch {
	case local.IsNumber() && remote.IsNumber():
		l, _ := local.AsNumber()
		r, _ := remote.AsNumber()
		if li, ok := local.AsInt(); ok {
			if ri, ok := remote.AsInt(); ok {
				return li < ri, newerMessage(li < ri)
			}
		}
		return l < r, newerMessage(l < r)

	case local.Kind() == models.KindString && remote.Kind() == models.KindString:
		ls, _ := local.AsString()
		rs, _ := remote.AsString()
		cmp, numeric := CompareDotted(ls, rs)
		if !numeric {
			newer := cmp < 0
			if newer {
				return true, "Server version lexicographically greater than operation version"
			}
			return false, ""
		}
		return cmp < 0, newerMessage(cmp < 0)

	default:
		if local.Equal(remote) {
			return false, ""
		}
		return true, "Version values are different types"
	}
}

func newerMessage(newer bool) string {
	if newer {
		return "Server version is newer than operation version"
	}
	return ""
}

// CompareDotted compares "1.2.3" style versions. The second result is false
// when a component is not numeric and the comparison was lexicographic.
func CompareDotted(a, b string) (int, bool) {
	ap := strings.Split(a, ".")
	bp := strings.Split(b, ".")

	n := max(len(ap), len(bp))
	for i := 0; i < n; i++ {
		av, aerr := component(ap, i)
		bv, berr := component(bp, i)
		if aerr != nil || berr != nil {
			return strings.Compare(a, b), false
		}
		if av != bv {
			if av < bv {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, true
}

func component(parts []string, i int) (int64, error) {
	if i >= len(parts) {
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 64)
}

// NextVersion returns the version to write after a committed update.
// Integer versions are incremented, absent versions start at 1, and any other
// scheme is left to the client.
func NextVersion(remote models.Payload) (models.Value, bool) {
	v, ok := remote.Get(models.FieldVersion)
	if !ok || v.IsNull() {
		return models.Int(1), true
	}
	if i, ok := v.AsInt(); ok {
		return models.Int(i + 1), true
	}
	return models.Value{}, false
}
