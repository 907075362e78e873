// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"strings"
)

// LinkFormat renders the discoverable resources in RFC 6690 link format.
// Each query of the form name=value keeps only resources whose attribute
// matches; a trailing '*' matches by prefix. "href" filters on the path.
func (g *Registry) LinkFormat(queries []string) []byte {
	var sb strings.Builder
	for _, r := range g.All() {
		if r.Hidden || r.Path == WellKnownCore || !r.matches(queries) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('<')
		sb.WriteString(r.Path)
		sb.WriteByte('>')
		if r.Observable {
			sb.WriteString(";obs")
		}
		for _, a := range r.Attrs {
			sb.WriteByte(';')
			sb.WriteString(a.Name)
			switch {
			case a.Value == "":
			case isDigits(a.Value):
				sb.WriteByte('=')
				sb.WriteString(a.Value)
			default:
				sb.WriteString(`="`)
				sb.WriteString(a.Value)
				sb.WriteByte('"')
			}
		}
	}
	return []byte(sb.String())
}

func (r *Resource) matches(queries []string) bool {
	for _, q := range queries {
		name, want, _ := strings.Cut(q, "=")
		if name == "href" {
			if !match(r.Path, want) {
				return false
			}
			continue
		}
		if name == "obs" {
			if !r.Observable {
				return false
			}
			continue
		}
		found := false
		for _, a := range r.Attrs {
			if a.Name == name && matchAny(a.Value, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchAny matches want against each space-separated value, as rt and if
// attributes may carry several.
func matchAny(value, want string) bool {
	if match(value, want) {
		return true
	}
	for _, v := range strings.Fields(value) {
		if match(v, want) {
			return true
		}
	}
	return false
}

func match(value, want string) bool {
	if prefix, ok := strings.CutSuffix(want, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return value == want
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
