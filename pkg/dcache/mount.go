package dcache

import (
	"strings"
)

// MatchMode selects how ResolveMount compares paths.
type MatchMode int

const (
	// MatchPrefix trims the query to its parent until a mount point matches.
	MatchPrefix MatchMode = iota

	// MatchExact only accepts a mount point equal to the query. It is used to
	// recognise a directory that is itself a mount point.
	MatchExact
)

// NormalizePath collapses runs of '/' into one and strips a single trailing
// '/' unless the path is the root. It is idempotent.
func NormalizePath(path string) string {
	if path == "" {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '/' && i+1 < len(path) && path[i+1] == '/' {
			continue
		}
		b.WriteByte(path[i])
	}
	out := b.String()
	if len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	return out
}

// ResolveMount finds the mount holding path and returns it with the part of
// path left to resolve inside that mount.
//
// Every candidate is compared byte-exactly against every table entry and the
// last matching entry in table order wins, even when an earlier entry is an
// equally good match. In prefix mode the candidate is trimmed to its parent
// directory after each miss ("/a" trims to "/"); in exact mode the search
// stops after the first miss.
func (s *Session) ResolveMount(path string, mode MatchMode) (MountEntry, string, error) {
	table, err := s.mountTable()
	if err != nil {
		return MountEntry{}, "", err
	}
	return resolveMount(table, path, mode)
}

func resolveMount(table []MountEntry, path string, mode MatchMode) (MountEntry, string, error) {
	cur, suffix := path, ""
	for {
		found := -1
		for i := range table {
			if table[i].Path == cur {
				found = i
			}
		}
		if found >= 0 {
			return table[found], suffix, nil
		}
		if mode == MatchExact {
			break
		}

		slash := strings.LastIndexByte(cur, '/')
		if slash < 0 {
			break
		}
		suffix = path[slash+1:]
		if slash > 0 {
			cur = cur[:slash]
		} else if len(cur) > 1 {
			cur = "/"
		} else {
			break
		}
	}
	return MountEntry{}, "", &Error{Code: ErrMountNotFound, Message: "mount point not found", Path: path}
}
