package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// maxPathDepth bounds the d_parent climb when building a mount point path.
const maxPathDepth = 4096

// Mount is a struct mount.
type Mount struct {
	Addr snapshot.Address

	// Parent is the mount this one is attached to; the namespace root is its
	// own parent.
	Parent snapshot.Address

	// Mountpoint is the dentry in Parent covered by this mount.
	Mountpoint snapshot.Address

	// Root is the root dentry of the mounted filesystem (mnt.mnt_root).
	Root snapshot.Address
}

// MountInfo is a mount together with its absolute mount point path.
type MountInfo struct {
	Mount
	Path string
}

// Mount reads the struct mount at addr.
func (r *Reader) Mount(addr snapshot.Address) (Mount, error) {
	l := r.layout.Mount
	parent, err := snapshot.ReadPointer(r.acc, addr.Add(l.Parent))
	if err != nil {
		return Mount{}, err
	}
	mountpoint, err := snapshot.ReadPointer(r.acc, addr.Add(l.Mountpoint))
	if err != nil {
		return Mount{}, err
	}
	root, err := snapshot.ReadPointer(r.acc, addr.Add(l.Mnt+l.Root))
	if err != nil {
		return Mount{}, err
	}
	return Mount{Addr: addr, Parent: parent, Mountpoint: mountpoint, Root: root}, nil
}

// EnumerateMounts lists the mounts of a mount namespace in mnt_list order
// and computes each mount point path.
//
// The walk is bounded by mnt_namespace.mounts when the layout knows the
// counter, and by MaxMounts otherwise. Mounts that cannot be read are left
// out; the returned error then joins every problem met, and the entries that
// were read are still returned.
func (r *Reader) EnumerateMounts(ns snapshot.Address) ([]MountInfo, error) {
	l := r.layout
	limit := r.limits.MaxMounts
	if l.Namespace.HasMounts {
		if n, err := snapshot.ReadUint32(r.acc, ns.Add(l.Namespace.Mounts)); err == nil && n > 0 && int(n) < limit {
			limit = int(n)
		}
	}

	nodes, listErr := r.ListNodes(ns.Add(l.Namespace.List), limit)
	if listErr != nil && len(nodes) == 0 {
		return nil, fmt.Errorf("mount namespace %s: %w", ns, listErr)
	}

	errs := []error{listErr}
	mounts := make([]MountInfo, 0, len(nodes))
	for _, node := range nodes {
		m, err := r.Mount(node - snapshot.Address(l.Mount.List))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		path, err := r.MountPath(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("mount %s: %w", m.Addr, err))
			continue
		}
		mounts = append(mounts, MountInfo{Mount: m, Path: path})
	}
	return mounts, errors.Join(errs...)
}

// MountPath computes the absolute path of m's mount point the way d_path
// does: climb d_parent inside each mount, and when the root of a mount is
// reached continue from that mount's own mount point in its parent.
func (r *Reader) MountPath(m Mount) (string, error) {
	if m.Parent == m.Addr {
		return "/", nil
	}

	var parts []string
	dentry, mnt := m.Mountpoint, m.Parent
	for range maxPathDepth {
		cur, err := r.Mount(mnt)
		if err != nil {
			return "", err
		}
		d, err := r.Dentry(dentry)
		if err != nil {
			return "", err
		}

		if dentry == cur.Root || d.IsRoot() {
			if cur.Parent == cur.Addr {
				return joinReversed(parts), nil
			}
			dentry, mnt = cur.Mountpoint, cur.Parent
			continue
		}
		parts = append(parts, r.Name(d))
		dentry = d.Parent
	}
	return "", fmt.Errorf("mount point path deeper than %d", maxPathDepth)
}

func joinReversed(parts []string) string {
	if len(parts) == 0 {
		return "/"
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}
