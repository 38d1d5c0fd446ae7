// Copyright 2024 NASCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fusefs exposes a vfs.CacheFS through go-fuse. Directory and
// metadata operations are served by the go-fuse loopback over the remote
// root; regular file data goes through the cache.
package fusefs

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"nascache/internal/vfs"
)

// NewRoot returns the root node of a loopback tree over the remote root of
// cfs whose nodes route file I/O through cfs.
func NewRoot(cfs *vfs.CacheFS) (fs.InodeEmbedder, error) {
	remote := cfs.Resolver().RemoteRoot()
	var st syscall.Stat_t
	if err := syscall.Stat(remote, &st); err != nil {
		return nil, err
	}

	root := &fs.LoopbackRoot{
		Path: remote,
		Dev:  uint64(st.Dev),
	}
	root.NewNode = func(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
		return newNode(rootData, cfs)
	}

	rootNode := newNode(root, cfs)
	root.RootNode = rootNode
	return rootNode, nil
}

func newNode(rootData *fs.LoopbackRoot, cfs *vfs.CacheFS) *cacheNode {
	return &cacheNode{
		LoopbackNode: fs.LoopbackNode{RootData: rootData},
		cfs:          cfs,
	}
}

// cacheNode is a loopback node whose regular files are opened through the
// cache.
type cacheNode struct {
	fs.LoopbackNode
	cfs *vfs.CacheFS
}

var _ = (fs.NodeOpener)((*cacheNode)(nil))
var _ = (fs.NodeCreater)((*cacheNode)(nil))
var _ = (fs.NodeUnlinker)((*cacheNode)(nil))
var _ = (fs.NodeRenamer)((*cacheNode)(nil))
var _ = (fs.NodeGetattrer)((*cacheNode)(nil))
var _ = (fs.NodeSetattrer)((*cacheNode)(nil))

// idFromStat computes stable attributes from stat
func idFromStat(rootDev uint64, st *syscall.Stat_t) fs.StableAttr {
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRootDev := (rootDev << 32) | (rootDev >> 32)
	return fs.StableAttr{
		Mode: uint32(st.Mode),
		Gen:  1,
		Ino:  (swapped ^ swappedRootDev) ^ st.Ino,
	}
}

// rel is the node's path relative to the mount root.
func (n *cacheNode) rel() string {
	return n.Path(n.Root())
}

func (n *cacheNode) childRel(name string) string {
	return filepath.Join(n.rel(), name)
}

func (n *cacheNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.cfs.Open(ctx, n.rel(), int(flags), 0)
	if err != nil {
		return nil, 0, vfs.ToErrno(err)
	}
	return &cacheFile{cfs: n.cfs, h: h}, 0, fs.OK
}

func (n *cacheNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := n.childRel(name)
	h, err := n.cfs.Create(ctx, rel, int(flags), mode)
	if err != nil {
		return nil, nil, 0, vfs.ToErrno(err)
	}
	n.preserveOwner(ctx, n.cfs.Resolver().RemotePath(rel))

	st, err := n.cfs.Fstat(h)
	if err != nil {
		n.cfs.Release(ctx, h)
		return nil, nil, 0, vfs.ToErrno(err)
	}
	node := n.RootData.NewNode(n.RootData, n.EmbeddedInode(), name, &st)
	ch := n.NewInode(ctx, node, idFromStat(n.RootData.Dev, &st))
	out.FromStat(&st)
	return ch, &cacheFile{cfs: n.cfs, h: h}, 0, fs.OK
}

// preserveOwner sets uid and gid of path according to the caller information in ctx
func (n *cacheNode) preserveOwner(ctx context.Context, path string) error {
	if syscall.Getuid() != 0 {
		return nil
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return nil
	}
	return syscall.Lchown(path, int(caller.Uid), int(caller.Gid))
}

func (n *cacheNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return vfs.ToErrno(n.cfs.Unlink(ctx, n.childRel(name)))
}

func (n *cacheNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newRel := filepath.Join(newParent.EmbeddedInode().Path(n.Root()), newName)
	return vfs.ToErrno(n.cfs.Rename(ctx, n.childRel(name), newRel, flags))
}

func (n *cacheNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fga, ok := f.(fs.FileGetattrer); ok {
		return fga.Getattr(ctx, out)
	}
	st, err := n.cfs.Getattr(n.rel())
	if err != nil {
		return vfs.ToErrno(err)
	}
	out.FromStat(&st)
	return fs.OK
}

func (n *cacheNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if cf, ok := f.(*cacheFile); ok {
		return cf.Setattr(ctx, in, out)
	}
	if err := n.cfs.Setattr(ctx, n.rel(), 0, attrChange(in)); err != nil {
		return vfs.ToErrno(err)
	}
	return n.Getattr(ctx, nil, out)
}

// attrChange converts a kernel setattr request.
func attrChange(in *fuse.SetAttrIn) vfs.AttrChange {
	var ch vfs.AttrChange
	if mode, ok := in.GetMode(); ok {
		ch.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		ch.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		ch.GID = &gid
	}
	if atime, ok := in.GetATime(); ok {
		ch.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		ch.Mtime = &mtime
	}
	if size, ok := in.GetSize(); ok {
		sz := int64(size)
		ch.Size = &sz
	}
	return ch
}
