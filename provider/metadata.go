package provider

import (
	"os"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
)

// UnixFileInfo extends FileInfo with Unix ownership.
type UnixFileInfo interface {
	FileInfo
	UID() uint32
	GID() uint32
}

type unixFileInfo struct {
	FileInfo
	uid uint32
	gid uint32
}

func (u *unixFileInfo) UID() uint32 { return u.uid }
func (u *unixFileInfo) GID() uint32 { return u.gid }

// WrapOSFileInfo converts an os.FileInfo into a FileInfo, carrying ownership
// when the platform exposes it.
func WrapOSFileInfo(info os.FileInfo) FileInfo {
	baseInfo := &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		mode:    info.Mode(),
		modTime: info.ModTime(),
	}

	fileStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return baseInfo
	}

	return &unixFileInfo{
		FileInfo: baseInfo,
		uid:      fileStat.Uid,
		gid:      fileStat.Gid,
	}
}

// NewFileInfo builds a FileInfo from raw values.
func NewFileInfo(name string, size int64, mode os.FileMode, modTime time.Time) FileInfo {
	return &localFileInfo{name: name, size: size, mode: mode, modTime: modTime}
}

// NewUnixFileInfo attaches ownership to a FileInfo.
func NewUnixFileInfo(info FileInfo, uid, gid uint32) UnixFileInfo {
	return &unixFileInfo{
		FileInfo: info,
		uid:      uid,
		gid:      gid,
	}
}

// UIDMapping maps source UIDs to destination UIDs
type UIDMapping map[uint32]uint32

// GIDMapping maps source GIDs to destination GIDs
type GIDMapping map[uint32]uint32

// MetadataMapper handles translation of file metadata between source and destination
type MetadataMapper struct {
	uidMapping UIDMapping
	gidMapping GIDMapping
	// If true, preserve source UID/GID when no mapping exists
	// If false, use destination default (typically the running user)
	preserveUnmapped bool
}

// MetadataMapperOption configures a MetadataMapper
type MetadataMapperOption func(*MetadataMapper)

// WithUIDMapping sets the UID mapping table
func WithUIDMapping(mapping UIDMapping) MetadataMapperOption {
	return func(m *MetadataMapper) {
		m.uidMapping = mapping
	}
}

// WithGIDMapping sets the GID mapping table
func WithGIDMapping(mapping GIDMapping) MetadataMapperOption {
	return func(m *MetadataMapper) {
		m.gidMapping = mapping
	}
}

// WithPreserveUnmapped controls whether unmapped UIDs/GIDs are preserved
func WithPreserveUnmapped(preserve bool) MetadataMapperOption {
	return func(m *MetadataMapper) {
		m.preserveUnmapped = preserve
	}
}

// NewMetadataMapper creates a new MetadataMapper with the given options.
// Removable media usually belong to the desktop user, so unmapped ids are
// not preserved by default.
func NewMetadataMapper(opts ...MetadataMapperOption) *MetadataMapper {
	m := &MetadataMapper{
		uidMapping: make(UIDMapping),
		gidMapping: make(GIDMapping),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MapUID returns the destination UID for a source UID
func (m *MetadataMapper) MapUID(uid uint32) (uint32, bool) {
	if mapped, ok := m.uidMapping[uid]; ok {
		return mapped, true
	}
	if m.preserveUnmapped {
		return uid, true
	}
	return 0, false
}

// MapGID returns the destination GID for a source GID
func (m *MetadataMapper) MapGID(gid uint32) (uint32, bool) {
	if mapped, ok := m.gidMapping[gid]; ok {
		return mapped, true
	}
	if m.preserveUnmapped {
		return gid, true
	}
	return 0, false
}

// ApplyMetadata applies permissions, ownership and modification time to path.
func ApplyMetadata(change billy.Change, path string, info FileInfo, mapper *MetadataMapper) error {
	if perm := info.Mode().Perm(); perm != 0 {
		if err := change.Chmod(path, perm); err != nil {
			return err
		}
	}

	if unixInfo, ok := info.(UnixFileInfo); ok && mapper != nil {
		uid, uidOK := mapper.MapUID(unixInfo.UID())
		gid, gidOK := mapper.MapGID(unixInfo.GID())
		if uidOK && gidOK {
			if err := change.Chown(path, int(uid), int(gid)); err != nil {
				return err
			}
		}
	}

	if !info.ModTime().IsZero() {
		return change.Chtimes(path, time.Now(), info.ModTime())
	}
	return nil
}
