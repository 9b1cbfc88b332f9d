package fs

import (
	"strings"
	"time"
)

// FileType distinguishes the three kinds of inode.
type FileType string

const (
	TypeFile      FileType = "file"
	TypeDirectory FileType = "directory"
	TypeSymlink   FileType = "symlink"
)

// Tier names a storage class. Hot content lives inline in the metadata
// store, warm and cold content in external object stores.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Inode is one row of the files table: a file, directory, or symlink.
type Inode struct {
	ID        int64    `json:"id"`
	Path      string   `json:"path"`
	Name      string   `json:"name"`
	ParentID  *int64   `json:"parentId,omitempty"`
	Type      FileType `json:"type"`
	Mode      uint32   `json:"mode"`
	UID       int      `json:"uid"`
	GID       int      `json:"gid"`
	Size      int64    `json:"size"`
	BlobID    string   `json:"blobId,omitempty"`
	Target    string   `json:"target,omitempty"`
	Tier      Tier     `json:"tier"`
	Atime     int64    `json:"atimeMs"`
	Mtime     int64    `json:"mtimeMs"`
	Ctime     int64    `json:"ctimeMs"`
	Birthtime int64    `json:"birthtimeMs"`
	Nlink     int      `json:"nlink"`
}

// IsDir returns whether the inode is a directory.
func (i *Inode) IsDir() bool {
	return i.Type == TypeDirectory
}

// IsSymlink returns whether the inode is a symbolic link.
func (i *Inode) IsSymlink() bool {
	return i.Type == TypeSymlink
}

// IsFile returns whether the inode is a regular file.
func (i *Inode) IsFile() bool {
	return i.Type == TypeFile
}

// HasBlob returns whether the inode references stored content.
func (i *Inode) HasBlob() bool {
	return i.BlobID != ""
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Type        FileType `json:"type,omitempty"`
	Size        int64    `json:"size"`
	Mode        uint32   `json:"mode"`
	MtimeMs     int64    `json:"mtimeMs"`
	IsDirectory bool     `json:"isDirectory"`
	IsSymlink   bool     `json:"isSymlink"`
}

func entryFromInode(i *Inode) DirEntry {
	return DirEntry{
		Name:        i.Name,
		Path:        i.Path,
		Type:        i.Type,
		Size:        i.Size,
		Mode:        i.Mode,
		MtimeMs:     i.Mtime,
		IsDirectory: i.IsDir(),
		IsSymlink:   i.IsSymlink(),
	}
}

// nowMs is the timestamp source for all inode and blob rows.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// baseName returns the leaf segment of a normalized absolute path.
func baseName(path string) string {
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndexByte(path, '/')
	return path[idx+1:]
}

// dirName returns the parent of a normalized absolute path.
func dirName(path string) string {
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndexByte(path, '/')
	if idx == 0 {
		return "/"
	}
	return path[:idx]
}
