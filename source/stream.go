// Package source defines the contract a tree scanner must satisfy to feed
// a backup run. It has no implementation of its own: the core consumes
// whatever produces this interface, whether that is a filesystem walker,
// a test fixture, or something else entirely (spec §4.6).
package source

import "time"

// Kind classifies one Entry's file type, mirroring edb.FileKind so a
// scanner's output maps onto a BackupSnapshot file record without
// translation.
type Kind int

const (
	Regular Kind = iota
	Symlink
	Socket
	Pipe
	Device
	Unknown
)

// Body is a finite, once-traversable byte stream. Implementations need not
// support seeking; ReadChunk is called with monotonically non-decreasing
// offsets during a single pass.
type Body interface {
	// ReadChunk returns up to maxLen bytes starting at offset, or a
	// zero-length slice at EOF.
	ReadChunk(offset int64, maxLen int) ([]byte, error)
}

// Attr is one piece of extra metadata (e.g. owner, permissions) a scanner
// attaches to an Entry, destined for Builder.SetExtra.
type Attr struct {
	Key   string
	Value string
}

// Entry is one (path, kind, size, mtime, body, extra) tuple yielded by a
// Stream. Path components are produced parents-before-children.
type Entry struct {
	Path      [][]byte
	Kind      Kind
	Size      uint64
	MTime     time.Time
	MTimeNsec uint32
	Body      Body // nil for directories
	Extra     []Attr
}

// Stream produces Entry values in a deterministic, parent-before-child
// order. Next returns ok=false once exhausted.
type Stream interface {
	Next() (Entry, bool, error)
}
