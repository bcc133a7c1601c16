package edb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
)

const magicBackup = "ebakup backup data"

const iso8601Layout = "2006-01-02T15:04:05"

// joinParts produces an unambiguous string key for a sequence of byte
// strings (path components, or a key/value pair) regardless of the bytes
// each part contains.
func joinParts(parts ...[]byte) string {
	var buf bytes.Buffer
	var lenbuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenbuf[:], uint32(len(p)))
		buf.Write(lenbuf[:])
		buf.Write(p)
	}
	return buf.String()
}

func pathKey(components [][]byte) string { return joinParts(components...) }

// ExtraAttr is one (key, value) metadata pair passed to Builder.SetExtra.
type ExtraAttr struct {
	Key   []byte
	Value []byte
}

// Builder is the write side of a single backup snapshot (spec §4.4). It
// owns a temporary BlockFile named after the snapshot's final path plus
// ".new"; Commit seals and atomically renames it into place.
type Builder struct {
	bf        *BlockFile
	tmpPath   string
	finalPath string

	dirs      map[string]uint64 // pathKey(components) -> dirid
	nextDirID uint64

	kvids    map[string]uint64 // joinParts(key,value) -> kvid
	nextKVID uint64

	extradefs map[string]uint64 // sorted kvid-set key -> xid
	nextXID   uint64

	startTime time.Time
	committed bool
	log       *logrus.Entry
}

// CreateBuilder opens a new snapshot builder for startTime under root. It
// fails KindAlreadyExists if a committed snapshot with the same
// minute-resolution start time already exists.
func CreateBuilder(root string, startTime time.Time, blockSize int, digestName string, log *logrus.Entry) (*Builder, error) {
	if log == nil {
		log = NopLog()
	}
	startTime = startTime.UTC()
	yearDir := filepath.Join(root, "db", startTime.Format("2006"))
	if err := os.MkdirAll(yearDir, 0o755); err != nil {
		return nil, newErr(KindIO, "CreateBuilder", yearDir, err)
	}
	finalPath := filepath.Join(yearDir, startTime.Format("01-02T15:04"))
	if _, err := os.Stat(finalPath); err == nil {
		return nil, newErr(KindAlreadyExists, "CreateBuilder", finalPath, fmt.Errorf("snapshot already exists"))
	} else if !os.IsNotExist(err) {
		return nil, newErr(KindIO, "CreateBuilder", finalPath, err)
	}
	tmpPath := finalPath + ".new"

	bf, err := CreateBlockFile(tmpPath, magicBackup, blockSize, digestName, log)
	if err != nil {
		return nil, err
	}
	if err := bf.AppendSetting("start", startTime.Format(iso8601Layout)); err != nil {
		bf.abort()
		return nil, err
	}

	b := &Builder{
		bf:        bf,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		dirs:      map[string]uint64{},
		nextDirID: 8,
		kvids:     map[string]uint64{},
		extradefs: map[string]uint64{},
		nextXID:   1,
		startTime: startTime,
		log:       log.WithFields(logrus.Fields{"component": "backup-builder", "start": startTime.Format(iso8601Layout)}),
	}
	return b, nil
}

func newMTime(t time.Time, nsec uint32) MTime {
	if t.IsZero() && nsec == 0 {
		return MTime{Zero: true}
	}
	return MTime{Time: t.UTC(), Nsec: nsec}
}

// ensureDirectory returns the dirid for components, creating it and any
// missing ancestors (with extra=0) if this is the first time the path is
// seen in this snapshot.
func (b *Builder) ensureDirectory(components [][]byte) (uint64, error) {
	if len(components) == 0 {
		return 0, nil
	}
	key := pathKey(components)
	if id, ok := b.dirs[key]; ok {
		return id, nil
	}
	parentID, err := b.ensureDirectory(components[:len(components)-1])
	if err != nil {
		return 0, err
	}
	return b.createDirectory(components, parentID, 0)
}

func (b *Builder) createDirectory(components [][]byte, parentID, extra uint64) (uint64, error) {
	key := pathKey(components)
	id := b.nextDirID
	name := components[len(components)-1]
	if err := b.bf.AppendItem(Item{Directory: &DirectoryItem{DirID: id, Parent: parentID, Name: name, Extra: extra}}); err != nil {
		return 0, err
	}
	b.nextDirID++
	b.dirs[key] = id
	return id, nil
}

// AddDirectory assigns and records a dirid for components, creating any
// missing ancestor directories along the way (with extra=0). If the
// directory was already created implicitly as an ancestor of an earlier
// file or directory, its existing dirid is returned and extra is ignored.
func (b *Builder) AddDirectory(components [][]byte, extra uint64) (uint64, error) {
	if b.committed {
		return 0, newErr(KindFormat, "AddDirectory", b.tmpPath, fmt.Errorf("builder already committed"))
	}
	if len(components) == 0 {
		return 0, newErr(KindFormat, "AddDirectory", b.tmpPath, fmt.Errorf("root has no dirid"))
	}
	if id, ok := b.dirs[pathKey(components)]; ok {
		return id, nil
	}
	parentID, err := b.ensureDirectory(components[:len(components)-1])
	if err != nil {
		return 0, err
	}
	return b.createDirectory(components, parentID, extra)
}

// AddFile records one file (or special entry, via kind) at components,
// creating any missing ancestor directories.
func (b *Builder) AddFile(components [][]byte, kind FileKind, cid []byte, size uint64, mtime time.Time, mtimeNsec uint32, extra uint64) error {
	if b.committed {
		return newErr(KindFormat, "AddFile", b.tmpPath, fmt.Errorf("builder already committed"))
	}
	if len(components) == 0 {
		return newErr(KindFormat, "AddFile", b.tmpPath, fmt.Errorf("file needs a name"))
	}
	parentID, err := b.ensureDirectory(components[:len(components)-1])
	if err != nil {
		return err
	}
	name := components[len(components)-1]
	item := Item{File: &FileItem{
		Kind: kind, Parent: parentID, Name: name, CID: cid, Size: size,
		MTime: newMTime(mtime, mtimeNsec), Extra: extra,
	}}
	return b.bf.AppendItem(item)
}

func (b *Builder) internKV(attr ExtraAttr) (uint64, error) {
	key := joinParts(attr.Key, attr.Value)
	if id, ok := b.kvids[key]; ok {
		return id, nil
	}
	id := b.nextKVID
	if err := b.bf.AppendItem(Item{KeyValue: &KeyValueItem{KVID: id, Key: attr.Key, Value: attr.Value}}); err != nil {
		return 0, err
	}
	b.nextKVID++
	b.kvids[key] = id
	return id, nil
}

func kvidSetKey(kvids []uint64) string {
	buf := make([]byte, 8*len(kvids))
	for i, id := range kvids {
		binary.BigEndian.PutUint64(buf[i*8:], id)
	}
	return string(buf)
}

// SetExtra interns attrs as a deduplicated set of key-value items plus one
// extradef, returning the xid to attach to subsequent file/directory
// records. The same set of pairs (in any input order) always yields the
// same xid within one snapshot (spec §4.4, scenario 6).
func (b *Builder) SetExtra(attrs []ExtraAttr) (uint64, error) {
	if b.committed {
		return 0, newErr(KindFormat, "SetExtra", b.tmpPath, fmt.Errorf("builder already committed"))
	}
	sorted := append([]ExtraAttr(nil), attrs...)
	sort.Slice(sorted, func(i, j int) bool {
		if c := bytes.Compare(sorted[i].Key, sorted[j].Key); c != 0 {
			return c < 0
		}
		return bytes.Compare(sorted[i].Value, sorted[j].Value) < 0
	})
	kvids := make([]uint64, len(sorted))
	for i, a := range sorted {
		id, err := b.internKV(a)
		if err != nil {
			return 0, err
		}
		kvids[i] = id
	}
	setKey := kvidSetKey(kvids)
	if xid, ok := b.extradefs[setKey]; ok {
		return xid, nil
	}
	xid := b.nextXID
	if err := b.bf.AppendItem(Item{ExtraDef: &ExtraDefItem{XID: xid, KVIDs: kvids}}); err != nil {
		return 0, err
	}
	b.nextXID++
	b.extradefs[setKey] = xid
	return xid, nil
}

// Commit appends the end setting, finalizes and fsyncs the snapshot file,
// and atomically renames it into place (spec §4.4 commit atomicity).
func (b *Builder) Commit(endTime time.Time) error {
	if b.committed {
		return newErr(KindFormat, "Commit", b.tmpPath, fmt.Errorf("already committed"))
	}
	if err := b.bf.AppendSetting("end", endTime.UTC().Format(iso8601Layout)); err != nil {
		return err
	}
	if _, err := os.Stat(b.finalPath); err == nil {
		return newErr(KindAlreadyExists, "Commit", b.finalPath, fmt.Errorf("snapshot already exists"))
	} else if !os.IsNotExist(err) {
		return newErr(KindIO, "Commit", b.finalPath, err)
	}
	if err := b.bf.Close(); err != nil {
		return err
	}
	if err := RenameAndOverwrite(b.tmpPath, b.finalPath); err != nil {
		return err
	}
	b.committed = true
	b.log.Info("committed snapshot")
	return nil
}

// Abandon releases the builder's resources without committing, leaving the
// temporary file for cleanup on the next StorageRoot.Open (spec §5
// cancellation).
func (b *Builder) Abandon() error {
	if b.committed {
		return nil
	}
	return b.bf.Close()
}

// dirNode is one directory's identity within a committed snapshot.
type dirNode struct {
	parent uint64
	name   []byte
}

type childEntry struct {
	name  []byte
	dirID uint64 // valid if file == nil
	file  *FileItem
}

// Reader streams a committed snapshot's items once, at open, into
// queryable indexes (spec §4.4 reader operations).
type Reader struct {
	bf   *BlockFile
	path string

	dirs     map[uint64]dirNode
	children map[uint64][]childEntry
	kv       map[uint64]ExtraAttr
	extra    map[uint64][]uint64 // xid -> kvids

	start time.Time
	end   time.Time
}

// OpenReader replays a committed snapshot file at path into a Reader.
func OpenReader(path string, log *logrus.Entry) (*Reader, error) {
	bf, err := OpenBlockFileRO(path, log)
	if err != nil {
		return nil, err
	}
	defer bf.Close()

	r := &Reader{
		bf:       bf,
		path:     path,
		dirs:     map[uint64]dirNode{},
		children: map[uint64][]childEntry{},
		kv:       map[uint64]ExtraAttr{},
		extra:    map[uint64][]uint64{},
	}
	if s, ok := bf.Setting("start"); ok {
		t, err := time.Parse(iso8601Layout, s)
		if err != nil {
			return nil, newErr(KindFormat, "OpenReader", path, fmt.Errorf("bad start setting: %w", err))
		}
		r.start = t
	}
	if s, ok := bf.Setting("end"); ok {
		t, err := time.Parse(iso8601Layout, s)
		if err != nil {
			return nil, newErr(KindFormat, "OpenReader", path, fmt.Errorf("bad end setting: %w", err))
		}
		r.end = t
	}

	seenDirIDs := bitset.New(64)
	it := bf.Items()
	for {
		item, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch {
		case item.Directory != nil:
			d := item.Directory
			if d.DirID < 8 {
				return nil, newErr(KindIntegrity, "OpenReader", path, fmt.Errorf("dirid %d below reserved range", d.DirID))
			}
			if seenDirIDs.Test(uint(d.DirID)) {
				return nil, newErr(KindIntegrity, "OpenReader", path, fmt.Errorf("duplicate dirid %d", d.DirID))
			}
			if d.Parent != 0 {
				if _, ok := r.dirs[d.Parent]; !ok {
					return nil, newErr(KindIntegrity, "OpenReader", path, fmt.Errorf("dirid %d references unknown parent %d", d.DirID, d.Parent))
				}
			}
			seenDirIDs.Set(uint(d.DirID))
			r.dirs[d.DirID] = dirNode{parent: d.Parent, name: d.Name}
			r.children[d.Parent] = append(r.children[d.Parent], childEntry{name: d.Name, dirID: d.DirID})
		case item.File != nil:
			f := item.File
			r.children[f.Parent] = append(r.children[f.Parent], childEntry{name: f.Name, file: f})
		case item.KeyValue != nil:
			kv := item.KeyValue
			r.kv[kv.KVID] = ExtraAttr{Key: kv.Key, Value: kv.Value}
		case item.ExtraDef != nil:
			xd := item.ExtraDef
			r.extra[xd.XID] = xd.KVIDs
		}
	}
	return r, nil
}

// GetStartTime returns the snapshot's start setting.
func (r *Reader) GetStartTime() time.Time { return r.start }

// GetEndTime returns the snapshot's end setting.
func (r *Reader) GetEndTime() time.Time { return r.end }

// GetExtra resolves an xid into its set of (key,value) pairs.
func (r *Reader) GetExtra(xid uint64) ([]ExtraAttr, error) {
	if xid == 0 {
		return nil, nil
	}
	kvids, ok := r.extra[xid]
	if !ok {
		return nil, newErr(KindNotFound, "GetExtra", r.path, fmt.Errorf("unknown xid %d", xid))
	}
	out := make([]ExtraAttr, 0, len(kvids))
	for _, id := range kvids {
		attr, ok := r.kv[id]
		if !ok {
			return nil, newErr(KindIntegrity, "GetExtra", r.path, fmt.Errorf("unknown kvid %d", id))
		}
		out = append(out, attr)
	}
	return out, nil
}

func (r *Reader) resolveDir(components [][]byte) (uint64, error) {
	var id uint64
	for _, name := range components {
		found := false
		for _, c := range r.children[id] {
			if c.file == nil && bytes.Equal(c.name, name) {
				id = c.dirID
				found = true
				break
			}
		}
		if !found {
			return 0, newErr(KindNotFound, "resolveDir", r.path, fmt.Errorf("no such directory"))
		}
	}
	return id, nil
}

// DirEntry is one child of a listed directory.
type DirEntry struct {
	Name  []byte
	IsDir bool
	File  *FileItem // nil when IsDir
}

// ListDirectory returns the immediate children of the directory named by
// components (empty components means the root).
func (r *Reader) ListDirectory(components [][]byte) ([]DirEntry, error) {
	dirID, err := r.resolveDir(components)
	if err != nil {
		return nil, err
	}
	children := r.children[dirID]
	out := make([]DirEntry, 0, len(children))
	for _, c := range children {
		if c.file != nil {
			out = append(out, DirEntry{Name: c.name, File: c.file})
		} else {
			out = append(out, DirEntry{Name: c.name, IsDir: true})
		}
	}
	return out, nil
}

// GetFileInfo looks up the file record at components by exact byte-path
// match.
func (r *Reader) GetFileInfo(components [][]byte) (*FileItem, error) {
	if len(components) == 0 {
		return nil, newErr(KindNotFound, "GetFileInfo", r.path, fmt.Errorf("empty path"))
	}
	dirID, err := r.resolveDir(components[:len(components)-1])
	if err != nil {
		return nil, err
	}
	name := components[len(components)-1]
	for _, c := range r.children[dirID] {
		if c.file != nil && bytes.Equal(c.name, name) {
			return c.file, nil
		}
	}
	return nil, newErr(KindNotFound, "GetFileInfo", r.path, fmt.Errorf("no such file"))
}
