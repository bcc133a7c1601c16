package edb

import (
	"bytes"
	"fmt"
)

// Item tags used inside data blocks (spec §4.2). Settings-block content
// (magic + setting lines) is plain text and never reaches this encoder.
const (
	tagTerminator       byte = 0x00
	tagDirectory        byte = 0x90
	tagFile             byte = 0x91
	tagFileSymlink      byte = 0x92
	tagFileSocket       byte = 0x93
	tagFilePipe         byte = 0x94
	tagFileDevice       byte = 0x95
	tagFileUnknown      byte = 0x96
	tagContent          byte = 0xa0
	tagContentChanged   byte = 0xa1 // legacy, read-only
	tagContentRestored  byte = 0xa2 // legacy, read-only
	tagKeyValue         byte = 0xb0
	tagExtraDef         byte = 0xdd
)

// FileKind distinguishes the file-<type> item variants.
type FileKind int

const (
	FileRegular FileKind = iota
	FileSymlink
	FileSocket
	FilePipe
	FileDevice
	FileUnknown
)

func (k FileKind) tag() byte {
	switch k {
	case FileSymlink:
		return tagFileSymlink
	case FileSocket:
		return tagFileSocket
	case FilePipe:
		return tagFilePipe
	case FileDevice:
		return tagFileDevice
	case FileUnknown:
		return tagFileUnknown
	default:
		return tagFile
	}
}

func fileKindForTag(tag byte) FileKind {
	switch tag {
	case tagFileSymlink:
		return FileSymlink
	case tagFileSocket:
		return FileSocket
	case tagFilePipe:
		return FilePipe
	case tagFileDevice:
		return FileDevice
	case tagFileUnknown:
		return FileUnknown
	default:
		return FileRegular
	}
}

// DirectoryItem is a snapshot-only item assigning a name to a directory id.
type DirectoryItem struct {
	DirID  uint64
	Parent uint64
	Name   []byte
	Extra  uint64
}

// FileItem is a snapshot-only item recording one file (or special entry).
type FileItem struct {
	Kind   FileKind
	Parent uint64
	Name   []byte
	CID    []byte
	Size   uint64
	MTime  MTime
	Extra  uint64
}

// ContentItem is a content-registry item mapping a cid to its checksum and
// first-seen time.
type ContentItem struct {
	CID       []byte
	Checksum  []byte
	FirstSeen uint32
}

// LegacyContentItem preserves a deprecated content-history record
// byte-for-byte; the core never emits these, only round-trips them if
// already present (spec §9b).
type LegacyContentItem struct {
	Tag     byte
	Payload []byte
}

// KeyValueItem interns one (key,value) metadata pair within a snapshot.
type KeyValueItem struct {
	KVID  uint64
	Key   []byte
	Value []byte
}

// ExtraDefItem interns a set of kvids as a single extra-metadata id.
type ExtraDefItem struct {
	XID   uint64
	KVIDs []uint64
}

// Item is the tagged union of everything that can appear in a data block.
// Exactly one of the pointer fields is non-nil.
type Item struct {
	Directory      *DirectoryItem
	File           *FileItem
	Content        *ContentItem
	LegacyContent  *LegacyContentItem
	KeyValue       *KeyValueItem
	ExtraDef       *ExtraDefItem
}

// encode appends the tag-framed byte encoding of it to buf.
func (it Item) encode(buf []byte) ([]byte, error) {
	switch {
	case it.Directory != nil:
		d := it.Directory
		if bytes.IndexByte(d.Name, '\n') >= 0 {
			return nil, newErr(KindFormat, "encode", "", fmt.Errorf("directory name contains LF"))
		}
		buf = append(buf, tagDirectory)
		buf = appendVaruint(buf, d.DirID)
		buf = appendVaruint(buf, d.Parent)
		buf = appendVaruint(buf, uint64(len(d.Name)))
		buf = append(buf, d.Name...)
		buf = appendVaruint(buf, d.Extra)
		return buf, nil
	case it.File != nil:
		f := it.File
		if bytes.IndexByte(f.Name, '\n') >= 0 {
			return nil, newErr(KindFormat, "encode", "", fmt.Errorf("file name contains LF"))
		}
		buf = append(buf, f.Kind.tag())
		buf = appendVaruint(buf, f.Parent)
		buf = appendVaruint(buf, uint64(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = appendVaruint(buf, uint64(len(f.CID)))
		buf = append(buf, f.CID...)
		buf = appendVaruint(buf, f.Size)
		if f.MTime.Zero {
			buf = append(buf, zeroMTimeBytes[:]...)
		} else {
			buf = append(buf, EncodeMTime(f.MTime.Time, f.MTime.Nsec)...)
		}
		buf = appendVaruint(buf, f.Extra)
		return buf, nil
	case it.Content != nil:
		c := it.Content
		buf = append(buf, tagContent)
		buf = appendVaruint(buf, uint64(len(c.CID)))
		buf = append(buf, c.CID...)
		buf = appendVaruint(buf, uint64(len(c.Checksum)))
		buf = append(buf, c.Checksum...)
		var tmp [4]byte
		tmp[0] = byte(c.FirstSeen)
		tmp[1] = byte(c.FirstSeen >> 8)
		tmp[2] = byte(c.FirstSeen >> 16)
		tmp[3] = byte(c.FirstSeen >> 24)
		buf = append(buf, tmp[:]...)
		return buf, nil
	case it.LegacyContent != nil:
		l := it.LegacyContent
		buf = append(buf, l.Tag)
		buf = appendVaruint(buf, uint64(len(l.Payload)))
		buf = append(buf, l.Payload...)
		return buf, nil
	case it.KeyValue != nil:
		kv := it.KeyValue
		buf = append(buf, tagKeyValue)
		buf = appendVaruint(buf, kv.KVID)
		buf = appendVaruint(buf, uint64(len(kv.Key)))
		buf = append(buf, kv.Key...)
		buf = appendVaruint(buf, uint64(len(kv.Value)))
		buf = append(buf, kv.Value...)
		return buf, nil
	case it.ExtraDef != nil:
		xd := it.ExtraDef
		buf = append(buf, tagExtraDef)
		buf = appendVaruint(buf, xd.XID)
		buf = appendVaruint(buf, uint64(len(xd.KVIDs)))
		for _, id := range xd.KVIDs {
			buf = appendVaruint(buf, id)
		}
		return buf, nil
	default:
		return nil, newErr(KindFormat, "encode", "", fmt.Errorf("empty item"))
	}
}

// encodedSize returns the exact number of bytes encode would append,
// without allocating, so BlockFile can decide whether an item fits.
func (it Item) encodedSize() (int, error) {
	switch {
	case it.Directory != nil:
		d := it.Directory
		return 1 + varuintSize(d.DirID) + varuintSize(d.Parent) + varuintSize(uint64(len(d.Name))) + len(d.Name) + varuintSize(d.Extra), nil
	case it.File != nil:
		f := it.File
		return 1 + varuintSize(f.Parent) + varuintSize(uint64(len(f.Name))) + len(f.Name) +
			varuintSize(uint64(len(f.CID))) + len(f.CID) + varuintSize(f.Size) + 9 + varuintSize(f.Extra), nil
	case it.Content != nil:
		c := it.Content
		return 1 + varuintSize(uint64(len(c.CID))) + len(c.CID) + varuintSize(uint64(len(c.Checksum))) + len(c.Checksum) + 4, nil
	case it.LegacyContent != nil:
		l := it.LegacyContent
		return 1 + varuintSize(uint64(len(l.Payload))) + len(l.Payload), nil
	case it.KeyValue != nil:
		kv := it.KeyValue
		return 1 + varuintSize(kv.KVID) + varuintSize(uint64(len(kv.Key))) + len(kv.Key) + varuintSize(uint64(len(kv.Value))) + len(kv.Value), nil
	case it.ExtraDef != nil:
		xd := it.ExtraDef
		n := 1 + varuintSize(xd.XID) + varuintSize(uint64(len(xd.KVIDs)))
		for _, id := range xd.KVIDs {
			n += varuintSize(id)
		}
		return n, nil
	default:
		return 0, newErr(KindFormat, "encodedSize", "", fmt.Errorf("empty item"))
	}
}

// decodeItem reads one tag-framed item from buf, returning the item and the
// number of bytes consumed. tagTerminator (a leading 0x00) signals the
// caller should stop and treat the remainder of the block as padding.
func decodeItem(buf []byte) (Item, int, error) {
	if len(buf) == 0 {
		return Item{}, 0, newErr(KindIntegrity, "decodeItem", "", errTruncated)
	}
	tag := buf[0]
	switch tag {
	case tagTerminator:
		return Item{}, 0, nil
	case tagDirectory:
		p := buf[1:]
		dirid, n1, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("directory dirid")
		}
		p = p[n1:]
		parent, n2, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("directory parent")
		}
		p = p[n2:]
		namelen, n3, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("directory namelen")
		}
		p = p[n3:]
		if uint64(len(p)) < namelen {
			return Item{}, 0, malformed("directory name")
		}
		name := append([]byte(nil), p[:namelen]...)
		p = p[namelen:]
		extra, n4, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("directory extra")
		}
		total := 1 + n1 + n2 + n3 + int(namelen) + n4
		return Item{Directory: &DirectoryItem{DirID: dirid, Parent: parent, Name: name, Extra: extra}}, total, nil
	case tagFile, tagFileSymlink, tagFileSocket, tagFilePipe, tagFileDevice, tagFileUnknown:
		p := buf[1:]
		parent, n1, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("file parent")
		}
		p = p[n1:]
		namelen, n2, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("file namelen")
		}
		p = p[n2:]
		if uint64(len(p)) < namelen {
			return Item{}, 0, malformed("file name")
		}
		name := append([]byte(nil), p[:namelen]...)
		p = p[namelen:]
		cidlen, n3, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("file cidlen")
		}
		p = p[n3:]
		if uint64(len(p)) < cidlen {
			return Item{}, 0, malformed("file cid")
		}
		cid := append([]byte(nil), p[:cidlen]...)
		p = p[cidlen:]
		size, n4, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("file size")
		}
		p = p[n4:]
		if len(p) < 9 {
			return Item{}, 0, malformed("file mtime")
		}
		mt, err := DecodeMTime(p[:9])
		if err != nil {
			return Item{}, 0, err
		}
		p = p[9:]
		extra, n5, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("file extra")
		}
		total := 1 + n1 + n2 + int(namelen) + n3 + int(cidlen) + n4 + 9 + n5
		return Item{File: &FileItem{
			Kind: fileKindForTag(tag), Parent: parent, Name: name, CID: cid, Size: size, MTime: mt, Extra: extra,
		}}, total, nil
	case tagContent:
		p := buf[1:]
		cidlen, n1, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("content cidlen")
		}
		p = p[n1:]
		if uint64(len(p)) < cidlen {
			return Item{}, 0, malformed("content cid")
		}
		cid := append([]byte(nil), p[:cidlen]...)
		p = p[cidlen:]
		sumlen, n2, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("content sumlen")
		}
		p = p[n2:]
		if uint64(len(p)) < sumlen {
			return Item{}, 0, malformed("content checksum")
		}
		sum := append([]byte(nil), p[:sumlen]...)
		p = p[sumlen:]
		if len(p) < 4 {
			return Item{}, 0, malformed("content first_seen")
		}
		firstSeen := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
		total := 1 + n1 + int(cidlen) + n2 + int(sumlen) + 4
		return Item{Content: &ContentItem{CID: cid, Checksum: sum, FirstSeen: firstSeen}}, total, nil
	case tagContentChanged, tagContentRestored:
		p := buf[1:]
		paylen, n1, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("legacy content paylen")
		}
		p = p[n1:]
		if uint64(len(p)) < paylen {
			return Item{}, 0, malformed("legacy content payload")
		}
		payload := append([]byte(nil), p[:paylen]...)
		total := 1 + n1 + int(paylen)
		return Item{LegacyContent: &LegacyContentItem{Tag: tag, Payload: payload}}, total, nil
	case tagKeyValue:
		p := buf[1:]
		kvid, n1, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("key-value kvid")
		}
		p = p[n1:]
		keylen, n2, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("key-value keylen")
		}
		p = p[n2:]
		if uint64(len(p)) < keylen {
			return Item{}, 0, malformed("key-value key")
		}
		key := append([]byte(nil), p[:keylen]...)
		p = p[keylen:]
		vallen, n3, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("key-value vallen")
		}
		p = p[n3:]
		if uint64(len(p)) < vallen {
			return Item{}, 0, malformed("key-value value")
		}
		val := append([]byte(nil), p[:vallen]...)
		total := 1 + n1 + n2 + int(keylen) + n3 + int(vallen)
		return Item{KeyValue: &KeyValueItem{KVID: kvid, Key: key, Value: val}}, total, nil
	case tagExtraDef:
		p := buf[1:]
		xid, n1, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("extradef xid")
		}
		p = p[n1:]
		count, n2, ok := decodeVaruint(p)
		if !ok {
			return Item{}, 0, malformed("extradef count")
		}
		p = p[n2:]
		kvids := make([]uint64, count)
		consumed := 0
		for i := range kvids {
			v, n, ok := decodeVaruint(p)
			if !ok {
				return Item{}, 0, malformed("extradef kvid")
			}
			kvids[i] = v
			p = p[n:]
			consumed += n
		}
		total := 1 + n1 + n2 + consumed
		return Item{ExtraDef: &ExtraDefItem{XID: xid, KVIDs: kvids}}, total, nil
	default:
		return Item{}, 0, newErr(KindIntegrity, "decodeItem", "", fmt.Errorf("%w: 0x%02x", errMalformedTag, tag))
	}
}

func malformed(what string) error {
	return newErr(KindIntegrity, "decodeItem", "", fmt.Errorf("%w: %s", errMalformedTag, what))
}
