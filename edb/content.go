package edb

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/djherbis/times.v1"
)

const magicContent = "ebakup content data"

// ContentInfo is the in-memory record of one allocated content id: the id
// itself, the checksum it was allocated from, and when it was first seen.
type ContentInfo struct {
	CID       []byte
	Checksum  []byte
	FirstSeen time.Time
}

// ContentStore owns db/content and the sharded body pool beneath the
// storage root (spec §4.3). It is opened read-only at the start of a
// backup run and briefly upgraded to read-write around each AddContent
// call (spec §5).
type ContentStore struct {
	root        string // storage root directory
	contentPath string // db/content
	blockSize   int
	digestName  string

	byCID      map[string]ContentInfo // string(cid) -> info
	byChecksum map[string][]string    // string(checksum) -> ordered []string(cid), insertion order
	cidOrder   []string               // string(cid), in the order content items were recorded
	legacy     []LegacyContentItem

	log *logrus.Entry
}

// CreateContentStore creates an empty db/content with the given block
// settings.
func CreateContentStore(root string, blockSize int, digestName string, log *logrus.Entry) (*ContentStore, error) {
	if log == nil {
		log = NopLog()
	}
	path := filepath.Join(root, "db", "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newErr(KindIO, "CreateContentStore", path, err)
	}
	bf, err := CreateBlockFile(path, magicContent, blockSize, digestName, log)
	if err != nil {
		return nil, err
	}
	if err := bf.FinalizeSettings(); err != nil {
		bf.abort()
		return nil, err
	}
	if err := bf.Close(); err != nil {
		return nil, err
	}
	return &ContentStore{
		root:        root,
		contentPath: path,
		blockSize:   blockSize,
		digestName:  digestName,
		byCID:       map[string]ContentInfo{},
		byChecksum:  map[string][]string{},
		log:         log.WithField("component", "content"),
	}, nil
}

// OpenContentStore opens an existing db/content and replays it to build the
// in-memory cid/checksum indexes (spec §4.3 "in-memory state").
func OpenContentStore(root string, log *logrus.Entry) (*ContentStore, error) {
	if log == nil {
		log = NopLog()
	}
	path := filepath.Join(root, "db", "content")
	bf, err := OpenBlockFileRO(path, log)
	if err != nil {
		return nil, err
	}
	defer bf.Close()

	cs := &ContentStore{
		root:        root,
		contentPath: path,
		blockSize:   bf.BlockSize(),
		digestName:  bf.DigestName(),
		byCID:       map[string]ContentInfo{},
		byChecksum:  map[string][]string{},
		log:         log.WithField("component", "content"),
	}

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
		case item.Content != nil:
			cs.record(*item.Content)
		case item.LegacyContent != nil:
			cs.legacy = append(cs.legacy, *item.LegacyContent)
		}
	}
	return cs, nil
}

func (cs *ContentStore) record(c ContentItem) {
	key := string(c.CID)
	info := ContentInfo{CID: c.CID, Checksum: c.Checksum, FirstSeen: time.Unix(int64(c.FirstSeen), 0).UTC()}
	cs.byCID[key] = info
	cs.cidOrder = append(cs.cidOrder, key)
	sumKey := string(c.Checksum)
	cs.byChecksum[sumKey] = append(cs.byChecksum[sumKey], key)
}

// encodeSuffix is the bijective base-256 numeral used to extend a cid on
// allocation collision (spec §4.3): 0x00, 0x01, ..., 0xff, 0x00 0x00, ...
// This is the sequence spec §4.3 spells out verbatim. The original
// implementation's own encode_suffix (contentdb.py) instead bumps the last
// byte and only grows a new leading byte once the last one is 255, giving
// 0x00, ..., 0xff, 0xff 0x00, 0xff 0x01, ... past the 256th collision on one
// checksum. The two schemes agree below 256 collisions (which is what
// spec §8 scenario 2 exercises); past that they diverge, so a registry
// written by the original past 256 same-checksum collisions would not
// round-trip its cids through this encoder bit-for-bit.
func encodeSuffix(k uint64) []byte {
	var digits []byte
	n := k
	for {
		r := n % 256
		n /= 256
		digits = append(digits, byte(r))
		if n == 0 {
			break
		}
		n--
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return digits
}

// allocateCID implements spec §4.3's deterministic, insertion-order-stable
// content-id allocation rule for a new record with the given checksum.
func (cs *ContentStore) allocateCID(checksum []byte) []byte {
	if len(cs.byChecksum[string(checksum)]) == 0 {
		return append([]byte(nil), checksum...)
	}
	for k := uint64(0); ; k++ {
		candidate := append(append([]byte(nil), checksum...), encodeSuffix(k)...)
		if _, exists := cs.byCID[string(candidate)]; !exists {
			return candidate
		}
	}
}

// AddContent allocates a new cid for checksum and appends one content item
// recording it, regardless of whether other cids already share that
// checksum (spec §4.3, scenario 2: repeated identical checksums still
// allocate distinct cids).
func (cs *ContentStore) AddContent(checksum []byte, when time.Time) ([]byte, error) {
	cid := cs.allocateCID(checksum)
	return cs.addContentWithCID(cid, checksum, when)
}

// addContentWithCID appends the content item for an already-allocated cid.
// GetOrAddContent uses this directly so it can store the body at cid's path
// before the registry entry exists, rather than after.
func (cs *ContentStore) addContentWithCID(cid, checksum []byte, when time.Time) ([]byte, error) {
	bf, err := OpenBlockFileRW(cs.contentPath, true, cs.log)
	if err != nil {
		return nil, err
	}
	defer bf.Close()

	item := Item{Content: &ContentItem{CID: cid, Checksum: checksum, FirstSeen: uint32(when.UTC().Unix())}}
	if err := bf.AppendItem(item); err != nil {
		return nil, err
	}
	if err := bf.Sync(); err != nil {
		return nil, err
	}
	cs.record(*item.Content)
	cs.log.WithFields(logrus.Fields{"cid": hex.EncodeToString(cid)}).Debug("allocated content id")
	return cid, nil
}

// GetOrAddContent is the convenience the backup data flow uses: reuse the
// first existing cid for checksum if one is already registered, otherwise
// allocate a new one, copy body into the pool, and record it. created
// reports whether a new content record (and body copy) was made.
//
// The body is stored before the content item is appended: on first sight of
// a checksum the cid is the checksum itself (computable before allocation),
// so the body can land at its final path first. A crash between StoreBody
// and AddContent then leaves an orphan body with no registry entry, which
// CleanOrphanBodies removes on the next open (spec §5); the reverse order
// would instead leave a registry entry with no body, which nothing ever
// cleans up.
func (cs *ContentStore) GetOrAddContent(checksum []byte, when time.Time, body io.Reader) (cid []byte, created bool, err error) {
	if infos := cs.GetAllInfosWithChecksum(checksum); len(infos) > 0 {
		return infos[0].CID, false, nil
	}
	cid = cs.allocateCID(checksum)
	if err := cs.StoreBody(cid, body); err != nil {
		return nil, false, err
	}
	if _, err := cs.addContentWithCID(cid, checksum, when); err != nil {
		return nil, false, err
	}
	return cid, true, nil
}

// GetAllInfosWithChecksum returns every registered info whose checksum
// equals the given one, in insertion order.
func (cs *ContentStore) GetAllInfosWithChecksum(checksum []byte) []ContentInfo {
	cids := cs.byChecksum[string(checksum)]
	out := make([]ContentInfo, 0, len(cids))
	for _, k := range cids {
		out = append(out, cs.byCID[k])
	}
	return out
}

// GetContentInfo returns the registered info for cid.
func (cs *ContentStore) GetContentInfo(cid []byte) (ContentInfo, error) {
	info, ok := cs.byCID[string(cid)]
	if !ok {
		return ContentInfo{}, newErr(KindNotFound, "GetContentInfo", hex.EncodeToString(cid), fmt.Errorf("unknown cid"))
	}
	return info, nil
}

// IterateContentIDs enumerates every known cid in the order its content item
// was appended to the registry (spec §4.3, §5 ordering guarantee (2)).
func (cs *ContentStore) IterateContentIDs() [][]byte {
	out := make([][]byte, 0, len(cs.cidOrder))
	for _, cidStr := range cs.cidOrder {
		out = append(out, []byte(cidStr))
	}
	return out
}

// BodyPath returns the sharded on-disk path for cid's stored body:
// <root>/<hex(b0)>/<hex(b1)>/<hex(b2..)>.
func (cs *ContentStore) BodyPath(cid []byte) (string, error) {
	if len(cid) < 3 {
		return "", newErr(KindFormat, "BodyPath", hex.EncodeToString(cid), fmt.Errorf("cid too short"))
	}
	return filepath.Join(cs.root,
		fmt.Sprintf("%02x", cid[0]),
		fmt.Sprintf("%02x", cid[1]),
		hex.EncodeToString(cid[2:])), nil
}

// StoreBody copies src into cid's body-pool location. The core never
// mutates a stored body once written.
func (cs *ContentStore) StoreBody(cid []byte, src io.Reader) error {
	path, err := cs.BodyPath(cid)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newErr(KindIO, "StoreBody", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return newErr(KindIO, "StoreBody", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return newErr(KindIO, "StoreBody", path, err)
	}
	return f.Sync()
}

// OpenBody opens a stored body for reading.
func (cs *ContentStore) OpenBody(cid []byte) (*os.File, error) {
	path, err := cs.BodyPath(cid)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, "OpenBody", path, err)
		}
		return nil, newErr(KindIO, "OpenBody", path, err)
	}
	return f, nil
}

// StatBody returns filesystem timestamps for cid's stored body, including
// birth time where the platform exposes one: when a body actually landed on
// disk, as distinct from the registry's recorded first_seen.
func (cs *ContentStore) StatBody(cid []byte) (times.Timespec, error) {
	path, err := cs.BodyPath(cid)
	if err != nil {
		return nil, err
	}
	t, err := times.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, "StatBody", path, err)
		}
		return nil, newErr(KindIO, "StatBody", path, err)
	}
	return t, nil
}

// CleanOrphanBodies removes body-pool files whose cid is not present in the
// registry (spec §5 cancellation semantics: a crash between StoreBody and
// the completing AddContent leaves an unreferenced body).
func (cs *ContentStore) CleanOrphanBodies() error {
	dbDir := filepath.Join(cs.root, "db")
	return filepath.Walk(cs.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			if path == dbDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(cs.root, path)
		if err != nil {
			return nil
		}
		cid, err := cidFromRelPath(rel)
		if err != nil {
			return nil
		}
		if _, ok := cs.byCID[string(cid)]; !ok {
			cs.log.WithField("path", path).Warn("removing orphan body")
			os.Remove(path)
		}
		return nil
	})
}

func cidFromRelPath(rel string) ([]byte, error) {
	dir1 := filepath.Dir(rel)
	dir0 := filepath.Dir(dir1)
	if filepath.Dir(dir0) != "." {
		return nil, fmt.Errorf("not a body path")
	}
	b0, err := hex.DecodeString(filepath.Base(dir0))
	if err != nil {
		return nil, err
	}
	b1, err := hex.DecodeString(filepath.Base(dir1))
	if err != nil {
		return nil, err
	}
	rest, err := hex.DecodeString(filepath.Base(rel))
	if err != nil {
		return nil, err
	}
	return append(append(b0, b1...), rest...), nil
}
