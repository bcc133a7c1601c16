package edb

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultBlockSize and DefaultDigest are used when a caller does not
// override the block settings (spec §4.1).
const (
	DefaultBlockSize = 4096
	DefaultDigest    = "sha256"
)

// BlockFile is the append-structured, checksum-protected file abstraction
// described in spec §4.1. Block 0 holds textual settings; every block
// after it holds a densely packed sequence of tag-framed items followed by
// zero padding and a trailing digest of the block.
//
// The settings block (block 0) is written once settings are known and
// finalized with FinalizeSettings; for long-lived files (db/main,
// db/content) that happens immediately after Create. A BackupSnapshot
// builder instead defers FinalizeSettings to its commit step, so it can
// add the "end" setting after all data items have been appended — data
// blocks can already be written positionally because the block size is
// fixed at Create time regardless of whether block 0 has been flushed.
type BlockFile struct {
	f    *os.File
	path string

	blockSize int
	algo      digestAlgorithm
	magic     string

	settings      map[string]string
	settingsOrder []string
	finalized     bool

	writable   bool
	blockIndex int64 // next data block index to be written
	tailBuf    []byte

	log *logrus.Entry
}

// NopLog returns a *logrus.Entry that discards everything, for callers that
// don't want diagnostic output.
func NopLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// CreateBlockFile creates a new BlockFile at path, failing with
// KindAlreadyExists if it already exists. It acquires an exclusive lock and
// writes the magic line into the in-memory settings buffer; the caller
// appends further settings (e.g. "start") and must eventually call
// FinalizeSettings before the file is readable by OpenRO.
func CreateBlockFile(path, magic string, blockSize int, digestName string, log *logrus.Entry) (*BlockFile, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if digestName == "" {
		digestName = DefaultDigest
	}
	algo, ok := lookupDigest(digestName)
	if !ok {
		return nil, newErr(KindFormat, "CreateBlockFile", path, fmt.Errorf("unknown digest %q", digestName))
	}
	if log == nil {
		log = NopLog()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, newErr(KindAlreadyExists, "CreateBlockFile", path, err)
		}
		return nil, newErr(KindIO, "CreateBlockFile", path, err)
	}
	if err := flock(f, true); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	bf := &BlockFile{
		f:             f,
		path:          path,
		blockSize:     blockSize,
		algo:          algo,
		magic:         magic,
		settings:      map[string]string{},
		settingsOrder: nil,
		writable:      true,
		blockIndex:    1,
		log:           log.WithFields(logrus.Fields{"path": path, "op": "blockfile"}),
	}
	if err := bf.AppendSetting("edb-blocksize", strconv.Itoa(blockSize)); err != nil {
		bf.abort()
		return nil, err
	}
	if err := bf.AppendSetting("edb-blocksum", digestName); err != nil {
		bf.abort()
		return nil, err
	}
	bf.log.Debug("created")
	return bf, nil
}

func (bf *BlockFile) abort() {
	funlock(bf.f)
	bf.f.Close()
	os.Remove(bf.path)
}

// AppendSetting adds one key:value line to the settings block. It fails
// KindFormat if settings have already been finalized, if the key is
// duplicated, or if key/value cannot be represented as a text line.
func (bf *BlockFile) AppendSetting(key, value string) error {
	if !bf.writable {
		return newErr(KindFormat, "AppendSetting", bf.path, fmt.Errorf("not open for writing"))
	}
	if bf.finalized {
		return newErr(KindFormat, "AppendSetting", bf.path, fmt.Errorf("settings already finalized"))
	}
	if strings.ContainsAny(key, ":\n") || strings.ContainsAny(value, "\n") {
		return newErr(KindFormat, "AppendSetting", bf.path, fmt.Errorf("invalid setting %q", key))
	}
	if _, exists := bf.settings[key]; exists {
		return newErr(KindFormat, "AppendSetting", bf.path, fmt.Errorf("duplicate setting %q", key))
	}
	bf.settings[key] = value
	bf.settingsOrder = append(bf.settingsOrder, key)
	return nil
}

// FinalizeSettings pads and checksums the settings block and writes it to
// block 0. It must be called before the file is usable by a reader, and at
// most once.
func (bf *BlockFile) FinalizeSettings() error {
	if bf.finalized {
		return newErr(KindFormat, "FinalizeSettings", bf.path, fmt.Errorf("already finalized"))
	}
	var buf bytes.Buffer
	buf.WriteString(bf.magic)
	buf.WriteByte('\n')
	for _, k := range bf.settingsOrder {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(bf.settings[k])
		buf.WriteByte('\n')
	}
	limit := bf.blockSize - bf.algo.size
	if buf.Len() > limit {
		return newErr(KindTooLarge, "FinalizeSettings", bf.path, fmt.Errorf("settings block overflow"))
	}
	data := make([]byte, limit)
	copy(data, buf.Bytes())
	sum := digestBytes(bf.algo, data)
	full := append(data, sum...)
	if _, err := bf.f.WriteAt(full, 0); err != nil {
		return newErr(KindIO, "FinalizeSettings", bf.path, err)
	}
	bf.finalized = true
	return nil
}

// AppendItem encodes item and appends it to the current tail data block,
// flushing and starting a new block first if it would not fit. Items
// larger than one block's usable payload fail KindTooLarge.
func (bf *BlockFile) AppendItem(item Item) error {
	if !bf.writable {
		return newErr(KindFormat, "AppendItem", bf.path, fmt.Errorf("not open for writing"))
	}
	size, err := item.encodedSize()
	if err != nil {
		return err
	}
	limit := bf.blockSize - bf.algo.size
	if size > limit {
		return newErr(KindTooLarge, "AppendItem", bf.path, fmt.Errorf("item of %d bytes exceeds block payload %d", size, limit))
	}
	if len(bf.tailBuf)+size > limit {
		if err := bf.flushDataBlock(); err != nil {
			return err
		}
	}
	buf, err := item.encode(bf.tailBuf)
	if err != nil {
		return err
	}
	bf.tailBuf = buf
	return nil
}

func (bf *BlockFile) flushDataBlock() error {
	limit := bf.blockSize - bf.algo.size
	data := make([]byte, limit)
	copy(data, bf.tailBuf)
	sum := digestBytes(bf.algo, data)
	full := append(data, sum...)
	offset := bf.blockIndex * int64(bf.blockSize)
	if _, err := bf.f.WriteAt(full, offset); err != nil {
		return newErr(KindIO, "flushDataBlock", bf.path, err)
	}
	bf.blockIndex++
	bf.tailBuf = nil
	return nil
}

// Sync flushes the current tail block (if any pending items) and the
// settings block (finalizing it if needed), then fsyncs the file.
func (bf *BlockFile) Sync() error {
	if len(bf.tailBuf) > 0 {
		if err := bf.flushDataBlock(); err != nil {
			return err
		}
	}
	if !bf.finalized {
		if err := bf.FinalizeSettings(); err != nil {
			return err
		}
	}
	if err := bf.f.Sync(); err != nil {
		return newErr(KindIO, "Sync", bf.path, err)
	}
	return nil
}

// Close finalizes any pending writes (if this is a writer), releases the
// lock, and closes the underlying handle.
func (bf *BlockFile) Close() error {
	var err error
	if bf.writable {
		err = bf.Sync()
	}
	funlock(bf.f)
	if cerr := bf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// BlockSize returns the file's block size setting.
func (bf *BlockFile) BlockSize() int { return bf.blockSize }

// DigestName returns the file's edb-blocksum setting value.
func (bf *BlockFile) DigestName() string { return bf.algo.name }

// Magic returns the file's magic line.
func (bf *BlockFile) Magic() string { return bf.magic }

// Setting looks up a settings-block key.
func (bf *BlockFile) Setting(key string) (string, bool) {
	v, ok := bf.settings[key]
	return v, ok
}

// parseSettingsBlock extracts magic/settings/blockSize/algo from the raw
// bytes of an opened file without knowing the block size in advance: it
// scans key:value lines linearly up to the zero padding that ends them and
// requires edb-blocksize and edb-blocksum to be among them, per spec §4.1.
func parseSettingsBlock(data []byte) (magic string, settings map[string]string, order []string, blockSize int, algo digestAlgorithm, err error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return "", nil, nil, 0, digestAlgorithm{}, newErr(KindFormat, "parseSettingsBlock", "", fmt.Errorf("missing magic line"))
	}
	magic = string(data[:nl])
	rest := data[nl+1:]

	settings = map[string]string{}
	var blockSizeStr, digestName string
	for len(rest) > 0 {
		if rest[0] == 0 {
			break
		}
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := rest[:idx]
		rest = rest[idx+1:]
		if len(line) == 0 {
			break
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			break
		}
		key := string(line[:colon])
		value := string(line[colon+1:])
		if _, exists := settings[key]; exists {
			return "", nil, nil, 0, digestAlgorithm{}, newErr(KindIntegrity, "parseSettingsBlock", "", fmt.Errorf("duplicate setting %q", key))
		}
		settings[key] = value
		order = append(order, key)
		if key == "edb-blocksize" {
			blockSizeStr = value
		}
		if key == "edb-blocksum" {
			digestName = value
		}
	}

	if blockSizeStr == "" || digestName == "" {
		return "", nil, nil, 0, digestAlgorithm{}, newErr(KindFormat, "parseSettingsBlock", "", fmt.Errorf("missing mandatory settings"))
	}
	blockSize, convErr := strconv.Atoi(blockSizeStr)
	if convErr != nil || blockSize <= 0 {
		return "", nil, nil, 0, digestAlgorithm{}, newErr(KindFormat, "parseSettingsBlock", "", fmt.Errorf("invalid edb-blocksize %q", blockSizeStr))
	}
	algo, ok := lookupDigest(digestName)
	if !ok {
		return "", nil, nil, 0, digestAlgorithm{}, newErr(KindFormat, "parseSettingsBlock", "", fmt.Errorf("unknown edb-blocksum %q", digestName))
	}
	return magic, settings, order, blockSize, algo, nil
}

func verifyBlockChecksum(algo digestAlgorithm, blockSize int, block []byte) error {
	limit := blockSize - algo.size
	want := block[limit:blockSize]
	got := digestBytes(algo, block[:limit])
	if !bytes.Equal(want, got) {
		return newErr(KindIntegrity, "verifyBlockChecksum", "", fmt.Errorf("checksum mismatch"))
	}
	return nil
}

// OpenBlockFileRO opens an existing, committed BlockFile read-only. It
// reads and verifies the settings block immediately; data blocks are
// verified lazily as they are iterated.
func OpenBlockFileRO(path string, log *logrus.Entry) (*BlockFile, error) {
	if log == nil {
		log = NopLog()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, "OpenBlockFileRO", path, err)
		}
		return nil, newErr(KindIO, "OpenBlockFileRO", path, err)
	}
	if err := flock(f, false); err != nil {
		f.Close()
		return nil, err
	}
	bf, err := openParsed(f, path, log, false)
	if err != nil {
		funlock(f)
		f.Close()
		return nil, err
	}
	return bf, nil
}

// OpenBlockFileRW opens an existing, committed BlockFile for appending
// further items (used by the content registry). If allowRecovery is true
// and the trailing data block is truncated or fails its checksum, that
// block is discarded and appending resumes from the previous block
// boundary (spec §4.1 failure semantics); otherwise such damage is an
// KindIntegrity error.
func OpenBlockFileRW(path string, allowRecovery bool, log *logrus.Entry) (*BlockFile, error) {
	if log == nil {
		log = NopLog()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, "OpenBlockFileRW", path, err)
		}
		return nil, newErr(KindIO, "OpenBlockFileRW", path, err)
	}
	if err := flock(f, true); err != nil {
		f.Close()
		return nil, err
	}
	bf, err := openParsed(f, path, log, true)
	if err != nil {
		funlock(f)
		f.Close()
		return nil, err
	}
	if err := bf.recoverTail(allowRecovery); err != nil {
		funlock(f)
		f.Close()
		return nil, err
	}
	return bf, nil
}

func openParsed(f *os.File, path string, log *logrus.Entry, writable bool) (*BlockFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, newErr(KindIO, "open", path, err)
	}
	size := info.Size()
	// read a generous prefix to find the settings, then re-derive once
	// blockSize is known (settings never run past one block).
	probe := make([]byte, minInt64(size, 65536))
	if _, err := f.ReadAt(probe, 0); err != nil && !isEOFlike(err) {
		return nil, newErr(KindIO, "open", path, err)
	}
	magic, settings, order, blockSize, algo, err := parseSettingsBlock(probe)
	if err != nil {
		return nil, err
	}
	if size < int64(blockSize) {
		return nil, newErr(KindIntegrity, "open", path, fmt.Errorf("file shorter than one block"))
	}
	block0 := make([]byte, blockSize)
	if _, err := f.ReadAt(block0, 0); err != nil {
		return nil, newErr(KindIO, "open", path, err)
	}
	if err := verifyBlockChecksum(algo, blockSize, block0); err != nil {
		return nil, err
	}
	numBlocks := size / int64(blockSize)
	bf := &BlockFile{
		f:             f,
		path:          path,
		blockSize:     blockSize,
		algo:          algo,
		magic:         magic,
		settings:      settings,
		settingsOrder: order,
		finalized:     true,
		writable:      writable,
		blockIndex:    numBlocks,
		log:           log.WithFields(logrus.Fields{"path": path, "op": "blockfile"}),
	}
	return bf, nil
}

// recoverTail checks the last data block's checksum (and any partial tail
// bytes) and, if allowRecovery, truncates damage found there so AppendItem
// resumes cleanly.
func (bf *BlockFile) recoverTail(allowRecovery bool) error {
	info, err := bf.f.Stat()
	if err != nil {
		return newErr(KindIO, "recoverTail", bf.path, err)
	}
	size := info.Size()
	remainder := size % int64(bf.blockSize)
	numBlocks := size / int64(bf.blockSize)
	if remainder != 0 {
		if !allowRecovery {
			return newErr(KindIntegrity, "recoverTail", bf.path, fmt.Errorf("truncated trailing block"))
		}
		if err := bf.f.Truncate(numBlocks * int64(bf.blockSize)); err != nil {
			return newErr(KindIO, "recoverTail", bf.path, err)
		}
	}
	if numBlocks >= 2 {
		block := make([]byte, bf.blockSize)
		if _, err := bf.f.ReadAt(block, (numBlocks-1)*int64(bf.blockSize)); err != nil {
			return newErr(KindIO, "recoverTail", bf.path, err)
		}
		if err := verifyBlockChecksum(bf.algo, bf.blockSize, block); err != nil {
			if !allowRecovery {
				return err
			}
			numBlocks--
			if err := bf.f.Truncate(numBlocks * int64(bf.blockSize)); err != nil {
				return newErr(KindIO, "recoverTail", bf.path, err)
			}
			bf.log.WithField("dropped_block", numBlocks).Warn("discarded corrupt trailing block on recovery")
		}
	}
	bf.blockIndex = numBlocks
	return nil
}

// ItemIterator streams items out of a BlockFile's data blocks (block 1
// onward), buffering one block at a time, per the "Iterator-based block
// file reading" design note.
type ItemIterator struct {
	bf         *BlockFile
	blockIndex int64
	numBlocks  int64
	buf        []byte
	pos        int
	done       bool
}

// Items returns a fresh iterator over this file's data-block items.
func (bf *BlockFile) Items() *ItemIterator {
	size, _ := bf.fileSize()
	return &ItemIterator{bf: bf, blockIndex: 1, numBlocks: size / int64(bf.blockSize)}
}

func (bf *BlockFile) fileSize() (int64, error) {
	info, err := bf.f.Stat()
	if err != nil {
		return 0, newErr(KindIO, "fileSize", bf.path, err)
	}
	return info.Size(), nil
}

// Next returns the next item, or ok=false at end of stream (possibly with
// err set if a block failed its checksum or an item was malformed).
func (it *ItemIterator) Next() (Item, bool, error) {
	if it.done {
		return Item{}, false, nil
	}
	for {
		if it.buf == nil {
			if it.blockIndex >= it.numBlocks {
				it.done = true
				return Item{}, false, nil
			}
			data, err := it.bf.readDataBlock(it.blockIndex)
			if err != nil {
				it.done = true
				return Item{}, false, err
			}
			it.buf = data
			it.pos = 0
			it.blockIndex++
		}
		if it.pos >= len(it.buf) {
			it.buf = nil
			continue
		}
		if it.buf[it.pos] == tagTerminator {
			if !allZero(it.buf[it.pos:]) {
				it.done = true
				return Item{}, false, newErr(KindIntegrity, "Next", it.bf.path, errZeroPadding)
			}
			it.buf = nil
			continue
		}
		item, n, err := decodeItem(it.buf[it.pos:])
		if err != nil {
			it.done = true
			return Item{}, false, err
		}
		if n == 0 {
			it.buf = nil
			continue
		}
		it.pos += n
		return item, true, nil
	}
}

// readDataBlock reads block index i (>=1), verifies its checksum, and
// returns its usable payload (item bytes plus zero padding, without the
// trailing checksum).
func (bf *BlockFile) readDataBlock(i int64) ([]byte, error) {
	block := make([]byte, bf.blockSize)
	if _, err := bf.f.ReadAt(block, i*int64(bf.blockSize)); err != nil {
		return nil, newErr(KindIO, "readDataBlock", bf.path, err)
	}
	if err := verifyBlockChecksum(bf.algo, bf.blockSize, block); err != nil {
		return nil, err
	}
	return block[:bf.blockSize-bf.algo.size], nil
}

// RenameAndOverwrite atomically publishes src as dst on the same
// filesystem, then fsyncs the containing directory so the rename survives
// a crash (spec §4.4 commit atomicity).
func RenameAndOverwrite(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return newErr(KindIO, "RenameAndOverwrite", dst, err)
	}
	return fsyncDir(filepath.Dir(dst))
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return newErr(KindIO, "fsyncDir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return newErr(KindIO, "fsyncDir", dir, err)
	}
	return nil
}

// allZero reports whether every byte in b is 0, used to validate that the
// zero-padding following an item stream's terminator byte is genuinely
// zero rather than truncated or corrupted garbage the block checksum
// happened not to catch.
func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func isEOFlike(err error) bool {
	return err != nil && (err.Error() == "EOF" || strings.Contains(err.Error(), "EOF"))
}
