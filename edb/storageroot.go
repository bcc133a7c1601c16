package edb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	satori "github.com/satori/go.uuid"
)

const magicMain = "ebakup database v1"

// snapshotEntry indexes one committed backup by its minute-resolution
// start time, without opening it (spec §4.5 "index existing snapshots by
// start time").
type snapshotEntry struct {
	startTime time.Time
	path      string
}

// StorageRoot is the top-level coordinator binding a directory to its main
// descriptor, content registry and set of backup snapshots (spec §4.5).
type StorageRoot struct {
	path       string
	blockSize  int
	digestName string

	content   *ContentStore
	snapshots []snapshotEntry

	log *logrus.Entry
}

// Create initializes a new storage root at path: db/main, an empty
// db/content, and the db/ directory tree.
func Create(path string, blockSize int, digestName string, log *logrus.Entry) (*StorageRoot, error) {
	if log == nil {
		log = NopLog()
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if digestName == "" {
		digestName = DefaultDigest
	}
	if err := os.MkdirAll(filepath.Join(path, "db"), 0o755); err != nil {
		return nil, newErr(KindIO, "Create", path, err)
	}

	mainPath := filepath.Join(path, "db", "main")
	bf, err := CreateBlockFile(mainPath, magicMain, blockSize, digestName, log)
	if err != nil {
		return nil, err
	}
	if err := bf.AppendSetting("checksum", digestName); err != nil {
		bf.abort()
		return nil, err
	}
	rootUUID, err := satori.NewV4()
	if err != nil {
		bf.abort()
		return nil, newErr(KindIO, "Create", path, err)
	}
	if err := bf.AppendSetting("uuid", rootUUID.String()); err != nil {
		bf.abort()
		return nil, err
	}
	if err := bf.FinalizeSettings(); err != nil {
		bf.abort()
		return nil, err
	}
	if err := bf.Close(); err != nil {
		return nil, err
	}

	content, err := CreateContentStore(path, blockSize, digestName, log)
	if err != nil {
		return nil, err
	}

	sr := &StorageRoot{
		path:       path,
		blockSize:  blockSize,
		digestName: digestName,
		content:    content,
		log:        log.WithFields(logrus.Fields{"component": "storageroot", "root": path, "uuid": rootUUID.String()}),
	}
	sr.log.Info("created storage root")
	return sr, nil
}

// Open reads an existing storage root's main descriptor, loads its content
// registry, indexes existing snapshots, and cleans up artifacts of
// abandoned runs: stale ".new" builder files and orphan body-pool files
// (spec §5 cancellation semantics).
func Open(path string, log *logrus.Entry) (*StorageRoot, error) {
	if log == nil {
		log = NopLog()
	}
	mainPath := filepath.Join(path, "db", "main")
	mbf, err := OpenBlockFileRO(mainPath, log)
	if err != nil {
		return nil, err
	}
	blockSize := mbf.BlockSize()
	digestName := mbf.DigestName()
	rootUUID, _ := mbf.Setting("uuid")
	if err := mbf.Close(); err != nil {
		return nil, err
	}

	content, err := OpenContentStore(path, log)
	if err != nil {
		// spec §7: an Integrity failure opening the content registry means
		// the whole storage root refuses to open.
		return nil, err
	}

	snapshots, err := scanSnapshots(path)
	if err != nil {
		return nil, err
	}

	sr := &StorageRoot{
		path:       path,
		blockSize:  blockSize,
		digestName: digestName,
		content:    content,
		snapshots:  snapshots,
		log:        log.WithFields(logrus.Fields{"component": "storageroot", "root": path, "uuid": rootUUID}),
	}
	if err := sr.content.CleanOrphanBodies(); err != nil {
		sr.log.WithError(err).Warn("orphan body cleanup failed")
	}
	sr.log.WithField("snapshots", len(snapshots)).Info("opened storage root")
	return sr, nil
}

// scanSnapshots walks db/<year>/* for committed snapshot names, removing
// any stale ".new" builder files it finds along the way.
func scanSnapshots(root string) ([]snapshotEntry, error) {
	dbDir := filepath.Join(root, "db")
	yearEntries, err := os.ReadDir(dbDir)
	if err != nil {
		return nil, newErr(KindIO, "scanSnapshots", dbDir, err)
	}
	var out []snapshotEntry
	for _, ye := range yearEntries {
		if !ye.IsDir() {
			continue
		}
		year := ye.Name()
		if _, err := strconv.Atoi(year); err != nil {
			continue // not a year directory (e.g. none expected besides db/main, db/content which are files anyway)
		}
		yearDir := filepath.Join(dbDir, year)
		snapEntries, err := os.ReadDir(yearDir)
		if err != nil {
			return nil, newErr(KindIO, "scanSnapshots", yearDir, err)
		}
		for _, se := range snapEntries {
			name := se.Name()
			if strings.HasSuffix(name, ".new") {
				os.Remove(filepath.Join(yearDir, name))
				continue
			}
			t, err := time.Parse("2006-01-02T15:04", year+"-"+name)
			if err != nil {
				continue
			}
			out = append(out, snapshotEntry{startTime: t, path: filepath.Join(yearDir, name)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].startTime.Before(out[j].startTime) })
	return out, nil
}

// Content exposes the storage root's content registry.
func (sr *StorageRoot) Content() *ContentStore { return sr.content }

// IterateContentIDs enumerates every known content id.
func (sr *StorageRoot) IterateContentIDs() [][]byte { return sr.content.IterateContentIDs() }

// GetContentInfo returns the registered info for cid.
func (sr *StorageRoot) GetContentInfo(cid []byte) (ContentInfo, error) { return sr.content.GetContentInfo(cid) }

// GetContentReader opens cid's stored body for reading.
func (sr *StorageRoot) GetContentReader(cid []byte) (*os.File, error) { return sr.content.OpenBody(cid) }

// StartBackup opens a new Builder for a snapshot starting at startTime. A
// correlation id is logged (not persisted) so concurrent log lines from a
// run can be grouped.
func (sr *StorageRoot) StartBackup(startTime time.Time) (*Builder, error) {
	runID := uuid.New()
	log := sr.log.WithField("run_id", runID.String())
	log.Info("starting backup")
	return CreateBuilder(sr.path, startTime, sr.blockSize, sr.digestName, log)
}

// OpenBackup opens the committed snapshot whose indexed start time exactly
// matches startTime (to minute resolution).
func (sr *StorageRoot) OpenBackup(startTime time.Time) (*Reader, error) {
	for _, s := range sr.snapshots {
		if s.startTime.Equal(startTime) {
			return OpenReader(s.path, sr.log)
		}
	}
	return nil, newErr(KindNotFound, "OpenBackup", sr.path, fmt.Errorf("no snapshot starting at %s", startTime))
}

// GetMostRecentBackup opens the snapshot with the latest start time, or
// KindNotFound if the storage root has none.
func (sr *StorageRoot) GetMostRecentBackup() (*Reader, error) {
	if len(sr.snapshots) == 0 {
		return nil, newErr(KindNotFound, "GetMostRecentBackup", sr.path, fmt.Errorf("no snapshots"))
	}
	last := sr.snapshots[len(sr.snapshots)-1]
	return OpenReader(last.path, sr.log)
}

// GetMostRecentBackupBefore opens the latest snapshot whose start time is
// strictly before t.
func (sr *StorageRoot) GetMostRecentBackupBefore(t time.Time) (*Reader, error) {
	var best *snapshotEntry
	for i := range sr.snapshots {
		if sr.snapshots[i].startTime.Before(t) {
			best = &sr.snapshots[i]
		} else {
			break
		}
	}
	if best == nil {
		return nil, newErr(KindNotFound, "GetMostRecentBackupBefore", sr.path, fmt.Errorf("no snapshot before %s", t))
	}
	return OpenReader(best.path, sr.log)
}
