// Package edb implements the on-disk database layer of ebakup: a
// block-structured, checksum-protected, append-mostly file family used to
// record a content-addressed backup tree.
//
// A StorageRoot binds a directory to a main descriptor (db/main), a content
// registry (db/content) and the set of backup snapshots (db/<year>/<ts>)
// that reference content by id.
package edb
