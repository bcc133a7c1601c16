package edb

import (
	"crypto/md5"
	"crypto/sha256"
	"hash"
	"hash/crc32"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/md4"
)

// digestAlgorithm names a supported block/body checksum algorithm. sha256 is
// the default (spec §4.1); the others round-trip too, exercising the
// settings-block boundary property that blocksum != sha256 still works, and
// give callers weaker-but-cheaper or stronger options.
type digestAlgorithm struct {
	name string
	size int
	new  func() hash.Hash
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var digestAlgorithms = map[string]digestAlgorithm{
	"sha256": {name: "sha256", size: sha256.Size, new: sha256.New},
	"md5":    {name: "md5", size: md5.Size, new: md5.New},
	"md4":    {name: "md4", size: md4.Size, new: md4.New},
	"crc32c": {name: "crc32c", size: crc32.Size, new: func() hash.Hash { return crc32.New(crc32cTable) }},
	"blake2b": {name: "blake2b", size: blake2b.Size, new: func() hash.Hash {
		h, err := blake2b.New512(nil)
		if err != nil {
			panic(err) // blake2b.New512(nil) never errors
		}
		return h
	}},
}

// lookupDigest resolves an edb-blocksum setting value to its algorithm, or
// reports ok=false for an unknown name.
func lookupDigest(name string) (digestAlgorithm, bool) {
	a, ok := digestAlgorithms[name]
	return a, ok
}

func digestBytes(algo digestAlgorithm, data []byte) []byte {
	h := algo.new()
	h.Write(data)
	return h.Sum(nil)
}
