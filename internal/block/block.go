// Package block defines the atomic work unit dispatched to workers and the
// source abstractions that produce a stream of blocks.
package block

import "os"

// Block is an atomic unit of work: a local file holding the input bytes,
// plus a human-readable description logged against the worker that handles
// it.
type Block struct {
	// InputFile is the local path whose bytes are uploaded to the worker.
	InputFile string
	// Description is a human-readable tag, e.g. "lines [0,99]" or "file foo.txt".
	Description string
}

// Size returns the input file's size in bytes, queried on demand rather
// than cached.
func (b *Block) Size() (int64, error) {
	fi, err := os.Stat(b.InputFile)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
