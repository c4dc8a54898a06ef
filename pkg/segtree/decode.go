package segtree

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Decode reads a lineage from YAML, links it and validates it.
//
// Example document:
//
//	lane_length: 100
//	frames:
//	  - roots:
//	      - {id: 1, a: 10, b: 20, cost: -1.2}
//	  - roots:
//	      - id: 1
//	        a: 0
//	        b: 40
//	        children:
//	          - {id: 2, a: 0, b: 18}
//	          - {id: 3, a: 20, b: 40}
func Decode(r io.Reader) (*Lineage, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var l Lineage
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("decoding lineage: %w", err)
	}
	l.Link()
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// LoadFile decodes the lineage stored at path.
func LoadFile(path string) (*Lineage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening lineage file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Fingerprint returns a stable hash of the lineage structure: lane length,
// frame count, and every node's id and interval in pre-order. Costs and
// probabilities are not part of it, so re-scoring a dataset keeps its
// fingerprint.
func (l *Lineage) Fingerprint() string {
	h, _ := blake2b.New256(nil)

	var buf [8]byte
	put := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
		h.Write(buf[:])
	}

	put(l.LaneLength)
	put(len(l.Frames))
	for _, f := range l.Frames {
		put(-1)
		for n := range f.Nodes() {
			put(n.ID)
			put(n.A)
			put(n.B)
			put(len(n.Children))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
