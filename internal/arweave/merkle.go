// Copyright 2025 James Ross
package arweave

import (
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	// MaxChunkSize is the largest chunk the network accepts.
	MaxChunkSize = 256 * 1024
	// MinChunkSize bounds the final chunk so proofs stay well formed.
	MinChunkSize = 32 * 1024

	noteSize = 32
	hashSize = 32
)

// Chunk is one leaf of the data merkle tree.
type Chunk struct {
	DataHash     [hashSize]byte
	MinByteRange int64
	MaxByteRange int64
}

// Proof is the merkle inclusion path for one chunk, as submitted alongside it.
type Proof struct {
	Offset int64
	Path   []byte
}

// Tree holds everything seeding needs: the data root plus per-chunk proofs.
type Tree struct {
	Root   []byte
	Chunks []Chunk
	Proofs []Proof
}

// ChunkStream splits size bytes from r into network-sized chunks. When the
// trailing remainder would fall under MinChunkSize the last full chunk and the
// remainder are rebalanced into two roughly equal chunks.
func ChunkStream(r io.Reader, size int64) ([]Chunk, error) {
	var chunks []Chunk
	var cursor int64
	rest := size
	buf := make([]byte, MaxChunkSize)

	for rest >= MaxChunkSize {
		chunkSize := int64(MaxChunkSize)
		remainder := rest - chunkSize
		if remainder > 0 && remainder < MinChunkSize {
			chunkSize = (rest + 1) / 2
		}
		if err := appendChunk(r, buf[:chunkSize], &chunks, &cursor); err != nil {
			return nil, err
		}
		rest -= chunkSize
	}
	if rest > 0 {
		if err := appendChunk(r, buf[:rest], &chunks, &cursor); err != nil {
			return nil, err
		}
	}
	if len(chunks) == 0 {
		// zero-length payload still produces a single empty leaf
		chunks = append(chunks, Chunk{DataHash: sha256.Sum256(nil)})
	}
	return chunks, nil
}

func appendChunk(r io.Reader, buf []byte, chunks *[]Chunk, cursor *int64) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read chunk at offset %d: %w", *cursor, err)
	}
	*chunks = append(*chunks, Chunk{
		DataHash:     sha256.Sum256(buf),
		MinByteRange: *cursor,
		MaxByteRange: *cursor + int64(len(buf)),
	})
	*cursor += int64(len(buf))
	return nil
}

type merkleNode struct {
	id       [hashSize]byte
	boundary int64 // byte range split point for branches, max range for leaves
	left     *merkleNode
	right    *merkleNode
	leaf     *Chunk
}

// BuildTree computes the data root and per-chunk inclusion proofs.
func BuildTree(r io.Reader, size int64) (*Tree, error) {
	chunks, err := ChunkStream(r, size)
	if err != nil {
		return nil, err
	}

	nodes := make([]*merkleNode, 0, len(chunks))
	for i := range chunks {
		c := chunks[i]
		nodes = append(nodes, &merkleNode{
			id:       hashLeaf(c),
			boundary: c.MaxByteRange,
			leaf:     &chunks[i],
		})
	}
	for len(nodes) > 1 {
		next := make([]*merkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				continue
			}
			next = append(next, hashBranch(nodes[i], nodes[i+1]))
		}
		nodes = next
	}

	root := nodes[0]
	tree := &Tree{Root: root.id[:], Chunks: chunks}
	tree.Proofs = generateProofs(root, nil)
	return tree, nil
}

func hashLeaf(c Chunk) [hashSize]byte {
	dataHash := sha256.Sum256(c.DataHash[:])
	noteHash := sha256.Sum256(noteBytes(c.MaxByteRange))
	return sha256.Sum256(append(dataHash[:], noteHash[:]...))
}

func hashBranch(l, r *merkleNode) *merkleNode {
	lh := sha256.Sum256(l.id[:])
	rh := sha256.Sum256(r.id[:])
	nh := sha256.Sum256(noteBytes(l.boundary))
	buf := make([]byte, 0, 3*hashSize)
	buf = append(buf, lh[:]...)
	buf = append(buf, rh[:]...)
	buf = append(buf, nh[:]...)
	return &merkleNode{
		id:       sha256.Sum256(buf),
		boundary: r.boundary,
		left:     l,
		right:    r,
	}
}

func generateProofs(n *merkleNode, path []byte) []Proof {
	if n.leaf != nil {
		p := make([]byte, 0, len(path)+hashSize+noteSize)
		p = append(p, path...)
		p = append(p, n.leaf.DataHash[:]...)
		p = append(p, noteBytes(n.leaf.MaxByteRange)...)
		// proof offsets address the last byte of the chunk
		offset := n.leaf.MaxByteRange - 1
		if offset < 0 {
			offset = 0
		}
		return []Proof{{Offset: offset, Path: p}}
	}
	segment := make([]byte, 0, len(path)+2*hashSize+noteSize)
	segment = append(segment, path...)
	segment = append(segment, n.left.id[:]...)
	segment = append(segment, n.right.id[:]...)
	segment = append(segment, noteBytes(n.left.boundary)...)

	out := generateProofs(n.left, segment)
	return append(out, generateProofs(n.right, segment)...)
}

// noteBytes encodes v as a 32-byte big-endian integer.
func noteBytes(v int64) []byte {
	buf := make([]byte, noteSize)
	for i := noteSize - 1; i >= 0 && v > 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}
