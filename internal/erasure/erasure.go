// Package erasure derives erasure-coded chunks and Merkle inclusion proofs
// from block payloads, and reconstructs payloads from a threshold of chunks.
package erasure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/reedsolomon"
)

const (
	// MaxValidators is the largest validator set a payload can be spread over.
	MaxValidators = 65536

	// MaxPayloadSize bounds the payload accepted by Derive.
	MaxPayloadSize = 16 * 1024 * 1024

	// lengthPrefix is the size of the big-endian payload length written in
	// front of the payload so reconstruction can strip shard padding.
	lengthPrefix = 8
)

var (
	// ErrEncoding matches every *EncodingError.
	ErrEncoding = errors.New("erasure encoding failed")

	// ErrInvalidProof is returned when a chunk does not verify under a root.
	ErrInvalidProof = errors.New("invalid chunk proof")

	// ErrNotEnoughChunks is returned when fewer than RecoveryThreshold
	// distinct chunks are supplied to Reconstruct.
	ErrNotEnoughChunks = errors.New("not enough chunks to reconstruct")
)

// EncodingError reports invalid derivation parameters.
type EncodingError struct {
	Validators  int
	PayloadSize int
	Reason      string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("erasure encoding: %s (validators=%d, payload=%d bytes)", e.Reason, e.Validators, e.PayloadSize)
}

// Is makes errors.Is(err, ErrEncoding) hold for every EncodingError.
func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// Proof is the list of trie nodes proving a chunk hash under a root.
type Proof [][]byte

// Size returns the total byte length of all proof nodes.
func (p Proof) Size() int {
	n := 0
	for _, node := range p {
		n += len(node)
	}
	return n
}

// Chunk is one erasure-coded fragment of a payload, held by one validator.
type Chunk struct {
	Data  []byte
	Index uint32
	Proof Proof
}

// Size returns the number of bytes a chunk occupies on the wire.
func (c *Chunk) Size() int {
	return len(c.Data) + c.Proof.Size() + 4
}

// ChunkSet is the full derivation result for one payload.
// It is immutable once returned by Derive.
type ChunkSet struct {
	Root   common.Hash
	Chunks []Chunk
}

// RecoveryThreshold returns the number of chunks needed to reconstruct a
// payload spread over n validators: floor((n-1)/3) + 1.
func RecoveryThreshold(n int) int {
	if n <= 0 {
		return 0
	}
	return (n-1)/3 + 1
}

// Derive splits data into n chunks, commits to them in a Merkle trie and
// attaches one inclusion proof per chunk. The result is deterministic in
// (data, n).
func Derive(data []byte, n int) (*ChunkSet, error) {
	shards, err := obtainChunks(data, n)
	if err != nil {
		return nil, err
	}

	tree, err := newChunkTree(shards)
	if err != nil {
		return nil, fmt.Errorf("build chunk trie: %w", err)
	}

	set := &ChunkSet{
		Root:   tree.root(),
		Chunks: make([]Chunk, len(shards)),
	}
	for i, shard := range shards {
		proof, err := tree.prove(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("prove chunk %d: %w", i, err)
		}
		set.Chunks[i] = Chunk{
			Data:  shard,
			Index: uint32(i),
			Proof: proof,
		}
	}
	return set, nil
}

// Root recomputes only the Merkle root of the chunks derived from data.
func Root(data []byte, n int) (common.Hash, error) {
	shards, err := obtainChunks(data, n)
	if err != nil {
		return common.Hash{}, err
	}
	tree, err := newChunkTree(shards)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build chunk trie: %w", err)
	}
	return tree.root(), nil
}

// Reconstruct recovers the payload of an n-validator derivation from any
// RecoveryThreshold(n) distinct chunks. Chunks are not verified here; callers
// check proofs with VerifyChunk first.
func Reconstruct(n int, chunks []Chunk) ([]byte, error) {
	if err := checkParams(0, n); err != nil {
		return nil, err
	}
	threshold := RecoveryThreshold(n)

	shards := make([][]byte, n)
	have := 0
	shardSize := -1
	for _, c := range chunks {
		if int(c.Index) >= n {
			return nil, fmt.Errorf("chunk index %d out of range for %d validators", c.Index, n)
		}
		if shards[c.Index] != nil {
			continue
		}
		if shardSize >= 0 && len(c.Data) != shardSize {
			return nil, fmt.Errorf("chunk %d has size %d, expected %d", c.Index, len(c.Data), shardSize)
		}
		shardSize = len(c.Data)
		// Reconstruction writes into the shard slice, so never hand it shared memory.
		shards[c.Index] = append([]byte(nil), c.Data...)
		have++
	}
	if have < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughChunks, have, threshold)
	}

	if n > 1 {
		enc, err := newEncoder(n)
		if err != nil {
			return nil, err
		}
		if err := enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("reconstruct data shards: %w", err)
		}
	}

	framed := bytes.Join(shards[:threshold], nil)
	if len(framed) < lengthPrefix {
		return nil, fmt.Errorf("reconstructed payload too short: %d bytes", len(framed))
	}
	size := binary.BigEndian.Uint64(framed[:lengthPrefix])
	if size > uint64(len(framed)-lengthPrefix) {
		return nil, fmt.Errorf("reconstructed length prefix %d exceeds data %d", size, len(framed)-lengthPrefix)
	}
	return framed[lengthPrefix : lengthPrefix+int(size)], nil
}

// obtainChunks frames the payload with its length and erasure codes it into
// n equally sized shards.
func obtainChunks(data []byte, n int) ([][]byte, error) {
	if err := checkParams(len(data), n); err != nil {
		return nil, err
	}

	framed := make([]byte, lengthPrefix+len(data))
	binary.BigEndian.PutUint64(framed, uint64(len(data)))
	copy(framed[lengthPrefix:], data)

	if n == 1 {
		return [][]byte{framed}, nil
	}

	enc, err := newEncoder(n)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(framed)
	if err != nil {
		return nil, fmt.Errorf("split payload: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity: %w", err)
	}
	return shards, nil
}

func newEncoder(n int) (reedsolomon.Encoder, error) {
	data := RecoveryThreshold(n)
	enc, err := reedsolomon.New(data, n-data)
	if err != nil {
		return nil, &EncodingError{Validators: n, Reason: err.Error()}
	}
	return enc, nil
}

func checkParams(size, n int) error {
	switch {
	case n <= 0:
		return &EncodingError{Validators: n, PayloadSize: size, Reason: "validator count must be positive"}
	case n > MaxValidators:
		return &EncodingError{Validators: n, PayloadSize: size, Reason: fmt.Sprintf("validator count exceeds %d", MaxValidators)}
	case size > MaxPayloadSize:
		return &EncodingError{Validators: n, PayloadSize: size, Reason: fmt.Sprintf("payload exceeds %d bytes", MaxPayloadSize)}
	}
	return nil
}
