package erasure

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
)

// chunkTree is a Merkle Patricia trie mapping rlp(chunk index) to the
// keccak hash of the chunk.
type chunkTree struct {
	t *trie.Trie
}

func newChunkTree(shards [][]byte) (*chunkTree, error) {
	t := trie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil))
	for i, shard := range shards {
		key, err := chunkKey(uint32(i))
		if err != nil {
			return nil, err
		}
		if err := t.Update(key, crypto.Keccak256(shard)); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return &chunkTree{t: t}, nil
}

func (c *chunkTree) root() common.Hash {
	return c.t.Hash()
}

func (c *chunkTree) prove(index uint32) (Proof, error) {
	key, err := chunkKey(index)
	if err != nil {
		return nil, err
	}
	db := memorydb.New()
	if err := c.t.Prove(key, db); err != nil {
		return nil, err
	}

	var proof Proof
	it := db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		proof = append(proof, common.CopyBytes(it.Value()))
	}
	return proof, it.Error()
}

// VerifyChunk checks that chunk is the chunk at its index committed to by root.
func VerifyChunk(root common.Hash, chunk *Chunk) error {
	key, err := chunkKey(chunk.Index)
	if err != nil {
		return err
	}

	db := memorydb.New()
	for _, node := range chunk.Proof {
		if err := db.Put(crypto.Keccak256(node), node); err != nil {
			return fmt.Errorf("load proof node: %w", err)
		}
	}

	value, err := trie.VerifyProof(root, key, db)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrInvalidProof, chunk.Index, err)
	}
	if !bytes.Equal(value, crypto.Keccak256(chunk.Data)) {
		return fmt.Errorf("%w: chunk %d hash mismatch", ErrInvalidProof, chunk.Index)
	}
	return nil
}

func chunkKey(index uint32) ([]byte, error) {
	key, err := rlp.EncodeToBytes(uint(index))
	if err != nil {
		return nil, fmt.Errorf("encode chunk key: %w", err)
	}
	return key, nil
}
