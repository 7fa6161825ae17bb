// Package workload builds the synthetic data-availability workload: payload
// templates, their derived chunk sets and the cyclic candidate sequence.
package workload

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Fixed validation metadata shared by every template.
var (
	templateParentHead = []byte{7, 8, 9}
)

const templateMaxPoVSize = 1024

// PersistedValidationData is the validation metadata carried alongside a
// block payload.
type PersistedValidationData struct {
	ParentHead             []byte
	RelayParentNumber      uint32
	RelayParentStorageRoot common.Hash
	MaxPoVSize             uint32
}

// AvailableData is the payload a recovery must reproduce byte for byte.
type AvailableData struct {
	PoV            []byte
	ValidationData PersistedValidationData
}

// Encode returns the canonical RLP encoding of the data.
func (d *AvailableData) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(d)
}

// EncodedSize returns the length of the canonical encoding, or 0 if the data
// cannot be encoded.
func (d *AvailableData) EncodedSize() int {
	enc, err := d.Encode()
	if err != nil {
		return 0
	}
	return len(enc)
}

// DecodeAvailableData parses the canonical encoding produced by Encode.
func DecodeAvailableData(b []byte) (*AvailableData, error) {
	var d AvailableData
	if err := rlp.DecodeBytes(b, &d); err != nil {
		return nil, fmt.Errorf("decode available data: %w", err)
	}
	return &d, nil
}

// CandidateDescriptor identifies the block a candidate commits to.
type CandidateDescriptor struct {
	ParaID                      uint32
	RelayParent                 common.Hash
	PersistedValidationDataHash common.Hash
	PoVHash                     common.Hash
	ErasureRoot                 common.Hash
}

// CandidateReceipt is one unit of recoverable work.
type CandidateReceipt struct {
	Descriptor      CandidateDescriptor
	CommitmentsHash common.Hash
}

// Hash returns keccak256(rlp(receipt)).
func (c CandidateReceipt) Hash() common.Hash {
	return rlpHash(&c)
}

// withRelayParent returns a copy of c whose relay parent is the big-endian
// encoding of seq.
func (c CandidateReceipt) withRelayParent(seq uint64) CandidateReceipt {
	var parent common.Hash
	binary.BigEndian.PutUint64(parent[common.HashLength-8:], seq)
	c.Descriptor.RelayParent = parent
	return c
}

var hasherPool = sync.Pool{
	New: func() interface{} { return crypto.NewKeccakState() },
}

func rlpHash(x interface{}) (h common.Hash) {
	sha := hasherPool.Get().(crypto.KeccakState)
	defer hasherPool.Put(sha)
	sha.Reset()
	rlp.Encode(sha, x)
	sha.Read(h[:])
	return h
}

func newTemplateData(index, size int) *AvailableData {
	pov := make([]byte, size)
	for i := range pov {
		pov[i] = byte(index)
	}
	return &AvailableData{
		PoV: pov,
		ValidationData: PersistedValidationData{
			ParentHead: append([]byte(nil), templateParentHead...),
			MaxPoVSize: templateMaxPoVSize,
		},
	}
}
