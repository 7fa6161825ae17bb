package erasure

import (
	"bytes"
	"errors"
	"testing"
)

func payload(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestRecoveryThreshold(t *testing.T) {
	testCases := []struct {
		n, want int
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 1},
		{4, 2},
		{10, 4},
		{100, 34},
		{1000, 334},
	}

	for _, tc := range testCases {
		if got := RecoveryThreshold(tc.n); got != tc.want {
			t.Errorf("RecoveryThreshold(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestDeriveProducesOneChunkPerValidator(t *testing.T) {
	data := payload(5000, 3)
	set, err := Derive(data, 10)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	if len(set.Chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(set.Chunks))
	}
	size := len(set.Chunks[0].Data)
	for i, c := range set.Chunks {
		if c.Index != uint32(i) {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if len(c.Data) != size {
			t.Errorf("chunk %d has size %d, expected %d", i, len(c.Data), size)
		}
		if len(c.Proof) == 0 {
			t.Errorf("chunk %d has empty proof", i)
		}
	}
}

func TestDeriveDeterministic(t *testing.T) {
	data := payload(2048, 9)

	a, err := Derive(data, 7)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	b, err := Derive(data, 7)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	if a.Root != b.Root {
		t.Errorf("roots differ: %s vs %s", a.Root, b.Root)
	}
	for i := range a.Chunks {
		if !bytes.Equal(a.Chunks[i].Data, b.Chunks[i].Data) {
			t.Errorf("chunk %d differs between derivations", i)
		}
	}

	root, err := Root(data, 7)
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	if root != a.Root {
		t.Errorf("Root() = %s, Derive root = %s", root, a.Root)
	}
}

func TestDeriveRootDependsOnPayload(t *testing.T) {
	a, err := Derive(payload(100, 1), 5)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	b, err := Derive(payload(100, 2), 5)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if a.Root == b.Root {
		t.Error("different payloads should produce different roots")
	}
}

func TestEveryChunkVerifies(t *testing.T) {
	set, err := Derive(payload(4096, 5), 16)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	for i := range set.Chunks {
		if err := VerifyChunk(set.Root, &set.Chunks[i]); err != nil {
			t.Errorf("chunk %d failed verification: %v", i, err)
		}
	}
}

func TestVerifyChunkRejectsTampering(t *testing.T) {
	set, err := Derive(payload(4096, 5), 16)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	tampered := set.Chunks[3]
	tampered.Data = append([]byte(nil), tampered.Data...)
	tampered.Data[0] ^= 0xff
	if err := VerifyChunk(set.Root, &tampered); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof for tampered data, got %v", err)
	}

	moved := set.Chunks[3]
	moved.Index = 4
	if err := VerifyChunk(set.Root, &moved); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof for wrong index, got %v", err)
	}

	other, err := Derive(payload(4096, 6), 16)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if err := VerifyChunk(other.Root, &set.Chunks[3]); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof under foreign root, got %v", err)
	}
}

func TestReconstructFromAnyThreshold(t *testing.T) {
	data := payload(10000, 7)
	data[0] = 1
	data[len(data)-1] = 2
	n := 10
	set, err := Derive(data, n)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	threshold := RecoveryThreshold(n)

	subsets := [][]int{
		{0, 1, 2, 3},
		{6, 7, 8, 9},
		{0, 3, 5, 9},
		{9, 8, 1, 4},
	}
	for _, idx := range subsets {
		if len(idx) != threshold {
			t.Fatalf("bad subset size %d", len(idx))
		}
		var chunks []Chunk
		for _, i := range idx {
			chunks = append(chunks, set.Chunks[i])
		}
		got, err := Reconstruct(n, chunks)
		if err != nil {
			t.Errorf("subset %v: Reconstruct failed: %v", idx, err)
			continue
		}
		if !bytes.Equal(got, data) {
			t.Errorf("subset %v: reconstructed payload differs", idx)
		}
	}

	// Originals must survive reconstruction untouched.
	for i := range set.Chunks {
		if err := VerifyChunk(set.Root, &set.Chunks[i]); err != nil {
			t.Errorf("chunk %d mutated by Reconstruct: %v", i, err)
		}
	}
}

func TestReconstructNotEnoughChunks(t *testing.T) {
	set, err := Derive(payload(1000, 1), 10)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	// Duplicates do not count toward the threshold.
	chunks := []Chunk{set.Chunks[0], set.Chunks[0], set.Chunks[1], set.Chunks[2]}
	_, err = Reconstruct(10, chunks)
	if !errors.Is(err, ErrNotEnoughChunks) {
		t.Errorf("expected ErrNotEnoughChunks, got %v", err)
	}
}

func TestSingleValidator(t *testing.T) {
	data := payload(300, 4)
	set, err := Derive(data, 1)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if len(set.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(set.Chunks))
	}
	if err := VerifyChunk(set.Root, &set.Chunks[0]); err != nil {
		t.Errorf("verification failed: %v", err)
	}
	got, err := Reconstruct(1, set.Chunks)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("reconstructed payload differs")
	}
}

func TestEmptyPayload(t *testing.T) {
	set, err := Derive(nil, 4)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	got, err := Reconstruct(4, set.Chunks[2:])
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(got))
	}
}

func TestDeriveRejectsBadParameters(t *testing.T) {
	testCases := []struct {
		name string
		size int
		n    int
	}{
		{"zero validators", 10, 0},
		{"negative validators", 10, -1},
		{"too many validators", 10, MaxValidators + 1},
		{"oversized payload", MaxPayloadSize + 1, 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Derive(make([]byte, tc.size), tc.n)
			if !errors.Is(err, ErrEncoding) {
				t.Fatalf("expected ErrEncoding, got %v", err)
			}
			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("expected *EncodingError, got %T", err)
			}
			if encErr.Validators != tc.n {
				t.Errorf("expected validators %d in error, got %d", tc.n, encErr.Validators)
			}
		})
	}
}
