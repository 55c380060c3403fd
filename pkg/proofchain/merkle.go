package proofchain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Domain-separation prefixes keep leaf and interior hashes from colliding.
const (
	leafPrefix = "covenant:proof:leaf:v1"
	nodePrefix = "covenant:proof:node:v1"
)

// LeafHash computes the Merkle leaf hash of an event hash.
func LeafHash(eventHash string) string {
	h := sha256.New()
	h.Write([]byte(leafPrefix))
	h.Write([]byte{0})
	h.Write(hexBytes(eventHash))
	return hex.EncodeToString(h.Sum(nil))
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte(nodePrefix))
	h.Write([]byte{0})
	h.Write(hexBytes(left))
	h.Write(hexBytes(right))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildTree builds a Merkle tree over the event hashes and returns the
// root plus the inclusion path of every leaf, indexed like the input.
// Odd levels duplicate their last node.
func BuildTree(eventHashes []string) (string, [][]contracts.MerkleStep) {
	if len(eventHashes) == 0 {
		return "", nil
	}

	level := make([]string, len(eventHashes))
	for i, eh := range eventHashes {
		level[i] = LeafHash(eh)
	}
	paths := make([][]contracts.MerkleStep, len(eventHashes))
	positions := make([]int, len(eventHashes))
	for i := range positions {
		positions[i] = i
	}

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		for leaf, pos := range positions {
			sibling := pos ^ 1
			paths[leaf] = append(paths[leaf], contracts.MerkleStep{
				Hash: level[sibling],
				Left: sibling < pos,
			})
			positions[leaf] = pos / 2
		}

		next := make([]string, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = nodeHash(level[i], level[i+1])
		}
		level = next
	}
	return level[0], paths
}

// VerifyInclusion replays an inclusion path from an event hash up to the
// expected root.
func VerifyInclusion(eventHash string, path []contracts.MerkleStep, root string) bool {
	current := LeafHash(eventHash)
	for _, step := range path {
		if step.Left {
			current = nodeHash(step.Hash, current)
		} else {
			current = nodeHash(current, step.Hash)
		}
	}
	return current == root
}

func hexBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return []byte(s)
	}
	return b
}
