package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// PairKey derives the order-independent key for two user ids. The same two
// ids always yield the same key whichever one comes first.
func PairKey(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	h := sha256.Sum256([]byte(ids[0] + "\x00" + ids[1]))
	return hex.EncodeToString(h[:])
}

func sortedPair(userA, userB string) [2]string {
	if userB < userA {
		return [2]string{userB, userA}
	}
	return [2]string{userA, userB}
}
