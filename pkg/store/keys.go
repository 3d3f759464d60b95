package store

import (
	"fmt"
	"strings"
)

// Key layout. All keys sort byte-wise in the order the engine needs:
//
//	conv:<convID>:ord:<%020d sortTS>-<tiebreak>   message rows, timeline order
//	idx:corr:<convID>:<correlationID>             correlation id -> row locator
//	idx:canon:<canonicalID>                       canonical id -> conv/corr
//	pend:<convID>:<%020d ts>-<%06d n>             offline queue, FIFO per conv
//	meta:conv:<convID>                            conversation row
//
// sortTS is the server timestamp once confirmed, the client timestamp
// while pending; tiebreak is the canonical id once confirmed, the
// correlation id while pending. That gives confirmed rows the total
// order (serverTS, canonicalID) and lets pending rows interleave at
// insertion position.

func ordKey(convID string, sortTS int64, tiebreak string) (string, error) {
	if convID == "" || tiebreak == "" {
		return "", fmt.Errorf("ord key requires conversation and tiebreak ids")
	}
	if strings.ContainsAny(convID, ":") {
		return "", fmt.Errorf("invalid conversation id %q", convID)
	}
	return fmt.Sprintf("conv:%s:ord:%020d-%s", convID, sortTS, tiebreak), nil
}

func ordPrefix(convID string) string {
	return "conv:" + convID + ":ord:"
}

func corrIdxKey(convID, corrID string) string {
	return "idx:corr:" + convID + ":" + corrID
}

func canonIdxKey(canonicalID string) string {
	return "idx:canon:" + canonicalID
}

func pendKey(convID string, ts int64, n uint64) string {
	return fmt.Sprintf("pend:%s:%020d-%06d", convID, ts, n)
}

func pendPrefix(convID string) string {
	return "pend:" + convID + ":"
}

func convKey(convID string) string {
	return "meta:conv:" + convID
}

const convPrefix = "meta:conv:"
