package docstore

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const DefaultRevsLimit = 100

// ParseRev splits a revision token "<generation>-<hash>".
func ParseRev(rev string) (int, string, error) {
	genPart, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return 0, "", fmt.Errorf("%w: malformed revision %q", ErrInvalidDoc, rev)
	}
	gen, err := strconv.Atoi(genPart)
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("%w: malformed revision %q", ErrInvalidDoc, rev)
	}
	return gen, hash, nil
}

func nextRev(parent string, deleted bool, body []byte) string {
	gen := 1
	if parent != "" {
		if g, _, err := ParseRev(parent); err == nil {
			gen = g + 1
		}
	}
	h := md5.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	return strconv.Itoa(gen) + "-" + hex.EncodeToString(h.Sum(nil))
}

// Wins reports whether revision a beats revision b when two replicas hold
// divergent revisions of one document: the higher generation wins, then the
// lexicographically greater hash. Every replica picks the same winner.
func Wins(a, b string) bool {
	genA, hashA, errA := ParseRev(a)
	genB, hashB, errB := ParseRev(b)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	case genA != genB:
		return genA > genB
	default:
		return hashA > hashB
	}
}

func prependRev(rev string, ancestry []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultRevsLimit
	}
	out := make([]string, 0, min(len(ancestry)+1, limit))
	out = append(out, rev)
	for _, r := range ancestry {
		if len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out
}

func knowsRev(doc Doc, rev string) bool {
	return doc.Rev == rev || slices.Contains(doc.Revisions, rev)
}

func encodeRevisions(revs []string) (revisionsJSON, error) {
	out := revisionsJSON{IDs: make([]string, 0, len(revs))}
	for i, rev := range revs {
		gen, hash, err := ParseRev(rev)
		if err != nil {
			return revisionsJSON{}, err
		}
		if i == 0 {
			out.Start = gen
		} else if gen != out.Start-i {
			return revisionsJSON{}, fmt.Errorf("%w: revision ancestry is not contiguous", ErrInvalidDoc)
		}
		out.IDs = append(out.IDs, hash)
	}
	return out, nil
}

func decodeRevisions(revs revisionsJSON) []string {
	out := make([]string, 0, len(revs.IDs))
	for i, hash := range revs.IDs {
		gen := revs.Start - i
		if gen < 1 {
			break
		}
		out = append(out, strconv.Itoa(gen)+"-"+hash)
	}
	return out
}
