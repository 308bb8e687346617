package refrange

import "github.com/google/uuid"

// CanonicalResult is the outcome of deduplicating a range set.
type CanonicalResult struct {
	Kept       []ReferenceRange `json:"kept"`
	Duplicates []ReferenceRange `json:"duplicates"`
}

// DuplicateIDs returns the ids of the rows identified as duplicates.
func (c CanonicalResult) DuplicateIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Duplicates))
	for _, d := range c.Duplicates {
		ids = append(ids, d.ID)
	}
	return ids
}

// Canonicalize removes exact duplicates from ranges, which must be ordered by
// creation time ascending. The first row seen for each identity key is kept;
// later rows with the same key are returned as duplicates. Ranges that differ
// in any key field are left alone, even when they overlap.
func Canonicalize(ranges []ReferenceRange) CanonicalResult {
	seen := make(map[IdentityKey]struct{}, len(ranges))
	res := CanonicalResult{Kept: make([]ReferenceRange, 0, len(ranges))}
	for _, r := range ranges {
		k := r.Key()
		if _, dup := seen[k]; dup {
			res.Duplicates = append(res.Duplicates, r)
			continue
		}
		seen[k] = struct{}{}
		res.Kept = append(res.Kept, r)
	}
	return res
}
