// Package textsim implements the Ratcliff/Obershelp string similarity
// ratio used by C7 and C8's identifier-value consistency checks, matching
// the semantics of Python's difflib.SequenceMatcher.ratio() that the
// Python original calls directly (analyze_persistence.py). No suitable
// third-party library covers this algorithm, so it is hand-rolled here;
// see DESIGN.md for the justification.
package textsim

// DefaultLongStringThreshold is the default length above which either
// operand triggers the prefix+suffix approximation instead of full
// Ratcliff/Obershelp comparison (§4.8).
const DefaultLongStringThreshold = 20_000

// prefixSuffixSampleLen is the number of characters compared from each end
// of a long string by the fallback approximation (§4.8).
const prefixSuffixSampleLen = 100

// SimilarThreshold is the ratio at or above which two values are
// considered "similar" by the callers that gate on this package's Ratio
// (§4.7/§4.8's identifier checks); exported so callers don't need to
// hardcode the literal alongside a call to Ratio.
const SimilarThreshold = 0.6

// Result carries the computed ratio along with whether the long-string
// fallback path was used, so callers can record that deviation in
// diagnostics per §4.8.
type Result struct {
	Ratio    float64
	Fallback bool
}

// Compare returns the similarity ratio of a and b, using the long-string
// threshold to decide between the full algorithm and the prefix+suffix
// approximation.  threshold <= 0 means DefaultLongStringThreshold.
func Compare(a, b string, threshold int) (result Result) {
	if threshold <= 0 {
		threshold = DefaultLongStringThreshold
	}

	if len(a) > threshold || len(b) > threshold {
		return Result{Ratio: prefixSuffixRatio(a, b), Fallback: true}
	}

	return Result{Ratio: Ratio(a, b)}
}

// prefixSuffixRatio implements §4.8's fallback: the prefix and suffix
// similarities (each up to prefixSuffixSampleLen characters) are computed
// independently, and the pair is treated as similar if either component
// ratio clears [SimilarThreshold]; the reported ratio is the larger of the
// two components so a single numeric comparison against SimilarThreshold
// reproduces that "either" semantics.
func prefixSuffixRatio(a, b string) (ratio float64) {
	prefixA, prefixB := firstRunes(a, prefixSuffixSampleLen), firstRunes(b, prefixSuffixSampleLen)
	suffixA, suffixB := lastRunes(a, prefixSuffixSampleLen), lastRunes(b, prefixSuffixSampleLen)

	prefixRatio := Ratio(prefixA, prefixB)
	suffixRatio := Ratio(suffixA, suffixB)

	if prefixRatio > suffixRatio {
		return prefixRatio
	}

	return suffixRatio
}

// firstRunes returns the first n runes of s, or s itself if shorter.
func firstRunes(s string, n int) (prefix string) {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}

// lastRunes returns the last n runes of s, or s itself if shorter.
func lastRunes(s string, n int) (suffix string) {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[len(r)-n:])
}

// Ratio computes the Ratcliff/Obershelp similarity ratio of a and b: twice
// the number of characters found in matching blocks, divided by the total
// length of both strings. It matches Python's
// difflib.SequenceMatcher(None, a, b).ratio().
func Ratio(a, b string) (ratio float64) {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}

	matches := matchingCharacters(ra, rb)

	return 2 * float64(matches) / float64(len(ra)+len(rb))
}

// matchingCharacters counts the total length of all matching blocks found
// by recursively locating the longest common substring and descending into
// the unmatched left and right remainders, the core of the
// Ratcliff/Obershelp algorithm.
func matchingCharacters(a, b []rune) (total int) {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	aStart, bStart, length := longestCommonSubstring(a, b)
	if length == 0 {
		return 0
	}

	total += length
	total += matchingCharacters(a[:aStart], b[:bStart])
	total += matchingCharacters(a[aStart+length:], b[bStart+length:])

	return total
}

// longestCommonSubstring finds the longest contiguous run common to a and
// b, returning its start offsets in each and its length.  Ties are broken
// by preferring the earliest match in a, then in b, matching
// SequenceMatcher's own tie-breaking via its junk-free matching-blocks
// search.
func longestCommonSubstring(a, b []rune) (aStart, bStart, length int) {
	// b2j maps each rune in b to the sorted list of indices where it
	// occurs, so candidate matches can be grown in O(len(a)*len(b)) total
	// instead of doing a naive O(len(a)^2*len(b)) search.
	b2j := make(map[rune][]int, len(b))
	for j, r := range b {
		b2j[r] = append(b2j[r], j)
	}

	// j2len[j] holds the length of the run ending at b-index j and at the
	// previous a-index; rebuilt each outer iteration.
	j2len := map[int]int{}

	for i, ra := range a {
		newJ2Len := map[int]int{}

		for _, j := range b2j[ra] {
			runLen := j2len[j-1] + 1
			newJ2Len[j] = runLen

			if runLen > length {
				length = runLen
				aStart = i - runLen + 1
				bStart = j - runLen + 1
			}
		}

		j2len = newJ2Len
	}

	return aStart, bStart, length
}
