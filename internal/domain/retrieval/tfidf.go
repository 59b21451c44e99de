// Package retrieval ranks registry tools against a free-text query using
// TF-IDF vectors and cosine similarity, penalized by governance posture.
package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// tokenize lowercases text and extracts [a-z0-9_]+ runs.
func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// Index is a TF-IDF vocabulary and per-tool vector cache built once per
// registry snapshot and swapped atomically on rebuild; read-only after
// BuildIndex returns.
type Index struct {
	vocabulary []string          // sorted, for deterministic vector layout
	termIndex  map[uint64]int    // xxhash(term) -> position in vocabulary
	idf        map[uint64]float64 // xxhash(term) -> smoothed IDF
	vectors    map[string][]float64
}

// termKey interns a vocabulary term via xxhash rather than keying maps by
// the raw string on the hot path, mirroring the teacher's use of
// cespare/xxhash for cache keys in internal/service/policy_service.go.
func termKey(term string) uint64 {
	return xxhash.Sum64String(term)
}

// documentText concatenates a tool's searchable fields with the weighting
// §4.5 specifies: description_1line and tags each counted twice.
func documentText(r *tool.ToolRecord) string {
	return r.Description1Line + " " + r.Description1Line + " " +
		r.DescriptionFull + " " +
		strings.Join(r.Tags, " ") + " " + strings.Join(r.Tags, " ")
}

// BuildIndex builds the vocabulary, smoothed IDF table, and per-tool vectors
// from the given registry snapshot. An empty tools slice yields an empty,
// harmless index (every subsequent search returns no results).
func BuildIndex(tools []*tool.ToolRecord) *Index {
	idx := &Index{
		termIndex: make(map[uint64]int),
		idf:       make(map[uint64]float64),
		vectors:   make(map[string][]float64, len(tools)),
	}
	if len(tools) == 0 {
		return idx
	}

	docFreq := make(map[string]int)
	vocabSet := make(map[string]struct{})
	perDocWords := make([][]string, len(tools))

	for i, t := range tools {
		words := tokenize(documentText(t))
		perDocWords[i] = words
		seen := make(map[string]struct{})
		for _, w := range words {
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			docFreq[w]++
			vocabSet[w] = struct{}{}
		}
	}

	idx.vocabulary = make([]string, 0, len(vocabSet))
	for w := range vocabSet {
		idx.vocabulary = append(idx.vocabulary, w)
	}
	sort.Strings(idx.vocabulary)

	n := float64(len(tools))
	for i, w := range idx.vocabulary {
		idx.termIndex[termKey(w)] = i
		df := float64(docFreq[w])
		idx.idf[termKey(w)] = math.Log((n+1)/(df+1)) + 1.0
	}

	for i, t := range tools {
		idx.vectors[t.ToolID] = idx.embed(perDocWords[i])
	}

	return idx
}

// computeTFIDF returns a term->score map for the already-tokenized words,
// restricted to vocabulary terms (out-of-vocabulary words score zero and
// are simply absent).
func (idx *Index) computeTFIDF(words []string) map[uint64]float64 {
	if len(words) == 0 {
		return nil
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	total := float64(len(words))

	scores := make(map[uint64]float64, len(counts))
	for w, c := range counts {
		key := termKey(w)
		idf, ok := idx.idf[key]
		if !ok {
			continue
		}
		scores[key] = (float64(c) / total) * idf
	}
	return scores
}

func (idx *Index) toVector(tfidf map[uint64]float64) []float64 {
	vec := make([]float64, len(idx.vocabulary))
	for key, score := range tfidf {
		if pos, ok := idx.termIndex[key]; ok {
			vec[pos] = score
		}
	}
	return normalize(vec)
}

func (idx *Index) embed(words []string) []float64 {
	return idx.toVector(idx.computeTFIDF(words))
}

func normalize(vec []float64) []float64 {
	var sumSq float64
	for _, x := range vec {
		sumSq += x * x
	}
	if sumSq == 0 {
		return vec
	}
	mag := math.Sqrt(sumSq)
	out := make([]float64, len(vec))
	for i, x := range vec {
		out[i] = x / mag
	}
	return out
}

// EmbedQuery embeds a raw query string against this index's vocabulary. An
// empty or whitespace-only query, or an index with an empty vocabulary,
// yields nil; a query with no vocabulary overlap yields a zero vector.
func (idx *Index) EmbedQuery(query string) []float64 {
	if strings.TrimSpace(query) == "" || len(idx.vocabulary) == 0 {
		return nil
	}
	return idx.embed(tokenize(query))
}

// cachedEmbedding returns the precomputed vector for toolID, or nil if the
// tool was not present when the index was built.
func (idx *Index) cachedEmbedding(toolID string) []float64 {
	return idx.vectors[toolID]
}

func vectorMagnitude(v []float64) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	return math.Sqrt(sumSq)
}

// CosineSimilarity returns the clamped [0,1] cosine similarity of two equal-
// length vectors, or 0 for empty or mismatched vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	magA, magB := vectorMagnitude(a), vectorMagnitude(b)
	if magA == 0 || magB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	score := dot / (magA * magB)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
