package score

import (
	"math"
	"slices"
)

// TFIDF is a term weighting model over a small document set. Term frequency
// is the raw count and idf = log((N+1)/(df+1)) + 1.
type TFIDF struct {
	idf map[string]float64
}

// NewTFIDF builds a model from docs.
func NewTFIDF(docs [][]string) *TFIDF {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{}, len(doc))
		for _, term := range doc {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			df[term]++
		}
	}
	n := float64(max(1, len(docs)))
	m := &TFIDF{idf: make(map[string]float64, len(df))}
	for term, c := range df {
		m.idf[term] = math.Log((n+1)/(float64(c)+1)) + 1
	}
	return m
}

// IDF returns the weight of term, or 0 for terms outside the model.
func (m *TFIDF) IDF(term string) float64 { return m.idf[term] }

// Cosine is the cosine similarity of the weighted vectors of a and b. An
// empty document scores 0 against anything.
func (m *TFIDF) Cosine(a, b []string) float64 {
	va, vb := m.vector(a), m.vector(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}
	var dot, na, nb float64
	for _, t := range sortedTerms(va, vb) {
		x, y := va[t], vb[t]
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *TFIDF) vector(doc []string) map[string]float64 {
	v := make(map[string]float64, len(doc))
	for _, term := range doc {
		if w, ok := m.idf[term]; ok {
			v[term] += w
		}
	}
	return v
}

// HistCosine is the cosine similarity of two count histograms.
func HistCosine(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for _, k := range sortedTerms(a, b) {
		x, y := float64(a[k]), float64(b[k])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// sortedTerms returns the union of the keys of a and b in order, so float
// sums never depend on map iteration.
func sortedTerms[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
