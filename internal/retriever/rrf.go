package retriever

import "sort"

// Ranked is one backend's ordered output and its fusion weight.
type Ranked struct {
	Weight float64
	Docs   []Document
}

// Fuse combines ranked lists with weighted reciprocal rank fusion:
// score(d) = sum over lists of weight / (rank + c), rank starting at 1.
// Documents with the same content hash are collapsed and keep their best rank per list.
// Ties keep the order in which documents were first seen. Zero-score documents are dropped.
func Fuse(c int, lists ...Ranked) []Scored {
	type entry struct {
		doc   Document
		score float64
		order int
	}
	byHash := map[string]*entry{}
	var order []*entry
	for _, list := range lists {
		seen := map[string]bool{}
		rank := 0
		for _, d := range list.Docs {
			h := d.ContentHash()
			if seen[h] {
				continue
			}
			seen[h] = true
			rank++
			e, ok := byHash[h]
			if !ok {
				e = &entry{doc: d, order: len(order)}
				byHash[h] = e
				order = append(order, e)
			}
			e.score += list.Weight / float64(rank+c)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].order < order[j].order
	})
	out := make([]Scored, 0, len(order))
	for _, e := range order {
		if e.score <= 0 {
			continue
		}
		out = append(out, Scored{Document: e.doc, Score: e.score})
	}
	return out
}
