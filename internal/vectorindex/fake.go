package vectorindex

import "context"

// FakeIndex is a scripted Index for tests in reuse/analysisworker.
type FakeIndex struct {
	SavedDocs []Doc
	Neighbors []Neighbor
	Err       error
}

func (f *FakeIndex) Save(ctx context.Context, doc Doc) error {
	if f.Err != nil {
		return f.Err
	}
	f.SavedDocs = append(f.SavedDocs, doc)
	return nil
}

func (f *FakeIndex) Search(ctx context.Context, query string, topK int, minSimilarity float64) ([]Neighbor, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var out []Neighbor
	for _, n := range f.Neighbors {
		if n.Similarity >= minSimilarity {
			out = append(out, n)
		}
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
