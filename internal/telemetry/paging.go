package telemetry

import "iter"

// DefaultPageSize applies when Paging.Size is not positive.
const DefaultPageSize = 100

// Paging selects a window of matches. From is the number of matches to skip.
type Paging struct {
	From int `json:"from"`
	Size int `json:"size"`
}

func (p Paging) normalize() Paging {
	if p.From < 0 {
		p.From = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	return p
}

// Page is one window of matches. Next is set only when the page is full; it is the
// 1-based index of the first match not returned, so the following page starts at
// From = *Next - 1.
type Page[T any] struct {
	Entries []T  `json:"entries"`
	Next    *int `json:"next,omitempty"`
}

// Paginate scans seq in order, skips the first p.From matches and collects up to p.Size
// more. It stops reading as soon as the page is full.
func Paginate[T any](seq iter.Seq2[T, error], match func(T) bool, p Paging) (Page[T], error) {
	p = p.normalize()
	page := Page[T]{Entries: make([]T, 0, min(p.Size, DefaultPageSize))}
	skipped := 0
	for entry, err := range seq {
		if err != nil {
			return Page[T]{}, err
		}
		if match != nil && !match(entry) {
			continue
		}
		if skipped < p.From {
			skipped++
			continue
		}
		page.Entries = append(page.Entries, entry)
		if len(page.Entries) == p.Size {
			next := p.From + p.Size + 1
			page.Next = &next
			break
		}
	}
	return page, nil
}
