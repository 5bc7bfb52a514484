package tree

// span is a half-open byte range [start, end).
type span struct {
	start, end uint64
}

// intervals is a sorted, non-overlapping set of spans. It tracks which bytes
// have already been claimed by newer layers while resolving extents.
type intervals struct {
	spans []span
}

// subtract returns the parts of [start, end) not yet covered.
func (iv *intervals) subtract(start, end uint64) []span {
	var out []span
	pos := start
	for _, s := range iv.spans {
		if s.end <= pos {
			continue
		}
		if s.start >= end {
			break
		}
		if s.start > pos {
			out = append(out, span{pos, min(s.start, end)})
		}
		pos = max(pos, s.end)
		if pos >= end {
			return out
		}
	}
	if pos < end {
		out = append(out, span{pos, end})
	}
	return out
}

// add claims [start, end), merging adjacent spans.
func (iv *intervals) add(start, end uint64) {
	if start >= end {
		return
	}
	out := make([]span, 0, len(iv.spans)+1)
	inserted := false
	for _, s := range iv.spans {
		switch {
		case s.end < start:
			out = append(out, s)
		case s.start > end:
			if !inserted {
				out = append(out, span{start, end})
				inserted = true
			}
			out = append(out, s)
		default:
			// Overlapping or touching: fold into the pending span.
			start = min(start, s.start)
			end = max(end, s.end)
		}
	}
	if !inserted {
		out = append(out, span{start, end})
	}
	iv.spans = out
}
