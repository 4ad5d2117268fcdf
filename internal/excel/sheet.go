package excel

import "sort"

// Sheet is the EXH plus its ordered pages (spec.md §4.10 "Sheet facade
// (C10)").
type Sheet struct {
	Header *Header
	Pages  []*Page
}

// Row looks up a row id, returning its first subrow. ok is false if the row
// id falls outside every page or isn't present in its page.
func (s *Sheet) Row(rowID uint32) (Row, bool) {
	pageIdx, ok := s.Header.PageIndexFor(rowID)
	if !ok || pageIdx >= len(s.Pages) {
		return nil, false
	}
	group, ok := s.Pages[pageIdx].Groups[rowID]
	if !ok || len(group.Subrows) == 0 {
		return nil, false
	}
	return group.Subrows[0].Row, true
}

// Subrow looks up one specific subrow of a SubRows sheet by (rowID, subID).
func (s *Sheet) Subrow(rowID uint32, subID uint16) (Row, bool) {
	pageIdx, ok := s.Header.PageIndexFor(rowID)
	if !ok || pageIdx >= len(s.Pages) {
		return nil, false
	}
	group, ok := s.Pages[pageIdx].Groups[rowID]
	if !ok {
		return nil, false
	}
	for _, sub := range group.Subrows {
		if sub.ID == subID {
			return sub.Row, true
		}
	}
	return nil, false
}

// RowEntry pairs a row id with its first subrow, as yielded by Flatten.
type RowEntry struct {
	RowID uint32
	Row   Row
}

// Flatten yields (row_id, first subrow) for every row in the page that has
// at least one subrow, ordered by ascending row id (spec.md §4.10 "a
// 'flatten' adapter yields (row_id, &row) taking the first subrow"). Rows
// with no subrows are omitted.
func (p *Page) Flatten() []RowEntry {
	ids := make([]uint32, 0, len(p.Groups))
	for id := range p.Groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]RowEntry, 0, len(ids))
	for _, id := range ids {
		group := p.Groups[id]
		if len(group.Subrows) == 0 {
			continue
		}
		out = append(out, RowEntry{RowID: id, Row: group.Subrows[0].Row})
	}
	return out
}

// RowOrder returns the page's row ids in ascending order, matching
// ExcelDataOffset's sort invariant (spec.md I3) and suitable as the
// rowOrder argument to WritePage.
func (p *Page) RowOrder() []uint32 {
	ids := make([]uint32, len(p.Entries))
	for i, e := range p.Entries {
		ids[i] = e.RowID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
