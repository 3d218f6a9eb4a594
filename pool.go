package byondhook

import "github.com/k2io/byondhook/internal/mem"

// slotPool carves trampoline slots out of executable pages. Pages are
// never freed: a published trampoline must outlive every caller.
type slotPool struct {
	alloc mem.Allocator
	next  uintptr
	end   uintptr
	free  []uintptr
	pages int
}

func (s *slotPool) claim() (uintptr, error) {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot, nil
	}
	if s.next == s.end {
		page, err := s.alloc.AllocExec(mem.PageSize)
		if err != nil {
			return 0, err
		}
		s.next, s.end = page, page+mem.PageSize
		s.pages++
	}
	slot := s.next
	s.next += SlotSize
	return slot, nil
}

// unclaim returns a slot that was never published.
func (s *slotPool) unclaim(slot uintptr) {
	s.free = append(s.free, slot)
}
