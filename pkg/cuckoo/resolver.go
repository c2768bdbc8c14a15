package cuckoo

// slotView is a header as observed at one instant, with the raw words so a
// later compare-and-swap can detect changes.
type slotView struct {
	slot    uint32
	hdr     Header
	body    uint64
	publish uint64
}

// order returns the candidate slots in lookup order: primary, then alternate.
func (c candidates) order() []uint32 {
	if c.primary == c.alt {
		return []uint32{c.primary}
	}

	return []uint32{c.primary, c.alt}
}

func (r *region) view(slot uint32) slotView {
	h, body, publish := r.loadHeader(slot)

	return slotView{slot: slot, hdr: h, body: body, publish: publish}
}

// findForRead returns the first candidate holding a live entry for the key.
func (r *region) findForRead(c candidates, now uint32) (slotView, bool) {
	for _, slot := range c.order() {
		v := r.view(slot)
		if v.hdr.Live(now) && c.matches(slot, v.hdr) {
			return v, true
		}
	}

	return slotView{}, false
}

// findForWrite picks the slot a writer of priority p may claim.
//
// A candidate already holding a live entry for the same key wins, so a key is
// never stored twice. Otherwise the first candidate (primary, then alternate)
// that is not live, or whose entry has a strictly lower tier than p, is used.
//
// A candidate claimed by another writer whose claim has not lapsed may be a
// concurrent write of this very key, so the write backs off instead of
// placing a second copy in the other slot.
//
// Possible errors: [ErrNoSlot], [ErrBusy].
func (r *region) findForWrite(c candidates, p Priority, now uint32) (slotView, error) {
	order := c.order()
	views := make([]slotView, 0, len(order))

	for _, slot := range order {
		v := r.view(slot)
		if v.hdr.Live(now) && c.matches(slot, v.hdr) {
			return v, nil
		}

		if v.hdr.Claimed() && v.hdr.ExpiresAt > now {
			return slotView{}, ErrBusy
		}

		views = append(views, v)
	}

	for _, v := range views {
		if !v.hdr.Live(now) || v.hdr.Priority() < p {
			return v, nil
		}
	}

	return slotView{}, ErrNoSlot
}
