package engine

// budget is the per-request complexity counter. It is charged before
// any recursive work begins — per write node and per include — so
// unbounded nesting aborts synchronously instead of mid-transaction.
type budget struct {
	used  int
	limit int
}

func newBudget(limit int) *budget {
	return &budget{limit: limit}
}

func (b *budget) charge(weight int) error {
	b.used += weight
	if b.used > b.limit {
		return complexityLimit()
	}
	return nil
}
