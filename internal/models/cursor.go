package models

// SyncCursor is the batch scheduler's resumable position within the ordered
// list of enabled enrol instances. Offset is the next instance index to
// process; Total snapshots the instance count at the start of the sweep.
type SyncCursor struct {
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// PercentComplete reports sweep progress for operator-facing output.
func (c SyncCursor) PercentComplete() int {
	if c.Total <= 0 {
		return 0
	}
	pct := c.Offset * 100 / c.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}
