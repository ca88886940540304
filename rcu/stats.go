package rcu

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a point-in-time snapshot of domain activity.
type Stats struct {
	Readers   int
	Pending   int64
	Reclaimed uint64
	Epoch     uint64
}

func (d *Domain) Stats() Stats {
	d.regMu.Lock()
	readers := len(d.readers)
	d.regMu.Unlock()
	return Stats{
		Readers:   readers,
		Pending:   d.unreclaimed.Load(),
		Reclaimed: d.reclaimed.Load(),
		Epoch:     d.epoch.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("readers=%d pending=%s reclaimed=%s epoch=%s",
		s.Readers,
		humanize.Comma(s.Pending),
		humanize.Comma(int64(s.Reclaimed)),
		humanize.Comma(int64(s.Epoch)))
}
