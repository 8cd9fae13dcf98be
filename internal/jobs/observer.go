package jobs

import (
	"fmt"
	"time"
)

// recordObserver appends load progress to a job record. Batches are not
// logged; a record keeps one line per phase.
type recordObserver struct {
	m   *Manager
	key string
	id  string
}

func (o *recordObserver) append(msg string) {
	o.m.update(o.key, o.id, func(rec *Record) {
		rec.log(o.m.now(), msg)
	})
}

func (o *recordObserver) DecodeStarted(strategy string) {
	o.append("decoding with strategy " + strategy)
}

func (o *recordObserver) PhaseStarted(table string) {
	o.append("loading " + table)
}

func (o *recordObserver) BatchCompleted(string, int, time.Duration) {}

func (o *recordObserver) PhaseCompleted(table string, rows int64, elapsed time.Duration) {
	o.append(fmt.Sprintf("loaded %d rows into %s in %s", rows, table, elapsed.Round(time.Millisecond)))
}
