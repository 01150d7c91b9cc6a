package storage

import "time"

// Line is one stored protocol line
type Line struct {
	ID        int64     `db:"id" json:"id"`
	Network   string    `db:"network" json:"network"`
	Direction string    `db:"direction" json:"direction"`
	Time      time.Time `db:"time" json:"time"`
	Raw       string    `db:"raw" json:"raw"`
}

// Snapshot is a serialised network state. LineID is the last line the
// state includes.
type Snapshot struct {
	ID      int64     `db:"id" json:"id"`
	Network string    `db:"network" json:"network"`
	LineID  int64     `db:"line_id" json:"line_id"`
	Time    time.Time `db:"time" json:"time"`
	State   []byte    `db:"state" json:"state"`
}
