package repository

import (
	"errors"
	"fmt"
	"time"
)

// MessagesTable is the partitioned parent table.
const MessagesTable = "messages"

// ErrPartitionMissing is returned by Insert when no partition covers the row.
var ErrPartitionMissing = errors.New("no partition covers created_at")

// MonthBounds returns the UTC [start, end) month range containing t.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// PartitionName is the child table name for the month containing t,
// e.g. messages_2026_10.
func PartitionName(table string, t time.Time) string {
	start, _ := MonthBounds(t)
	return fmt.Sprintf("%s_%04d_%02d", table, start.Year(), int(start.Month()))
}
