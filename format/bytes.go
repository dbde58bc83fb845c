// Package format renders sizes for display.
package format

import "fmt"

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

var units = []struct {
	size   int64
	suffix string
}{
	{TeraByte, "TB"},
	{GigaByte, "GB"},
	{MegaByte, "MB"},
	{KiloByte, "KB"},
}

// HumanBytes renders b in the largest decimal unit it fills, with one
// fractional digit.
func HumanBytes(b int64) string {
	for _, u := range units {
		if b >= u.size {
			return fmt.Sprintf("%.1f %s", float64(b)/float64(u.size), u.suffix)
		}
	}

	return fmt.Sprintf("%d B", b)
}
