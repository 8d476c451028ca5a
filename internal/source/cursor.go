package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"estatefeed/server/internal/models"
)

// Cursor is the resumable position of a Reader: the next record to hand out is item
// Offset of page Page in cell (RegionIndex, MonthIndex). The zero value starts at the
// first page of the first cell. Axes identifies the region and month lists the indices
// refer to; a cursor is only meaningful for a reader with the same Axes.
type Cursor struct {
	RegionIndex int    `json:"region_index"`
	MonthIndex  int    `json:"month_index"`
	Page        int    `json:"page"`
	Offset      int    `json:"offset"`
	Axes        string `json:"axes,omitempty"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("region=%d month=%d page=%d offset=%d", c.RegionIndex, c.MonthIndex, c.Page, c.Offset)
}

func (c Cursor) normalized() Cursor {
	if c.RegionIndex < 0 {
		c.RegionIndex = 0
	}
	if c.MonthIndex < 0 {
		c.MonthIndex = 0
	}
	if c.Page < 1 {
		c.Page = 1
	}
	if c.Offset < 0 {
		c.Offset = 0
	}
	return c
}

// AxesFingerprint identifies the iteration space of a reader. Any change to the trade
// type, the region list or the month list yields a different value.
func AxesFingerprint(trade models.TradeType, regions, months []string) string {
	h := sha256.New()
	h.Write([]byte(trade))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(regions, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(months, ",")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
