package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MonthlyAggregate holds the running sums and counts of one (property, bucket, month)
// cell. Rows are derived from the deal tables and rewritten by the aggregate rebuilder.
type MonthlyAggregate struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	PropertyID        uint      `gorm:"not null;uniqueIndex:idx_aggregate_cell,priority:1" json:"property_id"`
	BucketID          int64     `gorm:"not null;uniqueIndex:idx_aggregate_cell,priority:2" json:"bucket_id"`
	DealYearMonth     string    `gorm:"size:6;not null;uniqueIndex:idx_aggregate_cell,priority:3;index" json:"deal_year_month"`
	AreaKey           int64     `gorm:"not null" json:"area_key"`
	SaleAmountSum     int64     `gorm:"not null;default:0" json:"sale_amount_sum"`
	SaleCount         int64     `gorm:"not null;default:0" json:"sale_count"`
	LeaseDepositSum   int64     `gorm:"not null;default:0" json:"lease_deposit_sum"`
	LeaseDepositCount int64     `gorm:"not null;default:0" json:"lease_deposit_count"`
	LeaseRentSum      int64     `gorm:"not null;default:0" json:"lease_rent_sum"`
	LeaseRentCount    int64     `gorm:"not null;default:0" json:"lease_rent_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Average returns sum/count, or an invalid NullDecimal when count is zero.
func Average(sum, count int64) decimal.NullDecimal {
	if count == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromInt(sum).Div(decimal.NewFromInt(count)))
}

func (a *MonthlyAggregate) AverageSaleAmount() decimal.NullDecimal {
	return Average(a.SaleAmountSum, a.SaleCount)
}

func (a *MonthlyAggregate) AverageLeaseDeposit() decimal.NullDecimal {
	return Average(a.LeaseDepositSum, a.LeaseDepositCount)
}

func (a *MonthlyAggregate) AverageLeaseRent() decimal.NullDecimal {
	return Average(a.LeaseRentSum, a.LeaseRentCount)
}
