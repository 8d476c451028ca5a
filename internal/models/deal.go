package models

import "time"

// TradeType distinguishes the two transaction feeds.
type TradeType string

const (
	TradeSale  TradeType = "sale"
	TradeLease TradeType = "lease"
)

// Scaling factors turning exclusive area (m²) into an integer area key. The two feeds
// historically use different factors and stored bucket ids depend on it.
const (
	SaleAreaScale  = 100
	LeaseAreaScale = 10
)

// AreaScale returns the area-key scaling factor of the trade type.
func (t TradeType) AreaScale() int64 {
	if t == TradeLease {
		return LeaseAreaScale
	}
	return SaleAreaScale
}

// BucketID combines a property id and an area key into the aggregate bucket id.
func BucketID(propertyID uint, areaKey int64) int64 {
	return int64(propertyID)*1_000_000 + areaKey
}

// SaleDeal is one sale transaction. Amounts are in units of 10,000 KRW.
type SaleDeal struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	PropertyID    uint      `gorm:"not null;uniqueIndex:idx_sale_natural,priority:1;index:idx_sale_cell,priority:1" json:"property_id"`
	DealDate      time.Time `gorm:"not null;uniqueIndex:idx_sale_natural,priority:2" json:"deal_date"`
	Floor         int       `gorm:"not null;uniqueIndex:idx_sale_natural,priority:3" json:"floor"`
	AreaKey       int64     `gorm:"not null;uniqueIndex:idx_sale_natural,priority:4" json:"area_key"`
	DealAmount    int64     `gorm:"not null;uniqueIndex:idx_sale_natural,priority:5" json:"deal_amount"`
	DealYearMonth string    `gorm:"size:6;not null;index:idx_sale_cell,priority:2" json:"deal_year_month"`
	ExclusiveArea float64   `gorm:"not null" json:"exclusive_area"`
	RegionCode    string    `gorm:"size:5;not null;index" json:"region_code"`
	Cancelled     bool      `gorm:"not null;default:false" json:"cancelled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BucketID returns the aggregate bucket of the deal.
func (d *SaleDeal) BucketID() int64 {
	return BucketID(d.PropertyID, d.AreaKey)
}

// LeaseDeal is one lease (jeonse or monthly rent) transaction. Amounts are in units of
// 10,000 KRW; MonthlyRent is zero for jeonse.
type LeaseDeal struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	PropertyID    uint      `gorm:"not null;uniqueIndex:idx_lease_natural,priority:1;index:idx_lease_cell,priority:1" json:"property_id"`
	DealDate      time.Time `gorm:"not null;uniqueIndex:idx_lease_natural,priority:2" json:"deal_date"`
	Floor         int       `gorm:"not null;uniqueIndex:idx_lease_natural,priority:3" json:"floor"`
	AreaKey       int64     `gorm:"not null;uniqueIndex:idx_lease_natural,priority:4" json:"area_key"`
	Deposit       int64     `gorm:"not null;uniqueIndex:idx_lease_natural,priority:5" json:"deposit"`
	MonthlyRent   int64     `gorm:"not null;uniqueIndex:idx_lease_natural,priority:6" json:"monthly_rent"`
	DealYearMonth string    `gorm:"size:6;not null;index:idx_lease_cell,priority:2" json:"deal_year_month"`
	ExclusiveArea float64   `gorm:"not null" json:"exclusive_area"`
	RegionCode    string    `gorm:"size:5;not null;index" json:"region_code"`
	Cancelled     bool      `gorm:"not null;default:false" json:"cancelled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BucketID returns the aggregate bucket of the deal.
func (d *LeaseDeal) BucketID() int64 {
	return BucketID(d.PropertyID, d.AreaKey)
}
