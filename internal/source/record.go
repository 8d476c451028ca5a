package source

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"estatefeed/server/internal/models"
)

// ErrInvalidRecord marks a record that lacks a mandatory field. Such records are
// skipped and counted, never fatal.
var ErrInvalidRecord = errors.New("invalid record")

// RawDeal is one transaction item as the feed returns it.
type RawDeal struct {
	SeqID        FlexString `json:"aptSeq"`
	Name         FlexString `json:"aptNm"`
	Neighborhood FlexString `json:"umdNm"`
	LotNumber    FlexString `json:"jibun"`
	RoadName     FlexString `json:"roadNm"`
	RoadMain     FlexString `json:"roadNmBonbun"`
	RoadSub      FlexString `json:"roadNmBubun"`
	BuildYear    FlexString `json:"buildYear"`
	Area         FlexString `json:"excluUseAr"`
	Floor        FlexString `json:"floor"`
	DealYear     FlexString `json:"dealYear"`
	DealMonth    FlexString `json:"dealMonth"`
	DealDay      FlexString `json:"dealDay"`
	DealAmount   FlexString `json:"dealAmount"`
	Deposit      FlexString `json:"deposit"`
	MonthlyRent  FlexString `json:"monthlyRent"`
	RegionCode   FlexString `json:"sggCd"`
	CancelType   FlexString `json:"cdealType"`
}

// RawAmenity is one school or station item.
type RawAmenity struct {
	ID        FlexString `json:"facilityId"`
	Name      FlexString `json:"facilityNm"`
	Address   FlexString `json:"addr"`
	Latitude  FlexString `json:"la"`
	Longitude FlexString `json:"lo"`
}

// Record is one raw item handed out by a Reader, with the cell it came from.
type Record struct {
	Trade      models.TradeType
	RegionCode string
	YearMonth  string
	Item       RawDeal
	Position   Cursor
}

// Deal is a validated, typed transaction ready for persistence. Price is the sale
// amount for sales and the deposit for leases.
type Deal struct {
	Trade         models.TradeType
	ExternalSeqID string `validate:"required"`
	PropertyName  string
	RegionCode    string `validate:"required,len=5,numeric"`
	Neighborhood  string
	LotNumber     string
	RoadName      string
	RoadMain      string
	RoadSub       string
	BuildYear     *int
	ExclusiveArea float64   `validate:"gt=0"`
	AreaKey       int64     `validate:"gt=0"`
	Floor         *int      `validate:"required"`
	DealDate      time.Time `validate:"required"`
	Price         *int64    `validate:"required"`
	MonthlyRent   int64     `validate:"gte=0"`
	Cancelled     bool
}

var validate = validator.New()

// ParseDeal converts a raw record into a Deal, returning ErrInvalidRecord when a
// mandatory field (price, area, floor, deal date, region code) is missing or unparseable.
func ParseDeal(rec *Record) (*Deal, error) {
	item := rec.Item

	deal := &Deal{
		Trade:         rec.Trade,
		ExternalSeqID: item.SeqID.String(),
		PropertyName:  item.Name.String(),
		RegionCode:    item.RegionCode.String(),
		Neighborhood:  item.Neighborhood.String(),
		LotNumber:     item.LotNumber.String(),
		RoadName:      item.RoadName.String(),
		RoadMain:      item.RoadMain.String(),
		RoadSub:       item.RoadSub.String(),
		Cancelled:     strings.EqualFold(item.CancelType.String(), "O"),
	}
	if deal.RegionCode == "" {
		deal.RegionCode = rec.RegionCode
	}

	if year, ok := item.BuildYear.Int(); ok && year > 0 {
		y := int(year)
		deal.BuildYear = &y
	}

	if area, err := decimal.NewFromString(item.Area.String()); err == nil {
		deal.ExclusiveArea = area.InexactFloat64()
		deal.AreaKey = AreaKey(rec.Trade, area)
	}

	if floor, err := strconv.Atoi(item.Floor.String()); err == nil {
		deal.Floor = &floor
	}

	deal.DealDate = dealDate(item)

	var price FlexString
	if rec.Trade == models.TradeLease {
		price = item.Deposit
		if rent, ok := item.MonthlyRent.Int(); ok {
			deal.MonthlyRent = rent
		}
	} else {
		price = item.DealAmount
	}
	if p, ok := price.Int(); ok {
		deal.Price = &p
	}

	if err := validate.Struct(deal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return deal, nil
}

// AreaKey scales the exclusive area by the trade type's factor and rounds half away
// from zero.
func AreaKey(trade models.TradeType, area decimal.Decimal) int64 {
	return area.Mul(decimal.NewFromInt(trade.AreaScale())).Round(0).IntPart()
}

func dealDate(item RawDeal) time.Time {
	y, okY := item.DealYear.Int()
	m, okM := item.DealMonth.Int()
	d, okD := item.DealDay.Int()
	if !okY || !okM || !okD || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}
	}
	date := time.Date(int(y), time.Month(m), int(d), 0, 0, 0, 0, time.UTC)
	if date.Day() != int(d) {
		return time.Time{}
	}
	return date
}

// YearMonth returns the deal month as YYYYMM.
func (d *Deal) YearMonth() string {
	return d.DealDate.Format("200601")
}

// SaleDeal builds the persisted row for a sale owned by propertyID.
func (d *Deal) SaleDeal(propertyID uint) models.SaleDeal {
	return models.SaleDeal{
		PropertyID:    propertyID,
		DealDate:      d.DealDate,
		Floor:         *d.Floor,
		AreaKey:       d.AreaKey,
		DealAmount:    *d.Price,
		DealYearMonth: d.YearMonth(),
		ExclusiveArea: d.ExclusiveArea,
		RegionCode:    d.RegionCode,
		Cancelled:     d.Cancelled,
	}
}

// LeaseDeal builds the persisted row for a lease owned by propertyID.
func (d *Deal) LeaseDeal(propertyID uint) models.LeaseDeal {
	return models.LeaseDeal{
		PropertyID:    propertyID,
		DealDate:      d.DealDate,
		Floor:         *d.Floor,
		AreaKey:       d.AreaKey,
		Deposit:       *d.Price,
		MonthlyRent:   d.MonthlyRent,
		DealYearMonth: d.YearMonth(),
		ExclusiveArea: d.ExclusiveArea,
		RegionCode:    d.RegionCode,
		Cancelled:     d.Cancelled,
	}
}

// Coordinates parses the amenity location; ok is false when either axis is missing.
func (a RawAmenity) Coordinates() (lat, lng float64, ok bool) {
	lat, errLat := strconv.ParseFloat(a.Latitude.String(), 64)
	lng, errLng := strconv.ParseFloat(a.Longitude.String(), 64)
	if errLat != nil || errLng != nil || (lat == 0 && lng == 0) {
		return 0, 0, false
	}
	return lat, lng, true
}
