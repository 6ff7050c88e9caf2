package usage

import "math"

// Pricing constants for month_cost (spec §4.6). classAUnitPrice and
// classBUnitPrice are named explicitly in the spec; storageUnitPricePerGB
// is not — it is Cloudflare R2's published standard-storage rate, used
// here because the spec names a free tier and a total cost formula but
// leaves the per-unit storage rate implicit.
const (
	freeStorageGBMonth     = 10.0
	storageUnitPricePerGB  = 0.015
	classAFreeOps          = 1_000_000
	classAUnitPrice        = 4.50
	classAPricingBatch     = 1_000_000
	classBFreeOps          = 10_000_000
	classBUnitPrice        = 0.36
	classBPricingBatch     = 1_000_000
	bytesPerGiB            = 1 << 30
)

// CostReport is the result of month_cost(YYYY-MM).
type CostReport struct {
	Month              string
	SumPeakGiB         float64
	AvgGBMonth         float64
	BillableGBMonth    float64
	StorageCost        float64
	TotalClassAOps     int64
	ClassAOverageUnits int64
	ClassACost         float64
	TotalClassBOps     int64
	ClassBOverageUnits int64
	ClassBCost         float64
	TotalCost          float64
}

// MonthCost computes the cost report for a month given its daily ledgers
// (spec §4.6's exact formulas).
func MonthCost(month string, days []DailyLedger) CostReport {
	var sumPeakBytes, totalA, totalB int64
	for _, d := range days {
		sumPeakBytes += d.PeakStorageBytes
		totalA += d.ClassA
		totalB += d.ClassB
	}

	sumPeakGiB := float64(sumPeakBytes) / bytesPerGiB
	avgGBMonth := math.Ceil(sumPeakGiB / 30)
	billableGBMonth := avgGBMonth - freeStorageGBMonth
	if billableGBMonth < 0 {
		billableGBMonth = 0
	}
	storageCost := billableGBMonth * storageUnitPricePerGB

	overA := totalA - classAFreeOps
	if overA < 0 {
		overA = 0
	}
	unitsA := ceilDiv(overA, classAPricingBatch)
	costA := float64(unitsA) * classAUnitPrice

	overB := totalB - classBFreeOps
	if overB < 0 {
		overB = 0
	}
	unitsB := ceilDiv(overB, classBPricingBatch)
	costB := float64(unitsB) * classBUnitPrice

	return CostReport{
		Month:              month,
		SumPeakGiB:         sumPeakGiB,
		AvgGBMonth:         avgGBMonth,
		BillableGBMonth:    billableGBMonth,
		StorageCost:        storageCost,
		TotalClassAOps:     totalA,
		ClassAOverageUnits: unitsA,
		ClassACost:         costA,
		TotalClassBOps:     totalB,
		ClassBOverageUnits: unitsB,
		ClassBCost:         costB,
		TotalCost:          storageCost + costA + costB,
	}
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
