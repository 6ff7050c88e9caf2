package usage

import "testing"

func TestMonthCostWithinFreeTierIsZero(t *testing.T) {
	days := []DailyLedger{
		{PeakStorageBytes: 5 * bytesPerGiB, ClassA: 1000, ClassB: 2000},
	}
	report := MonthCost("2026-07", days)

	if report.BillableGBMonth != 0 {
		t.Errorf("BillableGBMonth = %v, want 0 (within free tier)", report.BillableGBMonth)
	}
	if report.StorageCost != 0 {
		t.Errorf("StorageCost = %v, want 0", report.StorageCost)
	}
	if report.ClassACost != 0 || report.ClassBCost != 0 {
		t.Errorf("ClassACost/ClassBCost = %v/%v, want 0/0", report.ClassACost, report.ClassBCost)
	}
	if report.TotalCost != 0 {
		t.Errorf("TotalCost = %v, want 0", report.TotalCost)
	}
}

func TestMonthCostBillsOverageAboveFreeTier(t *testing.T) {
	// 40 GiB peak every day of a 30-day month -> avgGBMonth = ceil(40) = 40,
	// billable = 40-10 = 30 GB-month.
	days := make([]DailyLedger, 30)
	for i := range days {
		days[i] = DailyLedger{PeakStorageBytes: 40 * bytesPerGiB}
	}
	report := MonthCost("2026-07", days)

	if report.AvgGBMonth != 40 {
		t.Errorf("AvgGBMonth = %v, want 40", report.AvgGBMonth)
	}
	if report.BillableGBMonth != 30 {
		t.Errorf("BillableGBMonth = %v, want 30", report.BillableGBMonth)
	}
	wantStorageCost := 30 * storageUnitPricePerGB
	if report.StorageCost != wantStorageCost {
		t.Errorf("StorageCost = %v, want %v", report.StorageCost, wantStorageCost)
	}
}

func TestMonthCostClassAOverageRoundsUpToWholeUnits(t *testing.T) {
	days := []DailyLedger{
		{ClassA: classAFreeOps + 1}, // 1 op over -> 1 full billing unit
	}
	report := MonthCost("2026-07", days)

	if report.ClassAOverageUnits != 1 {
		t.Errorf("ClassAOverageUnits = %d, want 1", report.ClassAOverageUnits)
	}
	if report.ClassACost != classAUnitPrice {
		t.Errorf("ClassACost = %v, want %v", report.ClassACost, classAUnitPrice)
	}
}

func TestMonthCostClassBOverageRoundsUpToWholeUnits(t *testing.T) {
	days := []DailyLedger{
		{ClassB: classBFreeOps + classBPricingBatch + 1}, // just over 1 unit -> 2 billed units
	}
	report := MonthCost("2026-07", days)

	if report.ClassBOverageUnits != 2 {
		t.Errorf("ClassBOverageUnits = %d, want 2", report.ClassBOverageUnits)
	}
	wantCost := 2 * classBUnitPrice
	if report.ClassBCost != wantCost {
		t.Errorf("ClassBCost = %v, want %v", report.ClassBCost, wantCost)
	}
}

func TestMonthCostSumsAllComponentsIntoTotal(t *testing.T) {
	days := []DailyLedger{
		{PeakStorageBytes: 40 * bytesPerGiB, ClassA: classAFreeOps + classAPricingBatch, ClassB: classBFreeOps + classBPricingBatch},
	}
	report := MonthCost("2026-07", days)

	want := report.StorageCost + report.ClassACost + report.ClassBCost
	if report.TotalCost != want {
		t.Errorf("TotalCost = %v, want sum of components %v", report.TotalCost, want)
	}
}

func TestCeilDivHandlesNonPositiveNumerator(t *testing.T) {
	if got := ceilDiv(0, 100); got != 0 {
		t.Errorf("ceilDiv(0,100) = %d, want 0", got)
	}
	if got := ceilDiv(-5, 100); got != 0 {
		t.Errorf("ceilDiv(-5,100) = %d, want 0", got)
	}
	if got := ceilDiv(101, 100); got != 2 {
		t.Errorf("ceilDiv(101,100) = %d, want 2", got)
	}
}
