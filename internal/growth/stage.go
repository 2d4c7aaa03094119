// Package growth derives the phenological stage of a crop cycle from the time
// elapsed since planting.
package growth

import (
	"math"
	"time"

	"fieldops/pkg/domain"
)

const day = 24 * time.Hour

type threshold struct {
	from  int
	stage domain.GrowthStage
}

// Thresholds are the first day (inclusive) of each stage; the last stage is
// open-ended.
var (
	plantationStages = []threshold{
		{0, domain.StageGermination},
		{30, domain.StageTillering},
		{120, domain.StageGrandGrowth},
		{270, domain.StageMaturation},
		{360, domain.StageRipening},
	}
	ratoonStages = []threshold{
		{0, domain.StageSprouting},
		{60, domain.StageTillering},
		{150, domain.StageGrandGrowth},
		{240, domain.StageMaturation},
		{300, domain.StageRipening},
	}
)

// DaysSincePlanting returns the whole days elapsed between planting and now.
// A now before planting counts as day zero.
func DaysSincePlanting(planting, now time.Time) int {
	if planting.IsZero() || !now.After(planting) {
		return 0
	}
	return int(math.Floor(float64(now.Sub(planting)) / float64(day)))
}

// Stage maps a cycle type and elapsed days to a growth stage. Unknown cycle
// types follow the plantation table.
func Stage(cycleType domain.CycleType, days int) domain.GrowthStage {
	table := plantationStages
	if cycleType == domain.CycleRatoon {
		table = ratoonStages
	}
	stage := table[0].stage
	for _, t := range table {
		if days < t.from {
			break
		}
		stage = t.stage
	}
	return stage
}

// StageAt returns the stage of a cycle at now. A cycle with a harvest date is
// harvested regardless of elapsed time.
func StageAt(cycle domain.CropCycle, now time.Time) domain.GrowthStage {
	if cycle.HarvestDate != nil {
		return domain.StageHarvested
	}
	return Stage(cycle.Type, DaysSincePlanting(cycle.PlantingDate, now))
}

// NominalDays is the length of a cycle up to the start of ripening.
func NominalDays(cycleType domain.CycleType) int {
	if cycleType == domain.CycleRatoon {
		return ratoonStages[len(ratoonStages)-1].from
	}
	return plantationStages[len(plantationStages)-1].from
}

// Progress returns the percentage (0-100) of the nominal cycle elapsed at now.
func Progress(cycle domain.CropCycle, now time.Time) float64 {
	if cycle.HarvestDate != nil {
		return 100
	}
	days := DaysSincePlanting(cycle.PlantingDate, now)
	pct := 100 * float64(days) / float64(NominalDays(cycle.Type))
	return math.Min(pct, 100)
}

// Decorate returns a copy of the cycle with GrowthStage filled in for now.
func Decorate(cycle domain.CropCycle, now time.Time) domain.CropCycle {
	cycle.GrowthStage = StageAt(cycle, now)
	return cycle
}
