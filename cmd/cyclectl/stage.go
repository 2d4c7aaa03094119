package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fieldops/internal/growth"
	"fieldops/pkg/domain"
)

type stageReport struct {
	Type            domain.CycleType   `json:"type"`
	Days            int                `json:"days_since_planting"`
	Stage           domain.GrowthStage `json:"growth_stage"`
	ProgressPercent float64            `json:"progress_percent"`
}

func newStageCmd(a *app) *cobra.Command {
	var cycleType, planted, at, harvested string
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Compute the growth stage of a cycle planted on a given date",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ct := domain.CycleType(cycleType)
			if ct != domain.CyclePlantation && ct != domain.CycleRatoon {
				return fmt.Errorf("invalid cycle type %q: want plantation or ratoon", cycleType)
			}
			plantedOn, err := parseDate(planted, time.Time{})
			if err != nil {
				return err
			}
			when, err := parseDate(at, a.now())
			if err != nil {
				return err
			}
			cycle := domain.CropCycle{Type: ct, PlantingDate: plantedOn}
			if harvested != "" {
				h, err := parseDate(harvested, time.Time{})
				if err != nil {
					return err
				}
				cycle.HarvestDate = &h
			}
			return writeJSON(a.out, stageReport{
				Type:            ct,
				Days:            growth.DaysSincePlanting(plantedOn, when),
				Stage:           growth.StageAt(cycle, when),
				ProgressPercent: growth.Progress(cycle, when),
			})
		},
	}
	cmd.Flags().StringVar(&cycleType, "type", string(domain.CyclePlantation), "cycle type: plantation or ratoon")
	cmd.Flags().StringVar(&planted, "planted", "", "planting date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&at, "at", "", "reference date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&harvested, "harvested", "", "harvest date; a harvested cycle reports the harvested stage")
	_ = cmd.MarkFlagRequired("planted")
	return cmd
}
