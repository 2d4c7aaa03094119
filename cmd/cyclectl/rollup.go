package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"fieldops/internal/core"
	"fieldops/pkg/domain"
)

type cycleReport struct {
	CycleID         string             `json:"cycle_id"`
	Type            domain.CycleType   `json:"type"`
	CycleNumber     int                `json:"cycle_number"`
	Status          domain.CycleStatus `json:"status"`
	Stage           domain.GrowthStage `json:"growth_stage"`
	ProgressPercent float64            `json:"progress_percent"`
	Totals          domain.CycleTotals `json:"totals"`
}

type blocReport struct {
	BlocID       string        `json:"bloc_id"`
	Name         string        `json:"name"`
	AreaHectares float64       `json:"area_hectares"`
	Cycles       []cycleReport `json:"cycles"`
}

func newRollupCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "rollup BLOC_ID...",
		Short: "Fetch blocs from the backend and print their cycle totals as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseDate(at, a.now())
			if err != nil {
				return err
			}
			svc, cleanup, err := a.openService(when)
			if err != nil {
				return err
			}
			defer cleanup()
			if _, err := svc.FetchMany(cmd.Context(), args); err != nil {
				return fmt.Errorf("fetch blocs: %w", err)
			}
			reports, err := buildReports(svc, args)
			if err != nil {
				return err
			}
			return writeJSON(a.out, reports)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference date for growth stages (YYYY-MM-DD, default today)")
	return cmd
}

// buildReports reads cached blocs only; callers fetch or import first.
func buildReports(svc *core.Service, blocIDs []string) ([]blocReport, error) {
	reports := make([]blocReport, 0, len(blocIDs))
	for _, id := range blocIDs {
		root, ok := svc.Tree(id)
		if !ok {
			return nil, domain.NodeNotFound{Kind: domain.KindBloc, ID: id}
		}
		bloc := root.Record.(domain.Bloc)
		report := blocReport{BlocID: bloc.ID, Name: bloc.Name, AreaHectares: bloc.AreaHectares, Cycles: []cycleReport{}}
		for _, cycle := range svc.Store().Cycles(bloc.ID) {
			totals, err := svc.Totals(cycle.ID)
			if err != nil {
				return nil, err
			}
			progress, err := svc.GrowthProgress(cycle.ID)
			if err != nil {
				return nil, err
			}
			report.Cycles = append(report.Cycles, cycleReport{
				CycleID:         cycle.ID,
				Type:            cycle.Type,
				CycleNumber:     cycle.CycleNumber,
				Status:          cycle.Status,
				Stage:           cycle.GrowthStage,
				ProgressPercent: progress,
				Totals:          totals,
			})
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
