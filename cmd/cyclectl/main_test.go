package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/blob"
	"fieldops/internal/config"
	"fieldops/internal/core"
	"fieldops/pkg/domain"
)

var planted = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	sqlitePath string
	blobRoot   string
	blocID     string
	cycleID    string
}

// setupEnv points the CLI at a fresh sqlite file and blob directory.
func setupEnv(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{sqlitePath: filepath.Join(dir, "ops.db"), blobRoot: filepath.Join(dir, "blobs")}
	for _, key := range []string{config.EnvConfigFile, config.EnvCacheTTL, config.EnvFetchLimit, config.EnvLogFormat, config.EnvMetrics, core.EnvPostgresDSN} {
		t.Setenv(key, "")
	}
	t.Setenv(config.EnvLogLevel, "error")
	t.Setenv(core.EnvStorageDriver, "sqlite")
	t.Setenv(core.EnvSQLitePath, f.sqlitePath)
	t.Setenv(blob.EnvDriver, "fs")
	t.Setenv(blob.EnvFSRoot, f.blobRoot)
	return f
}

// seed writes one bloc with an active cycle and a costed operation.
func seed(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	backend, err := core.OpenBackendWith(core.StorageSQLite, f.sqlitePath, "")
	require.NoError(t, err)
	svc := core.NewService(backend, core.WithClock(core.ClockFunc(func() time.Time { return planted })))
	bloc, err := svc.CreateBloc(ctx, domain.Bloc{Name: "North", AreaHectares: 25.5})
	require.NoError(t, err)
	cycle, err := svc.StartCropCycle(ctx, domain.CropCycle{
		BlocID: bloc.ID, Type: domain.CyclePlantation, PlantingDate: planted, ExpectedYieldTonsPerHa: 80,
	})
	require.NoError(t, err)
	op, err := svc.CreateFieldOperation(ctx, domain.FieldOperation{CropCycleID: cycle.ID, Name: "Base Fertilizer", PlannedArea: 25.5})
	require.NoError(t, err)
	_, err = svc.AddLineItem(ctx, domain.LineItem{
		OwnerID: op.ID, Category: domain.LineProduct, Name: "Urea", EstimatedCost: decimal.NewFromInt(18000),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx))
	require.NoError(t, backend.(io.Closer).Close())
	f.blocID, f.cycleID = bloc.ID, cycle.ID
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRollupPrintsCycleTotals(t *testing.T) {
	f := setupEnv(t)
	seed(t, &f)

	out, err := run(t, "rollup", f.blocID, "--at", "2024-05-11")
	require.NoError(t, err)
	var reports []blocReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "North", reports[0].Name)
	require.Len(t, reports[0].Cycles, 1)
	c := reports[0].Cycles[0]
	assert.Equal(t, f.cycleID, c.CycleID)
	assert.Equal(t, domain.StageTillering, c.Stage)
	assert.InDelta(t, 100.0/360*100, c.ProgressPercent, 1e-9)
	assert.True(t, c.Totals.EstimatedTotalCost.Equal(decimal.NewFromInt(18000)), c.Totals.EstimatedTotalCost.String())
	assert.InDelta(t, 2040, c.Totals.ExpectedTotalYieldTons, 1e-9)
}

func TestRollupUnknownBloc(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "rollup", "missing")
	assert.Error(t, err)
}

func TestRollupRequiresBloc(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "rollup")
	assert.Error(t, err)
}

func TestStageCommand(t *testing.T) {
	setupEnv(t)
	cases := []struct {
		name  string
		args  []string
		stage domain.GrowthStage
		days  int
		pct   float64
	}{
		{"ratoon tillering", []string{"--type", "ratoon", "--planted", "2024-01-01", "--at", "2024-04-01"}, domain.StageTillering, 91, 91.0 / 300 * 100},
		{"plantation germination", []string{"--planted", "2024-01-01", "--at", "2024-01-11"}, domain.StageGermination, 10, 10.0 / 360 * 100},
		{"harvested", []string{"--planted", "2024-01-01", "--at", "2024-03-01", "--harvested", "2024-02-20"}, domain.StageHarvested, 60, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := run(t, append([]string{"stage"}, tc.args...)...)
			require.NoError(t, err)
			var got stageReport
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, tc.stage, got.Stage)
			assert.Equal(t, tc.days, got.Days)
			assert.InDelta(t, tc.pct, got.ProgressPercent, 1e-9)
		})
	}
}

func TestStageRejectsBadInput(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "stage", "--type", "orchard", "--planted", "2024-01-01")
	assert.ErrorContains(t, err, "invalid cycle type")
	_, err = run(t, "stage", "--planted", "01/02/2024")
	assert.ErrorContains(t, err, "invalid date")
	_, err = run(t, "stage")
	assert.Error(t, err, "planted is required")
}

func TestArchiveSaveListRestore(t *testing.T) {
	f := setupEnv(t)
	seed(t, &f)

	out, err := run(t, "archive", "save", f.blocID)
	require.NoError(t, err)
	var info blob.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.True(t, strings.HasPrefix(info.Key, "snapshots/"), info.Key)

	out, err = run(t, "archive", "list")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, info.Key+"\t"), out)

	// An empty backend proves the restored rollup comes from the archive.
	t.Setenv(core.EnvStorageDriver, "memory")
	out, err = run(t, "archive", "restore", "--at", "2024-05-11")
	require.NoError(t, err)
	var reports []blocReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Cycles, 1)
	assert.Equal(t, f.cycleID, reports[0].Cycles[0].CycleID)
	assert.True(t, reports[0].Cycles[0].Totals.EstimatedTotalCost.Equal(decimal.NewFromInt(18000)))
}

func TestArchiveRestoreWithoutArchives(t *testing.T) {
	setupEnv(t)
	t.Setenv(core.EnvStorageDriver, "memory")
	_, err := run(t, "archive", "restore")
	assert.ErrorContains(t, err, "no snapshot found")
}

func TestInvalidConfigFails(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "stage", "--planted", "2024-01-01")
	assert.ErrorContains(t, err, "read config")
}
