package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arkilian/devicestore/internal/config"
	"github.com/arkilian/devicestore/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "ds")
	cfg.Buffer.Durable = true
	cfg.Buffer.FlushInterval = 10 * time.Millisecond
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.GRPC.Enabled = false
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Type = "hbase"
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestApp_RestartKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	s := a.Store()
	site, err := s.CreateSite(ctx, &types.SiteCreateRequest{Name: "Plant"})
	require.NoError(t, err)
	spec, err := s.CreateSpecification(ctx, &types.SpecificationCreateRequest{Name: "Thermostat"})
	require.NoError(t, err)
	_, err = s.CreateDevice(ctx, &types.DeviceCreateRequest{
		HardwareID:         "hw-1",
		SiteToken:          site.Token,
		SpecificationToken: spec.Token,
	})
	require.NoError(t, err)
	asg, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.NoError(t, err)

	m, err := s.AddMeasurements(ctx, asg.Token, &types.MeasurementsCreateRequest{
		Measurements: map[string]float64{"temp": 20.5},
	})
	require.NoError(t, err)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))

	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	got, err := b.Store().GetSite(ctx, site.Token, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Plant", got.Name)

	res, err := b.Store().ListForAssignment(ctx, asg.Token, types.EventMeasurements, types.DateRangeSearchCriteria{})
	require.NoError(t, err)
	require.Equal(t, 1, res.NumResults)
	assert.Equal(t, m.ID, res.Results[0].Base().ID)

	ids, err := b.Snapshots().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApp_GRPCHealth(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Type = "memory"
	cfg.GRPC.Enabled = true

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	addr := a.GRPCAddr()
	require.NotEmpty(t, addr)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
