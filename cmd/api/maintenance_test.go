package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smartlog/internal/session"
)

type fakeCleaner struct {
	days []int
	err  error
}

func (f *fakeCleaner) CleanupOldSessions(_ context.Context, daysOld int) (session.CleanupResult, error) {
	f.days = append(f.days, daysOld)
	return session.CleanupResult{DeletedSessions: 2}, f.err
}

type fakePurger struct {
	cutoffs []time.Time
}

func (f *fakePurger) PurgeLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 5, nil
}

func TestCleanupCycleRunsBothRetentions(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("partition busy")}
	purger := &fakePurger{}

	runCleanupCycle(context.Background(), zap.NewNop(), cleaner, purger, maintenanceSettings{
		sessionRetentionDays:  30,
		activityRetentionDays: 90,
	})

	require.Equal(t, []int{30}, cleaner.days)
	require.Len(t, purger.cutoffs, 1)
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -90), purger.cutoffs[0], time.Minute)
}

func TestCleanupCycleSkipsPurgeWithoutRetention(t *testing.T) {
	cleaner := &fakeCleaner{}
	purger := &fakePurger{}

	runCleanupCycle(context.Background(), zap.NewNop(), cleaner, purger, maintenanceSettings{sessionRetentionDays: 7})
	require.Empty(t, purger.cutoffs)
}

func TestMaintenanceLoopDisabled(t *testing.T) {
	cleaner := &fakeCleaner{}
	startMaintenanceLoop(context.Background(), zap.NewNop(), cleaner, &fakePurger{}, maintenanceSettings{})
	require.Empty(t, cleaner.days)
}

func TestMaintenanceLoopStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cleaner := &fakeCleaner{}
	done := make(chan struct{})
	go func() {
		startMaintenanceLoop(ctx, zap.NewNop(), cleaner, &fakePurger{}, maintenanceSettings{interval: time.Hour, sessionRetentionDays: 1})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
