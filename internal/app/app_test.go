package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mithla/internal/attendance"
	"mithla/internal/config"
	"mithla/internal/students"
)

func memoryConfig() config.App {
	cfg := config.Load()
	cfg.StoreBackend = config.BackendMemory
	cfg.QueueBackend = config.BackendMemory
	cfg.RateLimitBackend = config.BackendMemory
	cfg.SweepSchedule = "@every 1h"
	cfg.EvictionSchedule = "@every 1h"
	return cfg
}

func TestMemoryBackendsNeedNoNetwork(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.DB)
	assert.Nil(t, b.Redis)
	assert.Empty(t, b.Healthy(ctx))
}

func TestDeletedStudentTriggersSweep(t *testing.T) {
	cfg := memoryConfig()
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Open(ctx, cfg, log)
	require.NoError(t, err)
	defer b.Close()
	svc := Build(b, cfg, log, prometheus.NewRegistry())

	stop, err := svc.StartBackground(ctx, cfg, b.Queue, log)
	require.NoError(t, err)
	defer func() {
		cancel()
		stop()
	}()

	st, err := svc.Students.Create(ctx, students.NewStudent{
		RollNo: 1, Name: "A", FatherName: "F", Section: "A", Class: "BCA 1ST YEAR", Session: "2023-2099", Semester: "1",
	})
	require.NoError(t, err)
	session := attendance.Session{SessionKey: st.Key(), TeacherID: "t-1", TeacherName: "T"}
	_, err = svc.Coordinator.RecordAttendance(ctx, session, attendance.Submission{
		Period: 1, Subject: "DBMS", Statuses: map[string]attendance.Status{st.ID: attendance.StatusPresent},
	})
	require.NoError(t, err)
	_, err = svc.Feeds.Post(ctx, st.ID, "hello")
	require.NoError(t, err)

	require.NoError(t, svc.Students.Delete(ctx, st.ID))

	assert.Eventually(t, func() bool {
		facts, err := b.Ledger.ListByStudent(ctx, st.ID, attendance.Range{})
		return err == nil && len(facts) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		stats, err := svc.Feeds.Stats(ctx)
		return err == nil && stats.Total == 0
	}, 3*time.Second, 20*time.Millisecond)
}
