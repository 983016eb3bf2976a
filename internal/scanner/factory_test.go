package scanner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/scanner/scannertest"
)

func fakeFactory(backends ...*scannertest.Memory) *scanner.Factory {
	f := scanner.NewFactory()
	order := make([]string, 0, len(backends))
	for _, m := range backends {
		m := m
		f.Register(m.Name(), func(scanner.Config) scanner.Accessor { return m })
		order = append(order, m.Name())
	}
	f.SetOrder(order...)
	return f
}

func TestFactoryPrefersConfiguredBackend(t *testing.T) {
	first := scannertest.NewMemory("first", 1)
	second := scannertest.NewMemory("second", 2)
	f := fakeFactory(first, second)

	eng, err := f.Open(context.Background(), scanner.Config{Target: target, Preferred: "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", eng.Info().Backend)
	assert.False(t, first.Attached())
}

func TestFactoryFallsThrough(t *testing.T) {
	first := scannertest.NewMemory("first", 1)
	first.FailAttach(errors.New("no ptrace"))
	second := scannertest.NewMemory("second", 2)
	f := fakeFactory(first, second)

	eng, err := f.Open(context.Background(), scanner.Config{Target: target})
	require.NoError(t, err)
	assert.Equal(t, "second", eng.Info().Backend)
	assert.Equal(t, 2, eng.Info().PID)
}

func TestFactoryUnknownPreferredUsesDefaultOrder(t *testing.T) {
	first := scannertest.NewMemory("first", 1)
	f := fakeFactory(first)

	eng, err := f.Open(context.Background(), scanner.Config{Target: target, Preferred: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "first", eng.Info().Backend)
}

func TestFactoryProcessNotFoundFallsThrough(t *testing.T) {
	local := scannertest.NewMemory("local", 1)
	local.FailAttach(scanner.ErrProcessNotFound)
	remote := scannertest.NewMemory("remote", 2)
	f := fakeFactory(local, remote)

	eng, err := f.Open(context.Background(), scanner.Config{Target: target, Preferred: "local"})
	require.NoError(t, err)
	assert.Equal(t, "remote", eng.Info().Backend)
	assert.True(t, remote.Attached())
}

func TestFactoryProcessNotFoundReported(t *testing.T) {
	tests := []struct {
		name       string
		secondFail error
		want       error
	}{
		{"every backend missed the process", scanner.ErrProcessNotFound, scanner.ErrProcessNotFound},
		{"other backend not configured", fmt.Errorf("%w: no address", scanner.ErrBackendUnavailable), scanner.ErrProcessNotFound},
		{"other backend failed for another reason", errors.New("bang"), scanner.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := scannertest.NewMemory("first", 1)
			first.FailAttach(scanner.ErrProcessNotFound)
			second := scannertest.NewMemory("second", 2)
			second.FailAttach(tt.secondFail)

			_, err := fakeFactory(first, second).Open(context.Background(), scanner.Config{Target: target})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFactoryAllFail(t *testing.T) {
	first := scannertest.NewMemory("first", 1)
	first.FailAttach(errors.New("boom"))
	second := scannertest.NewMemory("second", 2)
	second.FailAttach(errors.New("bang"))

	_, err := fakeFactory(first, second).Open(context.Background(), scanner.Config{Target: target})
	require.ErrorIs(t, err, scanner.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "bang")

	second.FailAttach(scanner.ErrPermissionDenied)
	_, err = fakeFactory(first, second).Open(context.Background(), scanner.Config{Target: target})
	assert.ErrorIs(t, err, scanner.ErrPermissionDenied)
}

func TestFactoryRejectsInvalidTarget(t *testing.T) {
	_, err := scanner.NewFactory().Open(context.Background(), scanner.Config{})
	assert.ErrorIs(t, err, scanner.ErrInvalidTarget)
}

func TestFactoryBackends(t *testing.T) {
	f := scanner.NewFactory()
	assert.Equal(t, []string{"gdbstub", "procmem"}, f.Backends())

	f.Register("fake", func(scanner.Config) scanner.Accessor { return scannertest.NewMemory("fake", 1) })
	assert.Equal(t, []string{"fake", "gdbstub", "procmem"}, f.Backends())
}
