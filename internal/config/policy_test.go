package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconcilePolicyHolderLoadsFromFile(t *testing.T) {
	dir := t.TempDir()
	body := "reconcile:\n  epsilon: 0.01\n  minCorrection: 0.5\n  alertCooldownDays: 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metersync.yml"), []byte(body), 0o644))
	t.Chdir(dir)

	holder, err := NewReconcilePolicyHolder(zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, ReconcilePolicy{Epsilon: 0.01, MinCorrection: 0.5, AlertCooldownDays: 3}, holder.Get())
}

func TestReconcilePolicyHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewReconcilePolicyHolder(zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, DefaultReconcilePolicy(), holder.Get())
}

func TestValidateReconcilePolicy(t *testing.T) {
	require.NoError(t, validateReconcilePolicy(DefaultReconcilePolicy()))
	require.Error(t, validateReconcilePolicy(ReconcilePolicy{Epsilon: -0.1, MinCorrection: 0, AlertCooldownDays: 1}))
	require.Error(t, validateReconcilePolicy(ReconcilePolicy{Epsilon: 0.01, MinCorrection: -1, AlertCooldownDays: 1}))
	require.Error(t, validateReconcilePolicy(ReconcilePolicy{Epsilon: 0.01, MinCorrection: 0, AlertCooldownDays: 0}))
}
