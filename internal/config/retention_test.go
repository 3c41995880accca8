package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRetentionFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retention.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRetentionHolderLoadsFile(t *testing.T) {
	path := writeRetentionFile(t, `
retention:
  default:
    last_n: 5
    grace_days: 10
    grace_allowed_actions: [view, billing]
  products:
    "42":
      monthly_months: 12
`)

	holder, err := NewRetentionPolicyHolder(Config{RetentionConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	settings := holder.Get()
	global := settings.Global()
	assert.Equal(t, 5, global.LastN)
	assert.Equal(t, 10, global.GraceDays)
	assert.Equal(t, 7, global.DailyDays)
	assert.Equal(t, []string{"view", "billing"}, global.GraceAllowedActions)

	product := settings.Product(42)
	require.NotNil(t, product.MonthlyMonths)
	assert.Equal(t, 12, *product.MonthlyMonths)
	assert.True(t, settings.Product(7).IsZero())
}

func TestRetentionHolderRejectsInvalidFile(t *testing.T) {
	cases := map[string]string{
		"negative": "retention:\n  default:\n    last_n: -1\n",
		"action":   "retention:\n  default:\n    grace_allowed_actions: [delete]\n",
		"key":      "retention:\n  products:\n    pro:\n      last_n: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRetentionPolicyHolder(Config{RetentionConfigPath: writeRetentionFile(t, body)}, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestRetentionHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewRetentionPolicyHolder(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, holder.Get().Global().LastN)
}
