package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimitFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/queues/data-validation/jobs/j1/logs", nil)
	limit, err := limitFromQuery(r, 200)
	require.NoError(t, err)
	require.Equal(t, 200, limit, "missing limit falls back to the default")

	r = httptest.NewRequest("GET", "/alerts?limit=25", nil)
	limit, err = limitFromQuery(r, 100)
	require.NoError(t, err)
	require.Equal(t, 25, limit)

	for _, bad := range []string{"0", "-3", "ten"} {
		r = httptest.NewRequest("GET", "/alerts?limit="+bad, nil)
		_, err = limitFromQuery(r, 100)
		require.Error(t, err, "limit %q is rejected", bad)
	}
}
