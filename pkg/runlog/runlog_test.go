package runlog_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/akaBetsy/cpss/pkg/runlog"
	"github.com/akaBetsy/cpss/pkg/types"
)

func TestLog_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "modat_host.csv")
	fake := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))

	l, err := runlog.New(path, runlog.WithClock(fake))
	require.NoError(t, err)

	require.NoError(t, l.Append("example.com", types.StatusOK, 42))
	require.NoError(t, l.Append("example.org", types.StatusSkipExists, 0))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "subject,status,results,timestamp\n"+
		"example.com,OK,42,2025-06-01T09:30:00Z\n"+
		"example.org,SKIP_EXISTS,0,2025-06-01T09:30:00Z\n", string(b))
}

func TestLog_ExistingFileKeepsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	fake := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))

	l, err := runlog.New(path, runlog.WithClock(fake))
	require.NoError(t, err)
	require.NoError(t, l.Append("example.com", types.StatusFail, 0))

	// Reopen: header must not be duplicated.
	l, err = runlog.New(path, runlog.WithClock(fake))
	require.NoError(t, err)
	require.NoError(t, l.Append("example.net", types.StatusOK, 1))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "subject,status,results,timestamp\n"+
		"example.com,FAIL,0,2025-06-01T09:30:00Z\n"+
		"example.net,OK,1,2025-06-01T09:30:00Z\n", string(b))
}
