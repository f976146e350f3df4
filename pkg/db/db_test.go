package db_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/akaBetsy/cpss/pkg/db"
	"github.com/akaBetsy/cpss/pkg/dbtest"
	"github.com/akaBetsy/cpss/pkg/types"
)

func TestConfig_PutCVERecord(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, db.Init(tempDir))

	score := 9.8
	record := types.CVERecord{
		CveID:     "CVE-2021-36260",
		FetchedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Cvss: types.CvssSummary{
			V31BaseScore:    &score,
			V31BaseSeverity: "CRITICAL",
			V31VectorString: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
		},
		NVD: json.RawMessage(`{"vulnerabilities":[]}`),
	}

	dbc := db.Config{}
	err := dbc.BatchUpdate(func(tx *bolt.Tx) error {
		return dbc.PutCVERecord(tx, record)
	})
	require.NoError(t, err)

	got, err := dbc.GetCVERecord("CVE-2021-36260")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	ids, err := dbc.CVEIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"CVE-2021-36260"}, ids)

	require.NoError(t, db.Close())

	dbtest.JSONEq(t, db.Path(tempDir), []string{"cve", "CVE-2021-36260"}, record)
}

func TestConfig_PutCVERecord_EmptyID(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, db.Init(tempDir))
	defer db.Close()

	dbc := db.Config{}
	err := dbc.BatchUpdate(func(tx *bolt.Tx) error {
		return dbc.PutCVERecord(tx, types.CVERecord{})
	})
	assert.ErrorContains(t, err, "empty CVE ID")
}

func TestConfig_Metadata(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, db.Init(tempDir))
	defer db.Close()

	meta := db.Metadata{
		Version:   db.SchemaVersion,
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Config{}.SetMetadata(meta))

	got, err := db.GetMetadata()
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestConfig_GetCVERecord_Missing(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, db.Init(tempDir))
	defer db.Close()

	_, err := db.Config{}.GetCVERecord("CVE-1999-0001")
	assert.ErrorContains(t, err, "no record for CVE-1999-0001")
}
