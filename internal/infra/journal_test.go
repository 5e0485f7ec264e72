package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packline/brokerd/internal/domain"
)

func newTestJournal(t *testing.T) (*EncryptedJournal, string) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := newJournalKey()
	require.NoError(t, err)

	j, err := NewEncryptedJournal(dataDir, key)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, dataDir
}

func TestEncryptedJournal_RecordAndRecent(t *testing.T) {
	j, _ := newTestJournal(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(domain.StatusChange{Old: domain.StateStopped, New: domain.StateStarting, At: at}))
	require.NoError(t, j.Record(domain.StatusChange{
		Old: domain.StateStarting, New: domain.StateRunning,
		Address: "192.168.1.20", Port: 1884, At: at.Add(time.Second),
	}))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, domain.StateRunning, entries[0].New, "newest first")
	assert.Equal(t, "192.168.1.20", entries[0].Address)
	assert.Equal(t, 1884, entries[0].Port)
	assert.True(t, entries[0].Recorded.Equal(at.Add(time.Second)))
	assert.Equal(t, domain.StateStopped, entries[1].Old)
	assert.Greater(t, entries[0].ID, entries[1].ID)
}

func TestEncryptedJournal_RecentLimit(t *testing.T) {
	j, _ := newTestJournal(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(domain.StatusChange{Old: domain.StateStopped, New: domain.StateStarting}))
	}

	entries, err := j.Recent(3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestEncryptedJournal_Retention(t *testing.T) {
	j, _ := newTestJournal(t)
	j.retention = 3
	for i := 0; i < 6; i++ {
		require.NoError(t, j.Record(domain.StatusChange{Old: domain.StateStopped, New: domain.StateRunning, Port: 1883 + i}))
	}

	entries, err := j.Recent(100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1888, entries[0].Port)
	assert.Equal(t, 1886, entries[2].Port)
}

func TestEncryptedJournal_ReopenWithSameKey(t *testing.T) {
	dataDir := t.TempDir()
	j, err := OpenJournal(dataDir)
	require.NoError(t, err)
	require.NoError(t, j.Record(domain.StatusChange{Old: domain.StateRunning, New: domain.StateFailed}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(dataDir)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StateFailed, entries[0].New)
}

func TestEncryptedJournal_WrongKeyFails(t *testing.T) {
	j, dataDir := newTestJournal(t)
	require.NoError(t, j.Record(domain.StatusChange{New: domain.StateRunning}))
	require.NoError(t, j.Close())

	other, err := newJournalKey()
	require.NoError(t, err)

	_, err = NewEncryptedJournal(dataDir, other)
	assert.Error(t, err)
}
