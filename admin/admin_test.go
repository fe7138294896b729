package admin

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjl-/mailsrv/users"
)

func openTestDB(t *testing.T) *users.DB {
	t.Helper()
	db, err := users.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddRemoveUser(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AddUser(db, "alice@example.com", "s3cret", 0))
	assert.True(t, db.Authenticate("alice@example.com", "s3cret"))

	require.NoError(t, SetPassword(db, "alice@example.com", "new"))
	assert.True(t, db.Authenticate("alice@example.com", "new"))

	require.NoError(t, RemoveUser(db, "alice@example.com"))
	assert.False(t, db.Exists("alice@example.com"))
}

func TestAddUserRejectsMalformedAddress(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, AddUser(db, "not-an-address", "s3cret", 0))
}

func TestListUsersSorted(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AddUser(db, "bob@example.com", "s3cret", 0))
	require.NoError(t, AddUser(db, "alice@example.com", "s3cret", 0))

	all, err := ListUsers(db)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice@example.com", all[0].Address())
	assert.Equal(t, "bob@example.com", all[1].Address())
}

func TestDomainLifecycle(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AddDomain(db, "example.com"))
	domains, err := ListDomains(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, domains)

	require.NoError(t, RemoveDomain(db, "example.com"))
	domains, err = ListDomains(db)
	require.NoError(t, err)
	assert.Empty(t, domains)
}
