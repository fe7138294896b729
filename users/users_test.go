package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHashPasswordFormat(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.Regexp(t, `^\$pbkdf2-sha256\$100000\$[0-9a-f]{32}\$[0-9a-f]{64}$`, hash)
	assert.True(t, verifyPassword(hash, "hunter2"))
	assert.False(t, verifyPassword(hash, "wrong"))
}

func TestAuthenticate(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AddUser("alice", "example.com", "s3cret", 0))

	assert.True(t, db.Authenticate("alice@example.com", "s3cret"))
	assert.False(t, db.Authenticate("alice@example.com", "wrong"))
	assert.False(t, db.Authenticate("bob@example.com", "s3cret"))
	assert.False(t, db.Authenticate("not-an-address", "s3cret"))

	assert.True(t, db.Exists("alice@example.com"))
	assert.False(t, db.Exists("bob@example.com"))
}

func TestDeactivatedUserCannotAuthenticate(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AddUser("alice", "example.com", "s3cret", 0))
	u, err := db.Lookup("alice@example.com")
	require.NoError(t, err)
	u.Active = false
	require.NoError(t, db.db.Update(context.Background(), u))

	assert.False(t, db.Authenticate("alice@example.com", "s3cret"))
	assert.False(t, db.Exists("alice@example.com"))
}

func TestLocalDomains(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AddDomain("example.com"))
	assert.True(t, db.IsLocalDomain("example.com"))
	assert.True(t, db.IsLocalDomain("EXAMPLE.COM"))
	assert.False(t, db.IsLocalDomain("other.com"))

	require.NoError(t, db.DeleteDomain("example.com"))
	assert.False(t, db.IsLocalDomain("example.com"))
}

func TestSetPasswordAndDeleteUser(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AddUser("alice", "example.com", "old", 0))
	require.NoError(t, db.SetPassword("alice", "example.com", "new"))
	assert.False(t, db.Authenticate("alice@example.com", "old"))
	assert.True(t, db.Authenticate("alice@example.com", "new"))

	require.NoError(t, db.DeleteUser("alice", "example.com"))
	assert.False(t, db.Exists("alice@example.com"))
}
