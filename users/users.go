// Package users implements the credential store the protocol cores consume
// as a collaborator: user records keyed by (local, domain), PBKDF2-SHA256
// password hashing, and the local-domain table used for SMTP routing
// decisions.
//
// Storage is a single bstore/bbolt database, in the style of the teacher's
// store.Account: two typed tables (User and LocalDomain), opened once at
// startup and shared, guarded by the DB's own mutex, by all three protocol
// servers.
package users

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailsrv/mlog"
)

var xlog = mlog.New("users")

const (
	pbkdf2Iterations = 100_000
	pbkdf2SaltBytes  = 16
	pbkdf2KeyBytes   = 32
)

// User is a single (local, domain) credential and quota record.
type User struct {
	ID           int64
	Local        string `bstore:"nonzero,index Local+Domain"`
	Domain       string `bstore:"nonzero"`
	PasswordHash string `bstore:"nonzero"`
	QuotaBytes   int64
	UsedBytes    int64
	Active       bool
}

// Address returns the "local@domain" form.
func (u User) Address() string {
	return u.Local + "@" + u.Domain
}

// LocalDomain is a domain for which mail is delivered locally rather than
// relayed outbound.
type LocalDomain struct {
	ID     int64
	Domain string `bstore:"nonzero,unique"`
}

// DB is the credential store. All operations serialize on a single coarse
// mutex, per the spec's concurrency model for this out-of-core collaborator:
// the expected request rate does not warrant finer-grained locking.
type DB struct {
	mu sync.Mutex
	db *bstore.DB
}

// Open opens (creating if absent) the credential store at path.
func Open(path string) (*DB, error) {
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, User{}, LocalDomain{})
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %v", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// HashPassword returns a PBKDF2-SHA256 hash in the
// "$pbkdf2-sha256$<iter>$<salt>$<hex>" format, salt and digest hex-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %v", err)
	}
	digest := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyBytes, sha256.New)
	return fmt.Sprintf("$pbkdf2-sha256$%d$%s$%s", pbkdf2Iterations, hex.EncodeToString(salt), hex.EncodeToString(digest)), nil
}

// verifyPassword checks password against a "$pbkdf2-sha256$..." hash.
func verifyPassword(hash, password string) bool {
	parts := strings.Split(hash, "$")
	// parts[0] is empty (leading $), parts[1] is "pbkdf2-sha256".
	if len(parts) != 5 || parts[1] != "pbkdf2-sha256" {
		return false
	}
	var iter int
	if _, err := fmt.Sscanf(parts[2], "%d", &iter); err != nil || iter <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[4])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iter, len(want), sha256.New)
	if len(got) != len(want) {
		return false
	}
	var diff byte
	for i := range got {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}

// splitAddress splits "local@domain" and normalizes the local part to
// Unicode NFC, so that visually identical addresses typed with different
// combining-character sequences compare equal.
func splitAddress(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return norm.NFC.String(addr[:i]), addr[i+1:], true
}

// Authenticate reports whether user (in "local@domain" form) exists, is
// active, and password matches its stored hash.
func (d *DB) Authenticate(user, password string) bool {
	local, domain, ok := splitAddress(user)
	if !ok {
		return false
	}
	d.mu.Lock()
	u, err := d.lookup(local, domain)
	d.mu.Unlock()
	if err != nil || u == nil || !u.Active {
		xlog.Debug("authentication failed", mlog.Field("user", user))
		return false
	}
	return verifyPassword(u.PasswordHash, password)
}

// Exists reports whether addr (in "local@domain" form) names an active user.
func (d *DB) Exists(addr string) bool {
	local, domain, ok := splitAddress(addr)
	if !ok {
		return false
	}
	d.mu.Lock()
	u, err := d.lookup(local, domain)
	d.mu.Unlock()
	return err == nil && u != nil && u.Active
}

// IsLocalDomain reports whether domain is configured for local delivery.
func (d *DB) IsLocalDomain(domain string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := bstore.QueryDB[LocalDomain](context.Background(), d.db)
	q.FilterEqual("Domain", strings.ToLower(domain))
	exists, err := q.Exists()
	return err == nil && exists
}

func (d *DB) lookup(local, domain string) (*User, error) {
	q := bstore.QueryDB[User](context.Background(), d.db)
	q.FilterEqual("Local", local)
	q.FilterEqual("Domain", domain)
	u, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Lookup returns the user record for addr, if any.
func (d *DB) Lookup(addr string) (*User, error) {
	local, domain, ok := splitAddress(addr)
	if !ok {
		return nil, fmt.Errorf("malformed address %q", addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookup(local, domain)
}

// AddUser creates a new user record with a freshly hashed password.
func (d *DB) AddUser(local, domain, password string, quotaBytes int64) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, err := d.lookup(local, domain); err != nil {
		return err
	} else if u != nil {
		return fmt.Errorf("user %s@%s already exists", local, domain)
	}
	u := User{Local: local, Domain: domain, PasswordHash: hash, QuotaBytes: quotaBytes, Active: true}
	return d.db.Insert(context.Background(), &u)
}

// DeleteUser removes a user record.
func (d *DB) DeleteUser(local, domain string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(local, domain)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("no such user %s@%s", local, domain)
	}
	return d.db.Delete(context.Background(), u)
}

// SetPassword updates a user's password hash.
func (d *DB) SetPassword(local, domain, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(local, domain)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("no such user %s@%s", local, domain)
	}
	u.PasswordHash = hash
	return d.db.Update(context.Background(), u)
}

// AddUsedBytes adds delta (may be negative, for expunge) to a user's tracked
// usage. Tracked only; quota is never enforced at delivery time.
func (d *DB) AddUsedBytes(local, domain string, delta int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.lookup(local, domain)
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}
	u.UsedBytes += delta
	return d.db.Update(context.Background(), u)
}

// ListUsers returns all user records, for the admin CLI.
func (d *DB) ListUsers() ([]User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bstore.QueryDB[User](context.Background(), d.db).List()
}

// AddDomain registers domain for local delivery.
func (d *DB) AddDomain(domain string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Insert(context.Background(), &LocalDomain{Domain: strings.ToLower(domain)})
}

// DeleteDomain removes domain from local delivery.
func (d *DB) DeleteDomain(domain string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := bstore.QueryDB[LocalDomain](context.Background(), d.db)
	q.FilterEqual("Domain", strings.ToLower(domain))
	_, err := q.Delete()
	return err
}

// ListDomains returns all locally-delivered domains, for the admin CLI.
func (d *DB) ListDomains() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := bstore.QueryDB[LocalDomain](context.Background(), d.db).List()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Domain
	}
	return names, nil
}
