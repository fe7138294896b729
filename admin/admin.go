// Package admin implements the operations behind the administrative CLI:
// adding and removing users and local-delivery domains against the
// credential store, in the teacher's admin-package style (a thin layer over
// the store, kept separate from command-line flag parsing in main).
package admin

import (
	"fmt"
	"sort"

	"github.com/mjl-/mailsrv/users"
)

func splitAddr(addr string) (local, domain string, ok bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			if i == 0 || i == len(addr)-1 {
				return "", "", false
			}
			return addr[:i], addr[i+1:], true
		}
	}
	return "", "", false
}

// AddUser creates a user from an "local@domain" address.
func AddUser(db *users.DB, addr, password string, quotaBytes int64) error {
	local, domain, ok := splitAddr(addr)
	if !ok {
		return fmt.Errorf("address %q must be local@domain", addr)
	}
	return db.AddUser(local, domain, password, quotaBytes)
}

// RemoveUser deletes a user by address.
func RemoveUser(db *users.DB, addr string) error {
	local, domain, ok := splitAddr(addr)
	if !ok {
		return fmt.Errorf("address %q must be local@domain", addr)
	}
	return db.DeleteUser(local, domain)
}

// SetPassword changes a user's password by address.
func SetPassword(db *users.DB, addr, password string) error {
	local, domain, ok := splitAddr(addr)
	if !ok {
		return fmt.Errorf("address %q must be local@domain", addr)
	}
	return db.SetPassword(local, domain, password)
}

// ListUsers returns all users, sorted by address for stable CLI output.
func ListUsers(db *users.DB) ([]users.User, error) {
	all, err := db.ListUsers()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Address() < all[j].Address() })
	return all, nil
}

// AddDomain registers domain for local delivery.
func AddDomain(db *users.DB, domain string) error {
	return db.AddDomain(domain)
}

// RemoveDomain drops domain from local delivery.
func RemoveDomain(db *users.DB, domain string) error {
	return db.DeleteDomain(domain)
}

// ListDomains returns all locally-delivered domains.
func ListDomains(db *users.DB) ([]string, error) {
	return db.ListDomains()
}
