package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjl-/mailsrv/admin"
	"github.com/mjl-/mailsrv/config"
	mox "github.com/mjl-/mailsrv/mox-"
	"github.com/mjl-/mailsrv/users"
)

// openAdminDB opens the credential store at the DataDir named by the given
// config file, the same way cmdServe does.
func openAdminDB(configfile string) *users.DB {
	conf, err := config.Parse(configfile)
	xcheckf(err, "parsing config")
	dataDir := conf.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(filepath.Dir(configfile), dataDir)
	}
	db, err := users.Open(filepath.Join(dataDir, "users.db"))
	xcheckf(err, "opening credential store")
	return db
}

func cmdAdminUserAdd(args []string) {
	fs := xflagset("admin user add", "configfile user@domain [password]")
	var quota int64
	fs.Int64Var(&quota, "quota", 0, "quota in bytes, 0 for unlimited")
	fs.Parse(args)
	if fs.NArg() != 2 && fs.NArg() != 3 {
		fs.Usage()
		os.Exit(2)
	}
	password := ""
	if fs.NArg() == 3 {
		password = fs.Arg(2)
	} else {
		password = mox.GeneratePassword()
		fmt.Printf("generated password: %s\n", password)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	xcheckf(admin.AddUser(db, fs.Arg(1), password, quota), "adding user")
}

func cmdAdminUserRemove(args []string) {
	fs := xflagset("admin user rm", "configfile user@domain")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	xcheckf(admin.RemoveUser(db, fs.Arg(1)), "removing user")
}

func cmdAdminUserPasswd(args []string) {
	fs := xflagset("admin user passwd", "configfile user@domain password")
	fs.Parse(args)
	if fs.NArg() != 3 {
		fs.Usage()
		os.Exit(2)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	xcheckf(admin.SetPassword(db, fs.Arg(1), fs.Arg(2)), "setting password")
}

func cmdAdminUserList(args []string) {
	fs := xflagset("admin user list", "configfile")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	all, err := admin.ListUsers(db)
	xcheckf(err, "listing users")
	for _, u := range all {
		fmt.Printf("%s\tquota=%d\tused=%d\tactive=%v\n", u.Address(), u.QuotaBytes, u.UsedBytes, u.Active)
	}
}

func cmdAdminDomainAdd(args []string) {
	fs := xflagset("admin domain add", "configfile domain")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	xcheckf(admin.AddDomain(db, fs.Arg(1)), "adding domain")
}

func cmdAdminDomainRemove(args []string) {
	fs := xflagset("admin domain rm", "configfile domain")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	xcheckf(admin.RemoveDomain(db, fs.Arg(1)), "removing domain")
}

func cmdAdminDomainList(args []string) {
	fs := xflagset("admin domain list", "configfile")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	db := openAdminDB(fs.Arg(0))
	defer db.Close()
	domains, err := admin.ListDomains(db)
	xcheckf(err, "listing domains")
	for _, d := range domains {
		fmt.Println(d)
	}
}
