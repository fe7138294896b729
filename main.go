// Command mailsrv runs the SMTP/Submission/POP3/IMAP server described by a
// static configuration file, or administers its credential store.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

type cmd struct {
	words []string
	fn    func(args []string)
}

var commands = []cmd{
	{[]string{"serve"}, cmdServe},
	{[]string{"config", "describe"}, cmdConfigDescribe},
	{[]string{"admin", "user", "add"}, cmdAdminUserAdd},
	{[]string{"admin", "user", "rm"}, cmdAdminUserRemove},
	{[]string{"admin", "user", "passwd"}, cmdAdminUserPasswd},
	{[]string{"admin", "user", "list"}, cmdAdminUserList},
	{[]string{"admin", "domain", "add"}, cmdAdminDomainAdd},
	{[]string{"admin", "domain", "rm"}, cmdAdminDomainRemove},
	{[]string{"admin", "domain", "list"}, cmdAdminDomainList},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailsrv command ...")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintln(os.Stderr, "\t"+strings.Join(c.words, " "))
	}
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var best *cmd
	bestLen := 0
	for i := range commands {
		c := commands[i]
		if len(c.words) > len(args) || len(c.words) <= bestLen {
			continue
		}
		match := true
		for j, w := range c.words {
			if args[j] != w {
				match = false
				break
			}
		}
		if match {
			best = &c
			bestLen = len(c.words)
		}
	}
	if best == nil {
		usage()
		os.Exit(2)
	}
	best.fn(args[bestLen:])
}

// xflagset returns a FlagSet whose Usage prints name alongside params before
// delegating to the default flag usage output.
func xflagset(name, params string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mailsrv %s %s\n", name, params)
		fs.PrintDefaults()
	}
	return fs
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xlog.Fatalx(fmt.Sprintf(format, args...), err)
	}
}
