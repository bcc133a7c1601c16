// Command ebakup is a thin CLI over the edb core, wiring the info and verify
// subcommands to StorageRoot operations. It has no backup subcommand: the
// scanning/diffing logic one needs is out of the core's scope (spec §4.6);
// this binary exists to show the
// library's operations assembled into a runnable surface, not to be a
// complete backup tool.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebakup/ebakup/edb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cmd, rest := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "info":
		err = runInfo(rest, log)
	case "verify":
		err = runVerify(rest, log)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ebakup:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ebakup <info|verify> <storage-path>")
}

func runInfo(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("info requires a storage path")
	}
	sr, err := edb.Open(fs.Arg(0), logrus.NewEntry(log))
	if err != nil {
		return err
	}
	latest, err := sr.GetMostRecentBackup()
	if err != nil {
		fmt.Println("no backups yet")
		return nil
	}
	fmt.Printf("most recent backup: %s .. %s\n",
		latest.GetStartTime().Format(time.RFC3339), latest.GetEndTime().Format(time.RFC3339))
	return nil
}

func runVerify(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("verify requires a storage path")
	}
	sr, err := edb.Open(fs.Arg(0), logrus.NewEntry(log))
	if err != nil {
		return err
	}
	bad := 0
	for _, cid := range sr.IterateContentIDs() {
		info, err := sr.GetContentInfo(cid)
		if err != nil {
			bad++
			continue
		}
		f, err := sr.GetContentReader(cid)
		if err != nil {
			log.WithField("cid", fmt.Sprintf("%x", info.CID)).Warn("body missing")
			bad++
			continue
		}
		f.Close()
	}
	fmt.Printf("checked %d content ids, %d problems\n", len(sr.IterateContentIDs()), bad)
	return nil
}
