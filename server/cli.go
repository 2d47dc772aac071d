package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"babiling/server/store"
)

// RunCLI handles the "ban"/"unban"/"bans" subcommands against the
// admission-control database, bypassing the normal serve path. It mirrors
// the common pattern of checking os.Args[1] for a subcommand before
// flag.Parse runs. It returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "ban":
		runBanCLI(args[1:], dbPath)
		return true
	case "unban":
		runUnbanCLI(args[1:], dbPath)
		return true
	case "bans":
		runListBansCLI(args[1:], dbPath)
		return true
	default:
		return false
	}
}

func runBanCLI(args []string, defaultDB string) {
	fs := flag.NewFlagSet("ban", flag.ExitOnError)
	dbPath := fs.String("ban-db", defaultDB, "SQLite path for ban records and audit log")
	reason := fs.String("reason", "manual ban", "ban reason")
	bannedBy := fs.String("by", "operator", "operator identifier recorded with the ban")
	duration := fs.Duration("duration", 0, "ban duration; 0 means permanent")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: server ban [-reason R] [-by WHO] [-duration D] <ip>")
		os.Exit(2)
	}
	ip := fs.Arg(0)

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var expires time.Time
	if *duration > 0 {
		expires = time.Now().Add(*duration)
	}
	id := uuid.NewString()
	if err := st.InsertBan(id, ip, *reason, *bannedBy, expires); err != nil {
		fmt.Fprintf(os.Stderr, "insert ban: %v\n", err)
		os.Exit(1)
	}
	if err := st.InsertAuditLog(ip, "ban", *reason); err != nil {
		fmt.Fprintf(os.Stderr, "audit log: %v\n", err)
	}
	fmt.Printf("banned %s (id=%s)\n", ip, id)
}

func runUnbanCLI(args []string, defaultDB string) {
	fs := flag.NewFlagSet("unban", flag.ExitOnError)
	dbPath := fs.String("ban-db", defaultDB, "SQLite path for ban records and audit log")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: server unban [-ban-db PATH] <ban-id>")
		os.Exit(2)
	}
	id := fs.Arg(0)

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.DeleteBan(id); err != nil {
		fmt.Fprintf(os.Stderr, "delete ban: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("unbanned %s\n", id)
}

func runListBansCLI(args []string, defaultDB string) {
	fs := flag.NewFlagSet("bans", flag.ExitOnError)
	dbPath := fs.String("ban-db", defaultDB, "SQLite path for ban records and audit log")
	fs.Parse(args)

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bans, err := st.ActiveBans()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list bans: %v\n", err)
		os.Exit(1)
	}
	for _, b := range bans {
		expiry := "permanent"
		if !b.ExpiresAt.IsZero() {
			expiry = b.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", b.ID, b.IP, b.Reason, b.BannedBy, expiry)
	}
}
