// vaultkv-cli - command-line front end for a vaultkv store
//
// Usage:
//
//	vaultkv-cli [flags] <command> [args...]
//
// Commands:
//
//	get <key>             Print the value for key, or report it missing
//	set <key> <value>     Store value under key
//	rm <key>              Remove key
//	keys                  List every live key
//	count                 Print the number of live keys
//	clear                 Remove every key and reset the file to one page
//	trim                  Shrink the file to fit its live content
//	rekey <hexkey>        Re-encrypt the store under a new key
//
// Flags:
//
//	-data string       Root directory the store lives under (default "data")
//	-id string         Store name within -data (default "vaultkv")
//	-key string        Hex-encoded AES-128 key (default: unencrypted)
//	-multiprocess      Hold the store open under the process file-lock protocol
//	-readonly          Open without allowing mutation
//	-loglevel string   Log level: debug, info, warn, error (default "info")
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/vaultkv/vaultkv"
	"github.com/vaultkv/vaultkv/internal/version"
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Flags take precedence over environment variables.
	// Env vars: VAULTKV_DATA, VAULTKV_ID, VAULTKV_KEY, VAULTKV_LOG_LEVEL
	dataDir := flag.String("data", envOrDefault("VAULTKV_DATA", "data"), "Root directory the store lives under")
	id := flag.String("id", envOrDefault("VAULTKV_ID", "vaultkv"), "Store name within -data")
	hexKey := flag.String("key", envOrDefault("VAULTKV_KEY", ""), "Hex-encoded AES-128 key")
	multiProcess := flag.Bool("multiprocess", os.Getenv("VAULTKV_MULTIPROCESS") == "true", "Hold the store under the process file-lock protocol")
	readOnly := flag.Bool("readonly", os.Getenv("VAULTKV_READONLY") == "true", "Open without allowing mutation")
	logLevel := flag.String("loglevel", envOrDefault("VAULTKV_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vaultkv-cli v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vaultkv-cli [flags] <get|set|rm|keys|count|clear|trim|rekey> [args...]")
		os.Exit(2)
	}

	opts := []vaultkv.Option{
		vaultkv.WithRootDir(*dataDir),
		vaultkv.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))),
	}
	if *multiProcess {
		opts = append(opts, vaultkv.WithMultiProcess())
	}
	if *readOnly {
		opts = append(opts, vaultkv.WithReadOnly())
	}
	if *hexKey != "" {
		key, err := hex.DecodeString(*hexKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad -key: %v\n", err)
			os.Exit(2)
		}
		opts = append(opts, vaultkv.WithEncryptionKey(key))
	}

	db, err := vaultkv.Open(*id, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(db, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(db *vaultkv.DB, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		if !db.ContainsKey(args[0]) {
			return fmt.Errorf("(nil)")
		}
		fmt.Println(string(db.GetBytes(args[0], nil)))
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		if !db.SetBytes(args[0], []byte(args[1])) {
			return fmt.Errorf("set failed")
		}
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm <key>")
		}
		db.Remove(args[0])
	case "keys":
		for _, k := range db.AllKeys() {
			fmt.Println(k)
		}
	case "count":
		fmt.Println(db.Count())
	case "clear":
		if !db.ClearAll() {
			return fmt.Errorf("clear failed")
		}
	case "trim":
		if !db.Trim() {
			return fmt.Errorf("trim failed")
		}
	case "rekey":
		if len(args) != 1 {
			return fmt.Errorf("usage: rekey <hexkey>")
		}
		key, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("bad key: %w", err)
		}
		if !db.Rekey(key) {
			return fmt.Errorf("rekey failed")
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
