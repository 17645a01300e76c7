// guardctl is the operator tool for nutriguard: key material, payload
// hashing, first-admin bootstrap and compliance exports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/config"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/encryption"
	"nutriguard.org/internal/identity"
)

type command struct {
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"keygen":  {"generate a random 256-bit key", runKeygen},
	"derive":  {"derive a key from a password (PBKDF2-SHA256)", runDerive},
	"hash":    {"print the canonical SHA-256 hash of a JSON payload", runHash},
	"encrypt": {"encrypt a JSON payload with a key", runEncrypt},
	"decrypt": {"decrypt a ciphertext with a key", runDecrypt},
	"token":   {"generate a random URL-safe token", runToken},
	"roles":   {"print the role table", runRoles},
	"grant":   {"assign a role through the system path (bootstrap)", runGrant},
	"report":  {"generate a compliance report", runReport},
	"export":  {"export a user's data", runExport},
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, args[1:], stdout)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: guardctl <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("guardctl "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPayload reads JSON from --file, or stdin when the path is "-".
func readPayload(path string) (any, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("payload is not JSON: %w", err)
	}
	return v, nil
}

func runKeygen(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("keygen")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := encryption.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, encryption.ExportKey(k))
	return err
}

func runDerive(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("derive")
	password := fs.StringP("password", "p", "", "password to stretch")
	salt := fs.String("salt", "", "base64 salt (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, usedSalt, err := encryption.DeriveKeyFromPassword(*password, *salt)
	if err != nil {
		return err
	}
	return printJSON(stdout, map[string]string{
		"key":  encryption.ExportKey(k),
		"salt": usedSalt,
	})
}

func runHash(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("hash")
	file := fs.StringP("file", "f", "-", "JSON payload file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	payload, err := readPayload(*file)
	if err != nil {
		return err
	}
	sum, err := encryption.Hash(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, sum)
	return err
}

func runEncrypt(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("encrypt")
	key := fs.StringP("key", "k", "", "base64 key from keygen")
	file := fs.StringP("file", "f", "-", "JSON payload file, - for stdin")
	algorithm := fs.String("algorithm", encryption.AlgorithmAESGCM, "AES-GCM or ChaCha20-Poly1305")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := encryption.ImportKey(*key)
	if err != nil {
		return err
	}
	c, err := encryption.NewCipher(*algorithm)
	if err != nil {
		return err
	}
	payload, err := readPayload(*file)
	if err != nil {
		return err
	}
	out, err := c.Encrypt(payload, k)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, out)
	return err
}

func runDecrypt(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("decrypt")
	key := fs.StringP("key", "k", "", "base64 key from keygen")
	ciphertext := fs.StringP("ciphertext", "c", "", "base64 nonce||ciphertext")
	algorithm := fs.String("algorithm", encryption.AlgorithmAESGCM, "AES-GCM or ChaCha20-Poly1305")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := encryption.ImportKey(*key)
	if err != nil {
		return err
	}
	c, err := encryption.NewCipher(*algorithm)
	if err != nil {
		return err
	}
	var v any
	if err := c.Decrypt(*ciphertext, k, &v); err != nil {
		return err
	}
	return printJSON(stdout, v)
}

func runToken(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("token")
	n := fs.IntP("bytes", "n", 32, "random bytes before encoding")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tok, err := encryption.GenerateToken(*n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func runRoles(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("roles")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out := make([]auth.RoleDisplay, 0, 3)
	for _, r := range auth.Roles() {
		out = append(out, auth.RoleInfo(r.Name))
	}
	return printJSON(stdout, out)
}

// services opens the configured store and builds the audit and access
// services over it.
func services(ctx context.Context) (*audit.Trail, *auth.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	docs, err := docstore.Open(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if c, ok := docs.(io.Closer); ok {
			_ = c.Close()
		}
	}
	if err := docs.Ping(ctx); err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	trail := audit.NewTrail(docs,
		audit.WithEnvironment(cfg.Environment),
		audit.WithPersonalCollections(identity.CredentialsCollection),
		audit.WithEmailIndex(identity.EmailsCollection),
	)
	roles, err := auth.NewService(auth.NewDocumentStore(docs), trail)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return trail, roles, closeFn, nil
}

func runGrant(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("grant")
	user := fs.StringP("user", "u", "", "user id")
	role := fs.StringP("role", "r", auth.RoleAdmin, "role to assign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	_, roles, closeFn, err := services(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := roles.AssignRole(ctx, *user, *role, ""); err != nil {
		return err
	}
	a, err := roles.ResolveRole(ctx, *user)
	if err != nil {
		return err
	}
	return printJSON(stdout, a)
}

func parseDay(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func runReport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("report")
	start := fs.String("start", "", "period start (RFC3339 or YYYY-MM-DD)")
	end := fs.String("end", "", "period end (RFC3339 or YYYY-MM-DD)")
	summaryOnly := fs.Bool("summary", false, "omit the event list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := parseDay(*start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	to, err := parseDay(*end)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}
	trail, _, closeFn, err := services(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	report, err := trail.GenerateComplianceReport(ctx, from, to)
	if err != nil {
		return err
	}
	if *summaryOnly {
		report.Events = nil
	}
	return printJSON(stdout, report)
}

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("export")
	user := fs.StringP("user", "u", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	trail, _, closeFn, err := services(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	export, err := trail.ExportUserData(ctx, audit.Actor{ID: auth.SystemActor}, *user)
	if err != nil {
		return err
	}
	return printJSON(stdout, export)
}
