// ABOUTME: Operator subcommands: init, user add and token
// ABOUTME: Writes config files, registers users in the store and issues bearer tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/server"
	"github.com/2389/parley/internal/store"
)

const defaultTokenTTL = 24 * time.Hour

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runUser(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: parley user add --id ID [--name NAME]")
	}

	fs := newFlagSet("user add", out)
	id := fs.String("id", "", "user id (the token subject)")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := server.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := addUser(ctx, s, *id, *name); err != nil {
		return err
	}
	fmt.Fprintf(out, "user %s created\n", *id)
	return nil
}

func addUser(ctx context.Context, s store.Store, id, name string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("--id is required")
	}
	err := s.CreateUser(ctx, &store.User{
		ID:          id,
		DisplayName: strings.TrimSpace(name),
		CreatedAt:   time.Now().UTC(),
	})
	if errors.Is(err, store.ErrDuplicateUser) {
		return fmt.Errorf("user %s already exists", id)
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func runToken(out io.Writer, args []string) error {
	fs := newFlagSet("token", out)
	user := fs.String("user", "", "user id to issue the token for")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	token, err := issueToken(cfg.Auth.JWTSecret, *user, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func issueToken(secret, user string, ttl time.Duration) (string, error) {
	if user == "" {
		return "", errors.New("--user is required")
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	v, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", err
	}
	return v.Generate(user, ttl)
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runInit(in io.Reader, out io.Writer, args []string) error {
	fs := newFlagSet("init", out)
	path := fs.String("path", config.DefaultPath(), "config file to write (.yaml or .toml)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "parley configuration setup")
	fmt.Fprintln(out, "==========================")

	if _, err := os.Stat(*path); err == nil && !*force {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Server ---")
	cfg.Server.HTTPAddr = prompt(reader, out, "HTTP address", cfg.Server.HTTPAddr)

	fmt.Fprintln(out, "\n--- Database ---")
	cfg.Database.Driver = prompt(reader, out, "Driver (sqlite/mongo/memory)", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		cfg.Database.Path = prompt(reader, out, "SQLite database path", cfg.Database.Path)
	case config.DriverMongo:
		cfg.Database.MongoURI = prompt(reader, out, "MongoDB URI", "mongodb://localhost:27017")
		cfg.Database.MongoDatabase = prompt(reader, out, "MongoDB database", cfg.Database.MongoDatabase)
	}

	fmt.Fprintln(out, "\n--- Notifications ---")
	drivers := prompt(reader, out, "Drivers (comma separated: broadcast,redis,asynq)", strings.Join(cfg.Notify.Drivers, ","))
	cfg.Notify.Drivers = splitList(drivers)
	if cfg.Notify.Enabled(config.NotifyRedis) || cfg.Notify.Enabled(config.NotifyAsynq) {
		cfg.Notify.RedisURL = prompt(reader, out, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, out, "Log format (text/json)", cfg.Logging.Format)

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = secret

	isTOML := strings.EqualFold(filepath.Ext(*path), ".toml")
	data, err := encodeConfig(cfg, isTOML)
	if err != nil {
		return err
	}
	if _, err := config.Parse(data, isTOML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(*path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the signing secret
	if err := os.WriteFile(*path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", *path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  parley user add --id alice")
	fmt.Fprintln(out, "  parley token --user alice")
	fmt.Fprintln(out, "  parley serve")
	return nil
}

func encodeConfig(cfg *config.Config, isTOML bool) ([]byte, error) {
	var buf strings.Builder
	buf.WriteString("# parley configuration\n# Generated by parley init\n\n")
	if isTOML {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		return []byte(buf.String()), nil
	}
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return []byte(buf.String()), nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// EOF takes the default
		fmt.Fprintln(out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}
