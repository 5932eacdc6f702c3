// Package main checks password strength and produces pbkdf2_sha256 hashes
// for relay configuration files.
package main

import (
	"bufio"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/config"
)

const appName = "padrelay-passwd"

type options struct {
	Password   string
	Iterations uint
	Suggest    bool
	ConfigPath string
	Force      bool
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.Password, "password", "", "Password to hash; read from PADRELAY_PASSWORD or the first stdin line when empty")
	fs.UintVar(&opts.Iterations, "iterations", auth.DefaultIterations, "PBKDF2 iterations")
	fs.BoolVar(&opts.Suggest, "suggest", false, "Print a generated strong password and exit")
	fs.StringVar(&opts.ConfigPath, "config", "", "Replace the plaintext server.password in this file with its hash")
	fs.BoolVar(&opts.Force, "force", false, "Hash even a very weak password")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return err
	}

	if opts.Suggest {
		pw, err := auth.SuggestPassword()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, pw)
		return nil
	}

	if opts.ConfigPath != "" {
		hash, err := config.PersistHashedPassword(opts.ConfigPath, opts.Iterations)
		if err != nil {
			return err
		}
		if hash == "" {
			_, _ = fmt.Fprintf(stdout, "%s: server.password is absent or already hashed\n", opts.ConfigPath)
			return nil
		}
		_, _ = fmt.Fprintf(stdout, "%s: server.password replaced with its hash\n", opts.ConfigPath)
		return nil
	}

	secret, err := readSecret(opts.Password, stdin)
	if err != nil {
		return err
	}

	strength := auth.CheckStrength(secret)
	_, _ = fmt.Fprintf(stdout, "strength: %s (score %d)\n", strength.Level, strength.Score)
	for _, r := range strength.Recommendations {
		_, _ = fmt.Fprintf(stdout, "  - %s\n", r)
	}
	if !strength.Acceptable() && !opts.Force {
		return fmt.Errorf("password is too weak, use --force to hash it anyway")
	}

	rec, err := auth.Hash(secret, opts.Iterations)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, rec.String())
	return nil
}

func readSecret(flagValue string, stdin io.Reader) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(config.EnvPassword); v != "" {
		return v, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !stderrors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no password given")
	}
	return line, nil
}
