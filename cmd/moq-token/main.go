// Package main implements moq-token, which generates relay keys and signs
// path-scoped tokens with them.
//
//	moq-token generate --out root.key
//	moq-token sign --key root.key --path room/ --publish "" --ttl 24h
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/WadkarNaved15/moq/auth"
)

const appName = "moq-token"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s generate|sign [options]", appName)
	}
	switch args[0] {
	case "generate":
		return generate(args[1:], stdout)
	case "sign":
		return sign(args[1:], stdout)
	default:
		return fmt.Errorf("unknown command %q (want generate or sign)", args[0])
	}
}

func generate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	out := fs.String("out", "", "Write the key to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	encoded := auth.EncodeKey(key)
	if *out == "" {
		_, err = fmt.Fprintln(stdout, encoded)
		return err
	}
	if err := os.WriteFile(*out, []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// scopeFlag records whether a scope was given at all; an empty value grants
// the whole path.
type scopeFlag struct {
	value *string
}

func (f *scopeFlag) String() string {
	if f.value == nil {
		return ""
	}
	return *f.value
}

func (f *scopeFlag) Set(s string) error {
	f.value = auth.Scope(s)
	return nil
}

func sign(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keyPath := fs.String("key", "", "Key file written by generate (required)")
	path := fs.String("path", "", "Path prefix the token is valid for")
	cluster := fs.Bool("cluster", false, "Mark the token as a relay-to-relay token")
	ttl := fs.Duration("ttl", 0, "Token lifetime; 0 never expires")
	var subscribe, publish scopeFlag
	fs.Var(&subscribe, "subscribe", "Subscribe scope below path; \"\" grants the whole path")
	fs.Var(&publish, "publish", "Publish scope below path; \"\" grants the whole path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keyPath == "" {
		return fmt.Errorf("--key is required")
	}
	if subscribe.value == nil && publish.value == nil {
		return fmt.Errorf("at least one of --subscribe or --publish is required")
	}
	if *ttl < 0 {
		return fmt.Errorf("invalid ttl: %s", *ttl)
	}

	key, err := auth.LoadKey(*keyPath)
	if err != nil {
		return err
	}
	token, err := auth.Sign(key, auth.Claims{
		Path:      *path,
		Subscribe: subscribe.value,
		Publish:   publish.value,
		Cluster:   *cluster,
	}, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
