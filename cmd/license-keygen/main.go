// Command license-keygen is the issuer-side tool: it generates signing
// keypairs, mints scratch-card style license keys, and signs license tokens
// bound to a machine fingerprint. It never ships to end users.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"kerzzcli/internal/license"
)

const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "keypair":
		return generateKeypair()
	case "key":
		return generateKey()
	case "sign":
		return signToken(args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  license-keygen keypair                 generate an Ed25519 signing keypair
  license-keygen key                     mint a new license key
  license-keygen sign [flags]            sign a license token
    -private <hex>     signing key (or LICENSE_SIGNING_KEY env)
    -key <KBS-...>     license key to embed
    -machine <id>      machine fingerprint to bind to
    -days <n>          validity in days, 0 for perpetual (default 365)
    -features <a,b>    comma-separated feature flags`)
}

func generateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keypair generation failed: %w", err)
	}
	fmt.Printf("public:  %s\n", hex.EncodeToString(pub))
	fmt.Printf("private: %s\n", hex.EncodeToString(priv))
	fmt.Fprintln(os.Stderr, "store the private key in the issuing service only; clients get the public key")
	return nil
}

func generateKey() error {
	// The alphabet drops 0/O/1/I so keys survive being read over the phone.
	var sb strings.Builder
	sb.WriteString(license.KeyPrefix)
	for i := 0; i < 12; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyAlphabet))))
		if err != nil {
			return fmt.Errorf("random draw failed: %w", err)
		}
		sb.WriteByte(keyAlphabet[n.Int64()])
	}
	fmt.Println(license.FormatKeyWithDashes(sb.String()))
	return nil
}

func signToken(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	privateHex := fs.String("private", os.Getenv("LICENSE_SIGNING_KEY"), "hex-encoded Ed25519 private key")
	licenseKey := fs.String("key", "", "license key to embed")
	machineID := fs.String("machine", "", "machine fingerprint to bind to")
	days := fs.Int("days", 365, "validity in days, 0 for perpetual")
	features := fs.String("features", "", "comma-separated feature flags")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *privateHex == "" {
		return fmt.Errorf("a signing key is required (-private or LICENSE_SIGNING_KEY)")
	}
	raw, err := hex.DecodeString(strings.TrimSpace(*privateHex))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return fmt.Errorf("signing key must be %d bytes of hex", ed25519.PrivateKeySize)
	}
	if err := license.ValidateKeyFormat(*licenseKey); err != nil {
		return err
	}
	if *machineID == "" {
		return fmt.Errorf("a machine fingerprint is required (-machine)")
	}

	rec := &license.Record{
		LicenseKey: license.NormalizeKey(*licenseKey),
		MachineID:  *machineID,
		IssuedAt:   time.Now().UTC(),
	}
	if *days > 0 {
		expires := rec.IssuedAt.AddDate(0, 0, *days)
		rec.ExpiresAt = &expires
	}
	if *features != "" {
		for _, f := range strings.Split(*features, ",") {
			if f = strings.TrimSpace(f); f != "" {
				rec.Features = append(rec.Features, f)
			}
		}
	}

	token, err := license.EncodeToken(rec, ed25519.PrivateKey(raw))
	if err != nil {
		return fmt.Errorf("signing failed: %w", err)
	}
	fmt.Println(token)
	return nil
}
