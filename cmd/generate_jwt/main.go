// Command generate_jwt issues RS256 bearer tokens for broker clients,
// and can generate the RSA key pair the broker's JWT verifier expects.
// The broker itself never signs tokens; token issuance is kept out of its
// runtime so the private key need only ever touch this offline utility.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/ravelsys/mcp-broker/internal/authjwt"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "generate_jwt",
		Short: "Generate RSA keys and issue broker bearer tokens",
	}
	root.AddCommand(newKeygenCommand())
	root.AddCommand(newIssueCommand())
	return root
}

func newKeygenCommand() *cobra.Command {
	var privateKeyPath, publicKeyPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for signing and verifying broker tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(privateKeyPath, publicKeyPath)
		},
	}
	cmd.Flags().StringVar(&privateKeyPath, "private-key", "mcp_broker_private.pem", "output path for the RSA private key")
	cmd.Flags().StringVar(&publicKeyPath, "public-key", "mcp_broker_public.pem", "output path for the RSA public key")
	return cmd
}

func runKeygen(privateKeyPath, publicKeyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(privateKeyPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := authjwt.CheckPrivateKeyPermissions(privateKeyPath); err != nil {
		return fmt.Errorf("private key permission check: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(publicKeyPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Printf("wrote %s (0600) and %s\n", privateKeyPath, publicKeyPath)
	return nil
}

func newIssueCommand() *cobra.Command {
	var privateKeyPath, subject string
	var tags []string
	var lifetime time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for a subject with the given allowed tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssue(privateKeyPath, subject, tags, lifetime)
		},
	}
	cmd.Flags().StringVar(&privateKeyPath, "private-key", "", "path to the RSA private key (env MCP_JWT_PRIVATE_KEY_PATH overrides the default)")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "allowed tags, e.g. --tags=ops,finance; use \"*\" for wildcard access")
	cmd.Flags().DurationVar(&lifetime, "lifetime", authjwt.DefaultTokenLifetime, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runIssue(privateKeyPath, subject string, tags []string, lifetime time.Duration) error {
	if privateKeyPath == "" {
		privateKeyPath = os.Getenv("MCP_JWT_PRIVATE_KEY_PATH")
	}
	if privateKeyPath == "" {
		return fmt.Errorf("--private-key or MCP_JWT_PRIVATE_KEY_PATH is required")
	}
	if err := authjwt.CheckPrivateKeyPermissions(privateKeyPath); err != nil {
		return err
	}

	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("no PEM block found in %s", privateKeyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":          "mcp-broker",
		"aud":          "mcp-broker",
		"sub":          subject,
		"iat":          now.Unix(),
		"exp":          now.Add(lifetime).Unix(),
		"allowed_tags": tags,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	fmt.Println(signed)
	return nil
}
