package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/keystore"
	"github.com/sealog-dev/sealog/core/ledger"
	"github.com/sealog-dev/sealog/core/schema"
)

func newVerifyCmd() *cobra.Command {
	var (
		publicKeyPath    string
		requireSignature bool
		asJSON           bool
	)
	cmd := &cobra.Command{
		Use:   "verify <session-journal.jsonl>",
		Short: "Verify a session journal's chain integrity and signatures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args[0], publicKeyPath, requireSignature, asJSON)
		},
	}
	cmd.Flags().StringVar(&publicKeyPath, "public-key", "", "path to the signer's public key")
	cmd.Flags().BoolVar(&requireSignature, "require-signature", false, "treat unsigned records as a verification failure")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func runVerify(cmd *cobra.Command, journalPath, publicKeyPath string, requireSignature, asJSON bool) error {
	journal, err := ledger.ReadJournal(journalPath)
	if err != nil {
		return err
	}

	var schemaErrors []string
	for i, rec := range journal.Records {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
		if err := schema.ValidateJSON(schema.ChainRecord, encoded); err != nil {
			schemaErrors = append(schemaErrors, fmt.Sprintf("record %d: %v", i, err))
		}
	}
	if journal.Seal != nil {
		encoded, err := json.Marshal(journal.Seal)
		if err != nil {
			return fmt.Errorf("encode seal: %w", err)
		}
		if err := schema.ValidateJSON(schema.SessionSeal, encoded); err != nil {
			schemaErrors = append(schemaErrors, fmt.Sprintf("seal: %v", err))
		}
	}

	opts := chain.VerifyOptions{RequireSignature: requireSignature}
	if publicKeyPath != "" {
		publicKey, err := keystore.LoadPublicKey(publicKeyPath)
		if err != nil {
			return err
		}
		opts.PublicKey = publicKey
	}
	result := chain.Verify(journal.Records, opts)

	sealConsistent := journal.Seal == nil ||
		len(journal.Records) == 0 ||
		journal.Seal.FinalHash == journal.Records[len(journal.Records)-1].Hash

	ok := result.OK() && len(schemaErrors) == 0 && sealConsistent
	out := cmd.OutOrStdout()

	if asJSON {
		report := map[string]any{
			"ok":              ok,
			"session_id":      journal.Header.SessionID,
			"records_checked": result.RecordsChecked,
			"verify":          result,
			"seal_consistent": sealConsistent,
		}
		if len(schemaErrors) > 0 {
			report["schema_errors"] = schemaErrors
		}
		if err := json.NewEncoder(out).Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "session %s: %d records checked\n", journal.Header.SessionID, result.RecordsChecked)
		for _, msg := range result.HashErrors {
			fmt.Fprintf(out, "  hash: %s\n", msg)
		}
		for _, msg := range result.LinkageErrors {
			fmt.Fprintf(out, "  linkage: %s\n", msg)
		}
		for _, msg := range result.SignatureErrors {
			fmt.Fprintf(out, "  signature: %s\n", msg)
		}
		for _, msg := range schemaErrors {
			fmt.Fprintf(out, "  schema: %s\n", msg)
		}
		if !sealConsistent {
			fmt.Fprintln(out, "  seal: final_hash does not match the last record")
		}
		if ok {
			fmt.Fprintln(out, "chain verified")
		}
	}

	if !ok {
		problems := len(result.HashErrors) + len(result.LinkageErrors) + len(result.SignatureErrors) + len(schemaErrors)
		if !sealConsistent {
			problems++
		}
		return fmt.Errorf("verification failed with %d problem(s)", problems)
	}
	return nil
}
