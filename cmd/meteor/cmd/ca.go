package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ivneld/Meteor-PKI/authority"
	"github.com/ivneld/Meteor-PKI/config"
	"github.com/ivneld/Meteor-PKI/pki"
)

var (
	caJSONOutput bool
	caSubject    pki.SubjectDN
	caAlias      string
	caKeyAlg     string
	caParentID   int64
	caOutFile    string
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage certificate authorities",
	Long: `Commands that operate directly on the configured storage. The server
does not need to be running, but with the memory driver nothing persists.`,
}

var caCreateRootCmd = &cobra.Command{
	Use:   "create-root",
	Short: "Create a self-signed root CA",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			alg, err := pki.ParseKeyAlgorithm(caKeyAlg)
			if err != nil {
				return err
			}
			ca, err := a.cas.CreateRoot(ctx, authority.CreateRootRequest{
				Alias:        caAlias,
				Subject:      caSubject,
				KeyAlgorithm: alg,
			})
			if err != nil {
				return err
			}
			return printCAs(cmd.OutOrStdout(), ca)
		})
	},
}

var caCreateSubCmd = &cobra.Command{
	Use:   "create-sub",
	Short: "Create a subordinate CA under --parent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			alg, err := pki.ParseKeyAlgorithm(caKeyAlg)
			if err != nil {
				return err
			}
			ca, err := a.cas.CreateSub(ctx, authority.CreateSubRequest{
				Alias:        caAlias,
				Subject:      caSubject,
				KeyAlgorithm: alg,
				ParentID:     pki.CAID(caParentID),
			})
			if err != nil {
				return err
			}
			return printCAs(cmd.OutOrStdout(), ca)
		})
	},
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificate authorities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cas, err := a.cas.FindAll(ctx)
			if err != nil {
				return err
			}
			return printCAs(cmd.OutOrStdout(), cas...)
		})
	},
}

var caChainCmd = &cobra.Command{
	Use:   "chain <ca-id>",
	Short: "Print the PEM chain of a CA, root first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseCAID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			chain, err := a.cas.ChainPEM(ctx, id)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), []byte(strings.Join(chain, "")))
		})
	},
}

var caCRLCmd = &cobra.Command{
	Use:   "crl <ca-id>",
	Short: "Generate the current DER CRL of a CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseCAID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			crl, err := a.cas.GenerateCRL(ctx, id)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), crl)
		})
	},
}

type caTransition func(*authority.Manager, context.Context, pki.CAID) (pki.CertificateAuthority, error)

func caTransitionCmd(use, short string, fn caTransition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <ca-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCAID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ca, err := fn(a.cas, ctx, id)
				if err != nil {
					return err
				}
				return printCAs(cmd.OutOrStdout(), ca)
			})
		},
	}
}

// withApp loads the configuration, wires the services and runs fn.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(config.Log{Level: "warn", Format: cfg.Log.Format}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("memory storage: changes are discarded on exit")
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func parseCAID(s string) (pki.CAID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid CA id %q", s)
	}
	return pki.CAID(id), nil
}

// writeOutput writes data to --out when set, otherwise to w.
func writeOutput(w io.Writer, data []byte) error {
	if caOutFile != "" {
		return os.WriteFile(caOutFile, data, 0o644)
	}
	_, err := w.Write(data)
	return err
}

type caSummary struct {
	ID         int64  `json:"id"`
	Alias      string `json:"alias"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Subject    string `json:"subject_dn"`
	ParentID   int64  `json:"parent_id,omitempty"`
	NotAfter   string `json:"not_after"`
	ChainDepth int    `json:"chain_depth"`
}

func printCAs(w io.Writer, cas ...pki.CertificateAuthority) error {
	rows := make([]caSummary, 0, len(cas))
	for _, ca := range cas {
		rows = append(rows, caSummary{
			ID:         int64(ca.ID),
			Alias:      ca.Alias.String(),
			Type:       string(ca.Type),
			Status:     string(ca.Status),
			Subject:    ca.Subject.String(),
			ParentID:   int64(ca.ParentID),
			NotAfter:   ca.Validity.NotAfter.Format("2006-01-02"),
			ChainDepth: int(ca.ChainDepth),
		})
	}
	if caJSONOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tTYPE\tSTATUS\tNOT AFTER\tSUBJECT")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Alias, r.Type, r.Status, r.NotAfter, r.Subject)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.PersistentFlags().BoolVar(&caJSONOutput, "json", false, "Output results as JSON")

	for _, c := range []*cobra.Command{caCreateRootCmd, caCreateSubCmd} {
		f := c.Flags()
		f.StringVar(&caAlias, "alias", "", "CA alias (lowercase letters, digits and dashes)")
		f.StringVar(&caSubject.CommonName, "cn", "", "Subject common name")
		f.StringVar(&caSubject.Organization, "o", "", "Subject organization")
		f.StringVar(&caSubject.OrganizationalUnit, "ou", "", "Subject organizational unit")
		f.StringVar(&caSubject.Country, "country", "", "Subject country")
		f.StringVar(&caSubject.State, "state", "", "Subject state or province")
		f.StringVar(&caSubject.Locality, "locality", "", "Subject locality")
		f.StringVar(&caKeyAlg, "key-algorithm", string(pki.DefaultKeyAlgorithm), "RSA_2048, RSA_4096, EC_P256 or EC_P384")
		_ = c.MarkFlagRequired("alias")
		_ = c.MarkFlagRequired("cn")
	}
	caCreateSubCmd.Flags().Int64Var(&caParentID, "parent", 0, "Parent CA id")
	_ = caCreateSubCmd.MarkFlagRequired("parent")

	for _, c := range []*cobra.Command{caChainCmd, caCRLCmd} {
		c.Flags().StringVarP(&caOutFile, "out", "o", "", "Write to file instead of stdout")
	}

	caCmd.AddCommand(caCreateRootCmd, caCreateSubCmd, caListCmd, caChainCmd, caCRLCmd,
		caTransitionCmd("revoke", "Mark a CA revoked", (*authority.Manager).Revoke),
		caTransitionCmd("activate", "Mark a CA active again", (*authority.Manager).Activate),
	)
}
