package cmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	"github.com/ivneld/Meteor-PKI/cmp"
	"github.com/ivneld/Meteor-PKI/internal/util"
)

var (
	cmpServerURL string
	cmpCAAlias   string
	cmpSender    string
	cmpRecipient string

	cmpSubject   pkix.Name
	cmpKeyOut    string
	cmpCertOut   string
	cmpCSRFile   string
	cmpCertFile  string
	cmpSerial    string
	cmpTxID      string
	cmpCertReqID int64
	cmpUseCR     bool
	cmpNoConfirm bool
)

var cmpCmd = &cobra.Command{
	Use:   "cmp",
	Short: "CMP client commands against a running server",
}

var cmpIRCmd = &cobra.Command{
	Use:   "ir",
	Short: "Enroll a new EC P-256 key with an initialization request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		h, err := cmpHeader(nil)
		if err != nil {
			return err
		}
		build := cmp.NewIR
		if cmpUseCR {
			build = cmp.NewCR
		}
		req, err := build(h, 0, cmpSubject, key.Public())
		if err != nil {
			return err
		}

		if cmpKeyOut != "" {
			keyDER, err := x509.MarshalPKCS8PrivateKey(key)
			if err != nil {
				return err
			}
			if err := writePEM(cmpKeyOut, "PRIVATE KEY", keyDER, 0o600); err != nil {
				return err
			}
		}
		return enroll(cmd, h, req)
	},
}

var cmpP10CRCmd = &cobra.Command{
	Use:   "p10cr",
	Short: "Enroll a PKCS#10 request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(cmpCSRFile)
		if err != nil {
			return err
		}
		csrDER := data
		if block, _ := pem.Decode(data); block != nil {
			csrDER = block.Bytes
		}
		h, err := cmpHeader(nil)
		if err != nil {
			return err
		}
		req, err := cmp.NewP10CR(h, csrDER)
		if err != nil {
			return err
		}
		return enroll(cmd, h, req)
	},
}

var cmpRRCmd = &cobra.Command{
	Use:   "rr",
	Short: "Revoke a certificate by serial number",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, ok := new(big.Int).SetString(cmpSerial, 16)
		if !ok {
			return fmt.Errorf("invalid hex serial %q", cmpSerial)
		}
		h, err := cmpHeader(nil)
		if err != nil {
			return err
		}
		req, err := cmp.NewRR(h, serial, nil)
		if err != nil {
			return err
		}
		msg, err := sendCMP(cmd, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s (%s)\n", cmpSerial, msg.Body.Type())
		return nil
	},
}

var cmpCertConfCmd = &cobra.Command{
	Use:   "certconf",
	Short: "Confirm a certificate received in an earlier transaction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(cmpCertFile)
		if err != nil {
			return err
		}
		certDER := data
		if block, _ := pem.Decode(data); block != nil {
			certDER = block.Bytes
		}
		txID, err := hex.DecodeString(cmpTxID)
		if err != nil || len(txID) == 0 {
			return fmt.Errorf("invalid hex transaction id %q", cmpTxID)
		}
		h, err := cmpHeader(txID)
		if err != nil {
			return err
		}
		return confirm(cmd, h, cmpCertReqID, certDER)
	},
}

func cmpHeader(txID []byte) (cmp.RequestHeader, error) {
	if txID == nil {
		var err error
		if txID, err = util.RandomBytes(16); err != nil {
			return cmp.RequestHeader{}, err
		}
	}
	return cmp.RequestHeader{
		Sender:        pkix.Name{CommonName: cmpSender},
		Recipient:     pkix.Name{CommonName: cmpRecipient},
		TransactionID: txID,
	}, nil
}

// sendCMP posts req and turns rejections into errors.
func sendCMP(cmd *cobra.Command, req []byte) (*cmp.Message, error) {
	client := cmp.NewClient(cmpServerURL, cmpCAAlias, nil)
	msg, err := client.Send(cmd.Context(), req)
	if err != nil {
		return nil, err
	}
	if err := cmp.ResponseError(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// enroll sends a certificate request, stores the issued certificate and
// confirms it unless --no-confirm is set.
func enroll(cmd *cobra.Command, h cmp.RequestHeader, req []byte) error {
	msg, err := sendCMP(cmd, req)
	if err != nil {
		return err
	}
	rep, ok := msg.Body.(*cmp.CertRepBody)
	if !ok || len(rep.Responses) == 0 || len(rep.Responses[0].Certificate) == 0 {
		return fmt.Errorf("unexpected %s response", msg.Body.Type())
	}
	der := rep.Responses[0].Certificate
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing issued certificate: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "transaction: %s\n", hex.EncodeToString(msg.Header.TransactionID))
	fmt.Fprintf(out, "serial:      %x\n", cert.SerialNumber)
	fmt.Fprintf(out, "subject:     %s\n", cert.Subject)
	fmt.Fprintf(out, "not after:   %s\n", cert.NotAfter.Format("2006-01-02 15:04:05Z07:00"))
	if err := emitCertificate(out, der); err != nil {
		return err
	}

	if cmpNoConfirm {
		return nil
	}
	h.TransactionID = msg.Header.TransactionID
	h.SenderNonce = nil
	h.RecipNonce = msg.Header.SenderNonce
	return confirm(cmd, h, rep.Responses[0].CertReqID, der)
}

func confirm(cmd *cobra.Command, h cmp.RequestHeader, certReqID int64, certDER []byte) error {
	req, err := cmp.NewCertConf(h, certReqID, certDER)
	if err != nil {
		return err
	}
	msg, err := sendCMP(cmd, req)
	if err != nil {
		return err
	}
	if msg.Body.Type() != cmp.BodyPKIConf {
		return fmt.Errorf("unexpected %s response to certConf", msg.Body.Type())
	}
	fmt.Fprintln(cmd.OutOrStdout(), "confirmed")
	return nil
}

func emitCertificate(w io.Writer, der []byte) error {
	if cmpCertOut == "" {
		return pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	return writePEM(cmpCertOut, "CERTIFICATE", der, 0o644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(cmpCmd)
	pf := cmpCmd.PersistentFlags()
	pf.StringVar(&cmpServerURL, "server", "http://localhost:8080", "Server base URL")
	pf.StringVar(&cmpCAAlias, "ca", "", "Alias of the CA to talk to")
	pf.StringVar(&cmpSender, "sender", "meteor-cli", "Sender common name")
	pf.StringVar(&cmpRecipient, "recipient", "", "Recipient common name (the CA's CN)")
	_ = cmpCmd.MarkPersistentFlagRequired("ca")

	for _, c := range []*cobra.Command{cmpIRCmd, cmpP10CRCmd} {
		c.Flags().StringVar(&cmpCertOut, "cert-out", "", "Write the issued certificate to this file")
		c.Flags().BoolVar(&cmpNoConfirm, "no-confirm", false, "Do not send certConf")
	}

	f := cmpIRCmd.Flags()
	f.StringVar(&cmpSubject.CommonName, "cn", "", "Subject common name")
	f.StringSliceVar(&cmpSubject.Organization, "o", nil, "Subject organization")
	f.StringVar(&cmpKeyOut, "key-out", "", "Write the generated private key to this file")
	f.BoolVar(&cmpUseCR, "cr", false, "Send a certification request (cr) instead of ir")
	_ = cmpIRCmd.MarkFlagRequired("cn")

	cmpP10CRCmd.Flags().StringVar(&cmpCSRFile, "csr", "", "PKCS#10 request file (PEM or DER)")
	_ = cmpP10CRCmd.MarkFlagRequired("csr")

	cmpRRCmd.Flags().StringVar(&cmpSerial, "serial", "", "Hex serial number")
	_ = cmpRRCmd.MarkFlagRequired("serial")

	cmpCertConfCmd.Flags().StringVar(&cmpCertFile, "cert", "", "Certificate file (PEM or DER)")
	cmpCertConfCmd.Flags().StringVar(&cmpTxID, "transaction-id", "", "Hex transaction id of the enrollment")
	cmpCertConfCmd.Flags().Int64Var(&cmpCertReqID, "cert-req-id", 0, "certReqId of the confirmed response")
	_ = cmpCertConfCmd.MarkFlagRequired("cert")
	_ = cmpCertConfCmd.MarkFlagRequired("transaction-id")

	cmpCmd.AddCommand(cmpIRCmd, cmpP10CRCmd, cmpRRCmd, cmpCertConfCmd)
}
