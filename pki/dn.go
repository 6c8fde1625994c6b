package pki

import (
	"crypto/x509/pkix"
	"fmt"
	"strconv"
	"strings"

	"github.com/ivneld/Meteor-PKI/internal/util"
)

// SubjectDN is a distinguished name restricted to the attributes a CA
// issues. CN is mandatory; blank optional attributes are omitted.
type SubjectDN struct {
	CommonName         string `json:"cn"`
	Organization       string `json:"o,omitempty"`
	OrganizationalUnit string `json:"ou,omitempty"`
	Country            string `json:"c,omitempty"`
	State              string `json:"st,omitempty"`
	Locality           string `json:"l,omitempty"`
}

// NewSubjectDN normalizes every attribute and requires a common name.
func NewSubjectDN(dn SubjectDN) (SubjectDN, error) {
	out := SubjectDN{
		CommonName:         util.Normalize(dn.CommonName),
		Organization:       util.Normalize(dn.Organization),
		OrganizationalUnit: util.Normalize(dn.OrganizationalUnit),
		Country:            util.Normalize(dn.Country),
		State:              util.Normalize(dn.State),
		Locality:           util.Normalize(dn.Locality),
	}
	if out.CommonName == "" {
		return SubjectDN{}, fmt.Errorf("%w: common name is required", ErrInvalidSubject)
	}
	return out, nil
}

type dnAttr struct {
	key string
	get func(*SubjectDN) *string
}

// RFC 2253 output order.
var dnOrder = []dnAttr{
	{"CN", func(d *SubjectDN) *string { return &d.CommonName }},
	{"OU", func(d *SubjectDN) *string { return &d.OrganizationalUnit }},
	{"O", func(d *SubjectDN) *string { return &d.Organization }},
	{"L", func(d *SubjectDN) *string { return &d.Locality }},
	{"ST", func(d *SubjectDN) *string { return &d.State }},
	{"C", func(d *SubjectDN) *string { return &d.Country }},
}

// String renders the DN in RFC 2253 form, CN first.
func (d SubjectDN) String() string {
	var parts []string
	for _, attr := range dnOrder {
		if v := *attr.get(&d); v != "" {
			parts = append(parts, attr.key+"="+escapeDNValue(v))
		}
	}
	return strings.Join(parts, ",")
}

// ParseSubjectDN parses an RFC 2253 string. Attribute types other than the
// six supported ones are ignored.
func ParseSubjectDN(s string) (SubjectDN, error) {
	var dn SubjectDN
	rdns, err := splitDN(s)
	if err != nil {
		return SubjectDN{}, err
	}
	for _, rdn := range rdns {
		eq := strings.IndexByte(rdn, '=')
		if eq <= 0 {
			return SubjectDN{}, fmt.Errorf("%w: malformed RDN %q", ErrInvalidSubject, rdn)
		}
		key := strings.ToUpper(strings.TrimSpace(rdn[:eq]))
		val, err := unescapeDNValue(strings.TrimLeft(rdn[eq+1:], " "))
		if err != nil {
			return SubjectDN{}, err
		}
		for _, attr := range dnOrder {
			if attr.key == key {
				*attr.get(&dn) = val
				break
			}
		}
	}
	return NewSubjectDN(dn)
}

// Name converts the DN to the x509 representation.
func (d SubjectDN) Name() pkix.Name {
	name := pkix.Name{CommonName: d.CommonName}
	if d.Organization != "" {
		name.Organization = []string{d.Organization}
	}
	if d.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{d.OrganizationalUnit}
	}
	if d.Country != "" {
		name.Country = []string{d.Country}
	}
	if d.State != "" {
		name.Province = []string{d.State}
	}
	if d.Locality != "" {
		name.Locality = []string{d.Locality}
	}
	return name
}

// SubjectDNFromName keeps the first value of each supported attribute.
// A name without CN is rejected.
func SubjectDNFromName(name pkix.Name) (SubjectDN, error) {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	return NewSubjectDN(SubjectDN{
		CommonName:         name.CommonName,
		Organization:       first(name.Organization),
		OrganizationalUnit: first(name.OrganizationalUnit),
		Country:            first(name.Country),
		State:              first(name.Province),
		Locality:           first(name.Locality),
	})
}

func escapeDNValue(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;`, r):
			b.WriteByte('\\')
		case i == 0 && (r == '#' || r == ' '):
			b.WriteByte('\\')
		case i == len(v)-1 && r == ' ':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitDN splits on unescaped commas (and semicolons, which RFC 2253
// parsers accept).
func splitDN(s string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == ',' || r == ';':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing escape in %q", ErrInvalidSubject, s)
	}
	if strings.TrimSpace(cur.String()) != "" || len(out) > 0 {
		out = append(out, cur.String())
	}
	return out, nil
}

func unescapeDNValue(v string) (string, error) {
	if !strings.Contains(v, `\`) {
		return strings.TrimRight(v, " "), nil
	}
	var b []byte
	trailingEscaped := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b = append(b, c)
			trailingEscaped = false
			continue
		}
		if i+1 >= len(v) {
			return "", fmt.Errorf("%w: trailing escape", ErrInvalidSubject)
		}
		if i+2 < len(v) && isHex(v[i+1]) && isHex(v[i+2]) {
			n, _ := strconv.ParseUint(v[i+1:i+3], 16, 8)
			b = append(b, byte(n))
			i += 2
		} else {
			b = append(b, v[i+1])
			i++
		}
		trailingEscaped = i == len(v)-1
	}
	out := string(b)
	if !trailingEscaped {
		out = strings.TrimRight(out, " ")
	}
	return out, nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
