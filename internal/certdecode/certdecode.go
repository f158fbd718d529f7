// Package certdecode extracts the domain names a certificate or
// precertificate claims, by walking its TBSCertificate structure directly
// rather than relying on a full X.509 semantic parser.
package certdecode

import (
	"encoding/asn1"
	"fmt"
	"log"
	"math/big"
	"time"
)

// oidCommonName is 2.5.4.3, the subject attribute type for CommonName.
var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// oidSubjectAltName is 2.5.29.17, the certificate extension ID for
// subjectAltName.
var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// GeneralName tags accepted as domain-bearing, per RFC 5280 appendix A.
// In practice almost every CT certificate only ever uses dNSName.
const (
	tagRFC822Name = 1 // email address
	tagDNSName    = 2 // DNS name
	tagURI        = 6 // uniform resource identifier
)

func oidEqual(a, b asn1.ObjectIdentifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// attributeTypeAndValue mirrors pkix.AttributeTypeAndValue, but keeps the
// attribute's value as a raw, undecoded TLV so it can be fed through the
// same tagged-BER walk used for subjectAltName entries.
type attributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// extension mirrors pkix.Extension, again keeping the raw octet-string
// content rather than a decoded Go value.
type extension struct {
	Id       asn1.ObjectIdentifier
	Critical bool `asn1:"optional"`
	Value    []byte
}

// tbsCertificate is the subset of RFC 5280's TBSCertificate this package
// cares about. Fields this package never inspects are captured as
// asn1.RawValue purely to keep the decoder's field offsets aligned; Issuer
// and the public key are the log's job to trust, not ours.
type tbsCertificate struct {
	Raw                asn1.RawContent
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm asn1.RawValue
	Issuer             asn1.RawValue
	Validity           asn1.RawValue
	Subject            asn1.RawValue
	PublicKey          asn1.RawValue
	UniqueID           asn1.BitString `asn1:"optional,tag:1"`
	SubjectUniqueID    asn1.BitString `asn1:"optional,tag:2"`
	Extensions         []extension    `asn1:"optional,explicit,tag:3"`
}

// ExtractDomains decodes a DER-encoded TBSCertificate (the body returned by
// entrycodec.LogEntry.InnerCert) and returns every domain name it claims:
// first any CommonName subject attributes that happen to carry a
// domain-bearing tag, in subject order, then every subjectAltName entry, in
// extension order. Order and duplicates are preserved exactly as found;
// deduplication is the index layer's job.
func ExtractDomains(tbsDER []byte) ([][]byte, error) {
	var tbs tbsCertificate
	rest, err := asn1.Unmarshal(tbsDER, &tbs)
	if err != nil {
		return nil, fmt.Errorf("certdecode: parse tbs certificate: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("certdecode: %d trailing bytes after tbs certificate", len(rest))
	}

	var domains [][]byte

	var rdns []rdnSET
	if _, err := asn1.Unmarshal(tbs.Subject.FullBytes, &rdns); err != nil {
		return nil, fmt.Errorf("certdecode: parse subject: %w", err)
	}
	for _, rdn := range rdns {
		for _, atv := range rdn {
			if !oidEqual(atv.Type, oidCommonName) {
				continue
			}
			if dom, ok, _ := takeTaggedBER(atv.Value); ok {
				domains = append(domains, dom)
			}
		}
	}

	for _, ext := range tbs.Extensions {
		if !oidEqual(ext.Id, oidSubjectAltName) {
			continue
		}
		doms, err := parseGeneralNames(ext.Value)
		if err != nil {
			log.Printf("certdecode: cert has invalid subjectAltName extension: %v", err)
			continue
		}
		domains = append(domains, doms...)
	}

	return domains, nil
}

// validity mirrors RFC 5280's Validity SEQUENCE, keeping each Time CHOICE
// as a raw value since UTCTime and GeneralizedTime carry different tags.
type validity struct {
	NotBefore asn1.RawValue
	NotAfter  asn1.RawValue
}

// ExtractValidity decodes a DER-encoded TBSCertificate's notBefore/notAfter
// bounds, returned as seconds since the Unix epoch.
func ExtractValidity(tbsDER []byte) (notBefore, notAfter int64, err error) {
	var tbs tbsCertificate
	rest, err := asn1.Unmarshal(tbsDER, &tbs)
	if err != nil {
		return 0, 0, fmt.Errorf("certdecode: parse tbs certificate: %w", err)
	}
	if len(rest) != 0 {
		return 0, 0, fmt.Errorf("certdecode: %d trailing bytes after tbs certificate", len(rest))
	}

	var v validity
	if _, err := asn1.Unmarshal(tbs.Validity.FullBytes, &v); err != nil {
		return 0, 0, fmt.Errorf("certdecode: parse validity: %w", err)
	}

	nb, err := parseASN1Time(v.NotBefore)
	if err != nil {
		return 0, 0, fmt.Errorf("certdecode: parse notBefore: %w", err)
	}
	na, err := parseASN1Time(v.NotAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("certdecode: parse notAfter: %w", err)
	}
	return nb.Unix(), na.Unix(), nil
}

// parseASN1Time decodes a UTCTime or GeneralizedTime value, the two Time
// CHOICE alternatives RFC 5280 permits for certificate validity bounds.
func parseASN1Time(v asn1.RawValue) (time.Time, error) {
	s := string(v.Bytes)
	switch v.Tag {
	case asn1.TagUTCTime:
		if len(s) == 11 {
			return time.Parse("0601021504Z0700", s)
		}
		return time.Parse("060102150405Z0700", s)
	case asn1.TagGeneralizedTime:
		return time.Parse("20060102150405Z0700", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported time tag %d", v.Tag)
	}
}

type rdnSET = []attributeTypeAndValue

// parseGeneralNames walks a subjectAltName extension's GeneralNames
// SEQUENCE, collecting every entry whose tag is domain-bearing. An entry
// whose tag is some other GeneralName choice is skipped (not every CT
// client needs to understand iPAddress or directoryName); a constructed
// (rather than primitive) entry is treated as malformed and ends the walk,
// keeping whatever was already collected.
func parseGeneralNames(value []byte) ([][]byte, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(value, &seq)
	if err != nil {
		return nil, fmt.Errorf("not a DER value: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after general names", len(rest))
	}
	if !seq.IsCompound || seq.Tag != asn1.TagSequence || seq.Class != asn1.ClassUniversal {
		return nil, fmt.Errorf("not a sequence")
	}

	var domains [][]byte
	body := seq.Bytes
	for len(body) > 0 {
		var v asn1.RawValue
		body, err = asn1.Unmarshal(body, &v)
		if err != nil {
			// Malformed: stop, keeping whatever was already found.
			break
		}
		dom, ok, malformed := takeTaggedBER(v)
		if malformed {
			break
		}
		if !ok {
			continue
		}
		domains = append(domains, dom)
	}
	return domains, nil
}

// takeTaggedBER inspects a single tagged BER value. A primitive value tagged
// CTX_1 (email), CTX_2 (DNS name), or CTX_6 (URI) is domain-bearing and its
// content is returned decoded to a domain string (handled=true). Any other
// primitive tag is simply not domain-bearing and is skipped (handled=false,
// malformed=false). A constructed value, under any tag, is malformed content
// and the caller must stop walking rather than skip past it.
func takeTaggedBER(v asn1.RawValue) (dom []byte, handled bool, malformed bool) {
	if v.IsCompound {
		return nil, false, true
	}
	if v.Class != asn1.ClassContextSpecific {
		return nil, false, false
	}
	switch v.Tag {
	case tagRFC822Name, tagDNSName, tagURI:
		return berToString(v.Bytes), true, false
	default:
		return nil, false, false
	}
}

// berToString handles the rare case where a GeneralName's content is itself
// a nested, explicitly-tagged string (UTF8String or IA5String) rather than
// the raw IA5String bytes IMPLICIT tagging normally leaves behind. If the
// content doesn't parse as one of those, it's already the literal string
// bytes, and is returned unchanged.
func berToString(content []byte) []byte {
	var inner asn1.RawValue
	rest, err := asn1.Unmarshal(content, &inner)
	if err == nil && len(rest) == 0 && inner.Class == asn1.ClassUniversal && !inner.IsCompound &&
		(inner.Tag == asn1.TagUTF8String || inner.Tag == asn1.TagIA5String) {
		return inner.Bytes
	}
	return content
}
