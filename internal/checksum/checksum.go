// Package checksum computes deterministic content hashes for cached payloads.
//
// JSON payloads are hashed in canonical form: object keys sorted by UTF-16
// code units, strings NFC normalized, numbers reduced to one exact decimal
// spelling, no insignificant whitespace, no HTML escaping. Two payloads
// that differ only in key order or formatting produce the same checksum.
// Payloads that are not valid JSON are hashed byte for byte under a separate
// domain, so corruption that breaks the JSON still yields a mismatch.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

const (
	prefix = "sha256:"

	domainJSON = "relay/cache/json/v1"
	domainRaw  = "relay/cache/raw/v1"
)

// Sum returns the checksum of payload in the form "sha256:<hex>".
func Sum(payload []byte) string {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return prefix + hashWithDomain(domainRaw, payload)
	}
	return prefix + hashWithDomain(domainJSON, canonical)
}

// Verify reports whether sum matches the checksum of payload.
func Verify(payload []byte, sum string) bool {
	return Sum(payload) == sum
}

// Canonicalize re-encodes a JSON document in canonical form.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode payload: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		n, err := canonicalNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return writeObject(buf, val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	// Keys are normalized before sorting so that differently composed
	// spellings of the same key collide deterministically.
	keys := make([]string, 0, len(obj))
	normalized := make(map[string]any, len(obj))
	for k, v := range obj {
		nk := norm.NFC.String(k)
		keys = append(keys, nk)
		normalized[nk] = v
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, normalized[k]); err != nil {
			return fmt.Errorf("object[%q]: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// maxExponent bounds decimal exponents so digit arithmetic cannot overflow.
const maxExponent = 1 << 30

// canonicalNumber maps equal numeric values to one spelling without going
// through a binary float, so every digit of the literal takes part in the
// hash. The value is reduced to sign, significant digits and a decimal
// exponent; integers up to 21 digits and short fractions are written
// positionally, everything else as d.ddde±x.
func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	neg, digits, exp, err := splitDecimal(s)
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", s, err)
	}

	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return "0", nil
	}
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	digits = trimmed

	var out string
	switch {
	case exp >= 0 && len(digits)+exp <= 21:
		out = digits + strings.Repeat("0", exp)
	case exp < 0 && len(digits) > -exp:
		point := len(digits) + exp
		out = digits[:point] + "." + digits[point:]
	case exp < 0 && -exp-len(digits) <= 6:
		out = "0." + strings.Repeat("0", -exp-len(digits)) + digits
	default:
		out = digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		out += "e" + strconv.Itoa(exp+len(digits)-1)
	}
	if neg {
		out = "-" + out
	}
	return out, nil
}

// splitDecimal splits a JSON number literal into its sign, the digits of
// the integer and fraction parts, and the exponent that applies to them.
func splitDecimal(s string) (neg bool, digits string, exp int, err error) {
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	mantissa := s
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mantissa = s[:i]
		exp, err = strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
		if err != nil {
			return false, "", 0, err
		}
		if exp > maxExponent || exp < -maxExponent {
			return false, "", 0, errors.New("exponent out of range")
		}
	}
	intPart, frac, _ := strings.Cut(mantissa, ".")
	digits = intPart + frac
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return false, "", 0, errors.New("malformed digits")
	}
	if len(digits) > maxExponent {
		return false, "", 0, errors.New("too many digits")
	}
	return neg, digits, exp - len(frac), nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
