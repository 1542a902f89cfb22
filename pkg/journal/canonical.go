package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/leviathan-sh/leviathan/pkg/types"
)

// GenesisHash is the prevHash of the first event in a journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainSeparator sits between prevHash and the canonical event bytes when
// hashing, so neither side can masquerade as part of the other.
const chainSeparator = byte(0x1E)

// CanonicalEvent renders the hashable canonical serialization of an event:
// recursively sorted keys, no insignificant whitespace, NFC-normalized
// strings, RFC 3339 UTC timestamp. PrevHash and Hash are excluded; they are
// chain metadata, not event content.
func CanonicalEvent(e *types.Event) ([]byte, error) {
	payload, err := normalizeValue(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	m := map[string]interface{}{
		"actorId":   e.ActorID,
		"eventId":   e.EventID,
		"eventType": string(e.EventType),
		"targetId":  e.TargetID,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   payload,
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChainHash computes hex(sha256(prevHash ‖ 0x1E ‖ canonical)).
func ChainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{chainSeparator})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash canonicalizes the event and chains it onto prevHash.
func EventHash(prevHash string, e *types.Event) (string, error) {
	canonical, err := CanonicalEvent(e)
	if err != nil {
		return "", err
	}
	return ChainHash(prevHash, canonical), nil
}

// normalizeValue round-trips a value through encoding/json with UseNumber so
// numeric literals keep one stable representation regardless of the Go type
// they started as.
func normalizeValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Values reach here only if normalizeValue was skipped.
		normalized, err := normalizeValue(val)
		if err != nil {
			return fmt.Errorf("unsupported canonical value %T: %w", val, err)
		}
		return writeCanonical(buf, normalized)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	// json.Marshal would escape <, >, & for HTML embedding; canonical form
	// keeps them literal, so encode with HTML escaping off.
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.WriteString(strings.TrimSuffix(tmp.String(), "\n"))
	return nil
}
