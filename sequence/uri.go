package sequence

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/wcerr"
)

// URIVersion is the protocol version embedded in every pairing URI.
const URIVersion = "2"

// URI is the parsed form of the `wc:` pairing signal described in
// spec.md §4.4: the out-of-band channel that boots the whole protocol.
type URI struct {
	Topic      string
	Version    string
	Controller bool
	PublicKey  string
	Relay      relay.Descriptor
}

// BuildURI renders a URI as `wc:{topic}@{version}?controller={0|1}&publicKey={hex}&relay={urlencoded-JSON}`.
func BuildURI(topic, publicKey string, controller bool, rel relay.Descriptor) (string, error) {
	relayJSON, err := json.Marshal(rel)
	if err != nil {
		return "", fmt.Errorf("failed to encode relay descriptor: %w", err)
	}

	v := url.Values{}
	v.Set("publicKey", publicKey)
	v.Set("relay", string(relayJSON))
	if controller {
		v.Set("controller", "1")
	} else {
		v.Set("controller", "0")
	}

	return fmt.Sprintf("wc:%s@%s?%s", topic, URIVersion, v.Encode()), nil
}

// ParseURI parses a `wc:` URI back into its components.
func ParseURI(uri string) (*URI, error) {
	rest, ok := strings.CutPrefix(uri, "wc:")
	if !ok {
		return nil, wcerr.New(wcerr.MissingOrInvalid, "uri %q missing wc: scheme", uri)
	}

	head, query, ok := strings.Cut(rest, "?")
	if !ok {
		return nil, wcerr.New(wcerr.MissingOrInvalid, "uri %q missing query component", uri)
	}

	topic, version, ok := strings.Cut(head, "@")
	if !ok {
		return nil, wcerr.New(wcerr.MissingOrInvalid, "uri %q missing @version", uri)
	}

	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, wcerr.Wrap(wcerr.MissingOrInvalid, err, "uri %q has malformed query", uri)
	}

	publicKey := q.Get("publicKey")
	if publicKey == "" {
		return nil, wcerr.New(wcerr.MissingOrInvalid, "uri %q missing publicKey", uri)
	}

	var rel relay.Descriptor
	if raw := q.Get("relay"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rel); err != nil {
			return nil, wcerr.Wrap(wcerr.MissingOrInvalid, err, "uri %q has malformed relay param", uri)
		}
	}

	return &URI{
		Topic:      topic,
		Version:    version,
		Controller: q.Get("controller") == "1",
		PublicKey:  publicKey,
		Relay:      rel,
	}, nil
}
