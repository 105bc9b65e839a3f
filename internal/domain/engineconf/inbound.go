// Package engineconf models the parts of the Xray configuration document that
// the panel manages. Fields it does not understand are carried through
// unchanged so operator edits survive a read-modify-write cycle.
package engineconf

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// TagPrefix prefixes the tag of every inbound owned by a credential.
const TagPrefix = "inbound-"

// Tag returns the inbound tag for the credential with the given uuid.
func Tag(uuid string) string {
	return TagPrefix + uuid
}

// UUIDFromTag extracts the credential uuid from a managed inbound tag.
func UUIDFromTag(tag string) (string, bool) {
	if !strings.HasPrefix(tag, TagPrefix) || len(tag) == len(TagPrefix) {
		return "", false
	}
	return strings.TrimPrefix(tag, TagPrefix), true
}

// Inbound is one entry of the document's inbound list.
type Inbound struct {
	Listen         string          `json:"listen,omitempty"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings,omitempty"`
	StreamSettings json.RawMessage `json:"streamSettings,omitempty"`
	Tag            string          `json:"tag,omitempty"`

	extra map[string]json.RawMessage
}

var inboundKeys = []string{"listen", "port", "protocol", "settings", "streamSettings", "tag"}

// UnmarshalJSON decodes the known fields and keeps everything else.
func (in *Inbound) UnmarshalJSON(data []byte) error {
	type plain Inbound
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range inboundKeys {
		delete(fields, k)
	}
	*in = Inbound(p)
	if len(fields) > 0 {
		in.extra = fields
	}
	return nil
}

// MarshalJSON encodes the known fields merged with any preserved unknown ones.
func (in Inbound) MarshalJSON() ([]byte, error) {
	type plain Inbound
	data, err := json.Marshal(plain(in))
	if err != nil || len(in.extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range in.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Client is a user entry in a VLESS inbound's settings.
type Client struct {
	ID    string `json:"id"`
	Flow  string `json:"flow"`
	Email string `json:"email"`
}

// ClientSettings is the settings object of a VLESS inbound.
type ClientSettings struct {
	Clients    []Client `json:"clients"`
	Decryption string   `json:"decryption,omitempty"`
}

// StreamSettings is the transport section of a managed inbound.
type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
}

// RealitySettings carries the camouflage parameters of a managed inbound.
type RealitySettings struct {
	Show        bool     `json:"show"`
	Dest        string   `json:"dest"`
	Xver        int      `json:"xver"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIDs    []string `json:"shortIds"`
	MaxTimeDiff int      `json:"maxTimeDiff"`
}

// HasClientList reports whether the settings object carries a "clients" key.
func (in Inbound) HasClientList() bool {
	if len(in.Settings) == 0 {
		return false
	}
	var probe struct {
		Clients *json.RawMessage `json:"clients"`
	}
	if err := json.Unmarshal(in.Settings, &probe); err != nil {
		return false
	}
	return probe.Clients != nil
}

// Clients decodes the inbound's client list.
func (in Inbound) Clients() ([]Client, error) {
	if len(in.Settings) == 0 {
		return nil, nil
	}
	var s ClientSettings
	if err := json.Unmarshal(in.Settings, &s); err != nil {
		return nil, fmt.Errorf("decode settings of %q: %w", in.Tag, err)
	}
	return s.Clients, nil
}

// Reality decodes the inbound's Reality settings. It returns nil, nil when
// the inbound has no Reality transport.
func (in Inbound) Reality() (*RealitySettings, error) {
	if len(in.StreamSettings) == 0 {
		return nil, nil
	}
	var s StreamSettings
	if err := json.Unmarshal(in.StreamSettings, &s); err != nil {
		return nil, fmt.Errorf("decode streamSettings of %q: %w", in.Tag, err)
	}
	return s.RealitySettings, nil
}

// SetRealityField sets one key of the inbound's realitySettings. Every other
// key of streamSettings and realitySettings is kept as written.
func (in *Inbound) SetRealityField(key string, value any) error {
	var stream map[string]json.RawMessage
	if err := json.Unmarshal(in.StreamSettings, &stream); err != nil {
		return fmt.Errorf("decode streamSettings of %q: %w", in.Tag, err)
	}
	raw, ok := stream["realitySettings"]
	if !ok {
		return fmt.Errorf("inbound %q has no realitySettings", in.Tag)
	}
	var reality map[string]json.RawMessage
	if err := json.Unmarshal(raw, &reality); err != nil {
		return fmt.Errorf("decode realitySettings of %q: %w", in.Tag, err)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	reality[key] = encoded
	if stream["realitySettings"], err = json.Marshal(reality); err != nil {
		return err
	}
	patched, err := json.Marshal(stream)
	if err != nil {
		return err
	}
	in.StreamSettings = patched
	return nil
}

// EntrySpec describes a credential's inbound.
type EntrySpec struct {
	UUID        string
	Port        int
	ShortID     string
	PrivateKey  string
	Dest        string
	ServerNames []string
	MaxTimeDiff int
}

// NewInbound builds the VLESS + Reality inbound for a credential.
func NewInbound(spec EntrySpec) (Inbound, error) {
	settings, err := json.Marshal(ClientSettings{
		Clients:    []Client{{ID: spec.UUID, Flow: "", Email: spec.UUID}},
		Decryption: "none",
	})
	if err != nil {
		return Inbound{}, err
	}

	shortIDs := []string{}
	if spec.ShortID != "" {
		shortIDs = []string{spec.ShortID}
	}
	stream, err := json.Marshal(StreamSettings{
		Network:  "tcp",
		Security: "reality",
		RealitySettings: &RealitySettings{
			Dest:        spec.Dest,
			ServerNames: slices.Clone(spec.ServerNames),
			PrivateKey:  spec.PrivateKey,
			ShortIDs:    shortIDs,
			MaxTimeDiff: spec.MaxTimeDiff,
		},
	})
	if err != nil {
		return Inbound{}, err
	}

	return Inbound{
		Listen:         "0.0.0.0",
		Port:           spec.Port,
		Protocol:       "vless",
		Settings:       settings,
		StreamSettings: stream,
		Tag:            Tag(spec.UUID),
	}, nil
}

// SameDesiredState reports whether current already carries what desired asks
// for: port, protocol, client ids, short ids and private key. Camouflage
// destination and server names are not compared, so operator choices there
// are kept.
func SameDesiredState(current, desired Inbound) bool {
	if current.Port != desired.Port || current.Protocol != desired.Protocol || current.Tag != desired.Tag {
		return false
	}

	cc, err := current.Clients()
	if err != nil {
		return false
	}
	dc, err := desired.Clients()
	if err != nil {
		return false
	}
	if !slices.EqualFunc(cc, dc, func(a, b Client) bool { return a.ID == b.ID && a.Email == b.Email }) {
		return false
	}

	cr, err := current.Reality()
	if err != nil || cr == nil {
		return false
	}
	dr, err := desired.Reality()
	if err != nil || dr == nil {
		return false
	}
	return cr.PrivateKey == dr.PrivateKey && slices.Equal(cr.ShortIDs, dr.ShortIDs)
}
