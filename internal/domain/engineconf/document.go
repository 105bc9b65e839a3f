package engineconf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Document is a parsed engine configuration document.
type Document struct {
	Inbounds  []Inbound
	Outbounds []json.RawMessage
	Routing   *Routing

	hasInbounds  bool
	hasOutbounds bool
	rest         map[string]json.RawMessage
}

// Routing is the document's routing section. Only the rule list is
// interpreted; other keys such as domainStrategy pass through.
type Routing struct {
	Rules []json.RawMessage

	rest map[string]json.RawMessage
}

// RoutingPolicy names the tags used when the routing table is rebuilt.
type RoutingPolicy struct {
	ControlTag      string // Inbound tag of the engine's control API.
	ControlOutbound string // Outbound the control inbound routes to.
	DirectOutbound  string // Outbound every other inbound routes to.
}

// DefaultRoutingPolicy matches the stock Xray API layout.
func DefaultRoutingPolicy() RoutingPolicy {
	return RoutingPolicy{ControlTag: "api", ControlOutbound: "api", DirectOutbound: "direct"}
}

type fieldRule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag"`
	OutboundTag string   `json:"outboundTag"`
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	doc := &Document{rest: top}

	if raw, ok := top["inbounds"]; ok {
		doc.hasInbounds = true
		if err := json.Unmarshal(raw, &doc.Inbounds); err != nil {
			return nil, fmt.Errorf("decode inbounds: %w", err)
		}
		delete(top, "inbounds")
	}

	if raw, ok := top["outbounds"]; ok {
		doc.hasOutbounds = true
		if err := json.Unmarshal(raw, &doc.Outbounds); err != nil {
			return nil, fmt.Errorf("decode outbounds: %w", err)
		}
		delete(top, "outbounds")
	}

	if raw, ok := top["routing"]; ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode routing: %w", err)
		}
		r := &Routing{rest: fields}
		if rules, ok := fields["rules"]; ok {
			if err := json.Unmarshal(rules, &r.Rules); err != nil {
				return nil, fmt.Errorf("decode routing rules: %w", err)
			}
			delete(fields, "rules")
		}
		doc.Routing = r
		delete(top, "routing")
	}

	return doc, nil
}

// Marshal encodes the document with two-space indentation.
func (d *Document) Marshal() ([]byte, error) {
	out := make(map[string]any, len(d.rest)+3)
	for k, v := range d.rest {
		out[k] = v
	}
	if d.hasInbounds || d.Inbounds != nil {
		inbounds := d.Inbounds
		if inbounds == nil {
			inbounds = []Inbound{}
		}
		out["inbounds"] = inbounds
	}
	if d.hasOutbounds || d.Outbounds != nil {
		outbounds := d.Outbounds
		if outbounds == nil {
			outbounds = []json.RawMessage{}
		}
		out["outbounds"] = outbounds
	}
	if d.Routing != nil {
		routing := make(map[string]any, len(d.Routing.rest)+1)
		for k, v := range d.Routing.rest {
			routing[k] = v
		}
		rules := d.Routing.Rules
		if rules == nil {
			rules = []json.RawMessage{}
		}
		routing["rules"] = rules
		out["routing"] = routing
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// Find returns the index of the inbound with tag, or -1.
func (d *Document) Find(tag string) int {
	for i, in := range d.Inbounds {
		if in.Tag == tag {
			return i
		}
	}
	return -1
}

// Upsert replaces the inbound carrying the same tag or appends it.
func (d *Document) Upsert(in Inbound) {
	d.hasInbounds = true
	if i := d.Find(in.Tag); i >= 0 {
		d.Inbounds[i] = in
		return
	}
	d.Inbounds = append(d.Inbounds, in)
}

// Remove deletes every inbound with tag and reports whether any existed.
func (d *Document) Remove(tag string) bool {
	kept := d.Inbounds[:0]
	removed := false
	for _, in := range d.Inbounds {
		if in.Tag == tag {
			removed = true
			continue
		}
		kept = append(kept, in)
	}
	d.Inbounds = kept
	return removed
}

// Managed returns the inbounds owned by credentials, keyed by tag.
func (d *Document) Managed() map[string]Inbound {
	out := make(map[string]Inbound)
	for _, in := range d.Inbounds {
		if _, ok := UUIDFromTag(in.Tag); ok {
			out[in.Tag] = in
		}
	}
	return out
}

// RebuildRouting regenerates the rules that reference inbound tags: the
// control inbound routes to the control outbound and every other tagged
// inbound routes to the direct outbound. Rules without inboundTag are kept
// after the generated ones.
func (d *Document) RebuildRouting(p RoutingPolicy) error {
	if d.Routing == nil {
		d.Routing = &Routing{rest: map[string]json.RawMessage{}}
	}

	var kept []json.RawMessage
	for _, raw := range d.Routing.Rules {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("decode routing rule: %w", err)
		}
		if _, ok := probe["inboundTag"]; ok {
			continue
		}
		kept = append(kept, raw)
	}

	var generated []json.RawMessage
	var hasControl bool
	var others []string
	for _, in := range d.Inbounds {
		switch {
		case in.Tag == "":
		case in.Tag == p.ControlTag:
			hasControl = true
		default:
			others = append(others, in.Tag)
		}
	}

	if hasControl {
		raw, err := json.Marshal(fieldRule{Type: "field", InboundTag: []string{p.ControlTag}, OutboundTag: p.ControlOutbound})
		if err != nil {
			return err
		}
		generated = append(generated, raw)
	}
	if len(others) > 0 {
		raw, err := json.Marshal(fieldRule{Type: "field", InboundTag: others, OutboundTag: p.DirectOutbound})
		if err != nil {
			return err
		}
		generated = append(generated, raw)
	}

	d.Routing.Rules = append(generated, kept...)
	return nil
}

// RouteFor returns the outbound tag the routing table sends inboundTag to.
func (d *Document) RouteFor(inboundTag string) (string, bool) {
	if d.Routing == nil {
		return "", false
	}
	for _, raw := range d.Routing.Rules {
		var r fieldRule
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		for _, t := range r.InboundTag {
			if t == inboundTag {
				return r.OutboundTag, true
			}
		}
	}
	return "", false
}

// Validate checks the structure the engine needs: both lists
// present, at least one inbound, and every inbound carries a port and a
// protocol. Every inbound except the control one must also carry a client
// list. All violations are reported together.
func (d *Document) Validate(controlTag string) error {
	var merr *multierror.Error

	if !d.hasInbounds {
		merr = multierror.Append(merr, errors.New("document has no inbounds list"))
	}
	if !d.hasOutbounds {
		merr = multierror.Append(merr, errors.New("document has no outbounds list"))
	}
	if d.hasInbounds && len(d.Inbounds) == 0 {
		merr = multierror.Append(merr, errors.New("inbounds list is empty"))
	}

	for i, in := range d.Inbounds {
		name := in.Tag
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if in.Port <= 0 {
			merr = multierror.Append(merr, fmt.Errorf("inbound %s has no port", name))
		}
		if in.Protocol == "" {
			merr = multierror.Append(merr, fmt.Errorf("inbound %s has no protocol", name))
		}
		if in.Tag != controlTag && !in.HasClientList() {
			merr = multierror.Append(merr, fmt.Errorf("inbound %s has no client list", name))
		}
	}

	return merr.ErrorOrNil()
}

// Fragment encodes a single-entry document holding in, as accepted by the
// engine's add-inbound command.
func Fragment(in Inbound) ([]byte, error) {
	return json.MarshalIndent(struct {
		Inbounds []Inbound `json:"inbounds"`
	}{Inbounds: []Inbound{in}}, "", "  ")
}

// Tags returns the document's inbound tags in sorted order.
func (d *Document) Tags() []string {
	tags := make([]string, 0, len(d.Inbounds))
	for _, in := range d.Inbounds {
		if in.Tag != "" {
			tags = append(tags, in.Tag)
		}
	}
	sort.Strings(tags)
	return tags
}
