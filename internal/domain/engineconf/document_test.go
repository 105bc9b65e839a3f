package engineconf_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
)

const baseDoc = `{
  "log": {"loglevel": "warning"},
  "api": {"tag": "api", "services": ["HandlerService", "StatsService"]},
  "stats": {},
  "inbounds": [
    {
      "listen": "127.0.0.1",
      "port": 10085,
      "protocol": "dokodemo-door",
      "settings": {"address": "127.0.0.1"},
      "tag": "api"
    }
  ],
  "outbounds": [
    {"protocol": "freedom", "tag": "direct"},
    {"protocol": "blackhole", "tag": "block"}
  ],
  "routing": {
    "domainStrategy": "AsIs",
    "rules": [
      {"type": "field", "inboundTag": ["api"], "outboundTag": "api"},
      {"type": "field", "ip": ["geoip:private"], "outboundTag": "block"}
    ]
  }
}`

func mustInbound(t *testing.T, uuid string, port int, shortID string) engineconf.Inbound {
	t.Helper()
	in, err := engineconf.NewInbound(engineconf.EntrySpec{
		UUID:        uuid,
		Port:        port,
		ShortID:     shortID,
		PrivateKey:  "priv",
		Dest:        "www.microsoft.com:443",
		ServerNames: []string{"www.microsoft.com"},
		MaxTimeDiff: 600,
	})
	require.NoError(t, err)
	return in
}

func TestTag_RoundTrip(t *testing.T) {
	uuid, ok := engineconf.UUIDFromTag(engineconf.Tag("abc"))
	require.True(t, ok)
	assert.Equal(t, "abc", uuid)

	_, ok = engineconf.UUIDFromTag("api")
	assert.False(t, ok)
	_, ok = engineconf.UUIDFromTag(engineconf.TagPrefix)
	assert.False(t, ok)
}

func TestParse_PreservesUnknownKeys(t *testing.T) {
	doc, err := engineconf.Parse([]byte(baseDoc))
	require.NoError(t, err)

	out, err := doc.Marshal()
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &top))
	assert.Contains(t, top, "log")
	assert.Contains(t, top, "api")
	assert.Contains(t, top, "stats")
	assert.JSONEq(t, `{"loglevel": "warning"}`, string(top["log"]))

	reparsed, err := engineconf.Parse(out)
	require.NoError(t, err)
	require.Len(t, reparsed.Inbounds, 1)
	assert.Equal(t, "api", reparsed.Inbounds[0].Tag)
	assert.JSONEq(t, `{"address": "127.0.0.1"}`, string(reparsed.Inbounds[0].Settings))
}

func TestInbound_PreservesUnknownFields(t *testing.T) {
	raw := `{"port": 10001, "protocol": "vless", "tag": "inbound-x", "sniffing": {"enabled": true}, "settings": {"clients": []}}`

	var in engineconf.Inbound
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	assert.Equal(t, 10001, in.Port)

	out, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestNewInbound_Shape(t *testing.T) {
	in := mustInbound(t, "u-1", 10001, "0123456789abcdef")

	assert.Equal(t, "inbound-u-1", in.Tag)
	assert.Equal(t, "vless", in.Protocol)
	assert.Equal(t, 10001, in.Port)

	clients, err := in.Clients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "u-1", clients[0].ID)
	assert.Equal(t, "u-1", clients[0].Email)

	reality, err := in.Reality()
	require.NoError(t, err)
	require.NotNil(t, reality)
	assert.Equal(t, []string{"0123456789abcdef"}, reality.ShortIDs)
	assert.Equal(t, "priv", reality.PrivateKey)
	assert.Equal(t, 600, reality.MaxTimeDiff)
}

func TestDocument_UpsertAndRemove(t *testing.T) {
	doc, err := engineconf.Parse([]byte(baseDoc))
	require.NoError(t, err)

	doc.Upsert(mustInbound(t, "a", 10001, "aa"))
	doc.Upsert(mustInbound(t, "b", 10002, "bb"))
	doc.Upsert(mustInbound(t, "a", 10003, "aa"))

	require.Len(t, doc.Inbounds, 3)
	assert.Equal(t, 10003, doc.Inbounds[doc.Find("inbound-a")].Port)
	assert.Len(t, doc.Managed(), 2)

	assert.True(t, doc.Remove("inbound-a"))
	assert.False(t, doc.Remove("inbound-a"))
	assert.Equal(t, []string{"api", "inbound-b"}, doc.Tags())
}

func TestDocument_RebuildRouting(t *testing.T) {
	doc, err := engineconf.Parse([]byte(baseDoc))
	require.NoError(t, err)

	doc.Upsert(mustInbound(t, "a", 10001, "aa"))
	doc.Upsert(mustInbound(t, "b", 10002, "bb"))
	require.NoError(t, doc.RebuildRouting(engineconf.DefaultRoutingPolicy()))

	route, ok := doc.RouteFor("api")
	require.True(t, ok)
	assert.Equal(t, "api", route)

	for _, tag := range []string{"inbound-a", "inbound-b"} {
		route, ok := doc.RouteFor(tag)
		require.True(t, ok, tag)
		assert.Equal(t, "direct", route, tag)
	}

	// The geoip rule has no inboundTag and must survive.
	require.Len(t, doc.Routing.Rules, 3)
	assert.Contains(t, string(doc.Routing.Rules[2]), "geoip:private")

	doc.Remove("inbound-a")
	require.NoError(t, doc.RebuildRouting(engineconf.DefaultRoutingPolicy()))
	_, ok = doc.RouteFor("inbound-a")
	assert.False(t, ok)
}

func TestDocument_Validate(t *testing.T) {
	doc, err := engineconf.Parse([]byte(baseDoc))
	require.NoError(t, err)
	doc.Upsert(mustInbound(t, "a", 10001, "aa"))
	assert.NoError(t, doc.Validate("api"))

	missing, err := engineconf.Parse([]byte(`{"inbounds": []}`))
	require.NoError(t, err)
	err = missing.Validate("api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outbounds list")
	assert.Contains(t, err.Error(), "inbounds list is empty")

	broken, err := engineconf.Parse([]byte(`{"inbounds": [{"tag": "inbound-x", "protocol": ""}], "outbounds": []}`))
	require.NoError(t, err)
	err = broken.Validate("api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbound inbound-x has no port")
	assert.Contains(t, err.Error(), "inbound inbound-x has no protocol")
	assert.Contains(t, err.Error(), "inbound inbound-x has no client list")
}

func TestSameDesiredState_IgnoresCamouflageChoices(t *testing.T) {
	current := mustInbound(t, "a", 10001, "aa")
	require.NoError(t, current.SetRealityField("serverNames", []string{"www.apple.com"}))
	require.NoError(t, current.SetRealityField("dest", "www.apple.com:443"))

	desired := mustInbound(t, "a", 10001, "aa")
	assert.True(t, engineconf.SameDesiredState(current, desired))

	assert.False(t, engineconf.SameDesiredState(current, mustInbound(t, "a", 10002, "aa")))
	assert.False(t, engineconf.SameDesiredState(current, mustInbound(t, "a", 10001, "bb")))
}

func TestFragment_SingleEntry(t *testing.T) {
	data, err := engineconf.Fragment(mustInbound(t, "a", 10001, "aa"))
	require.NoError(t, err)

	var frag struct {
		Inbounds []engineconf.Inbound `json:"inbounds"`
	}
	require.NoError(t, json.Unmarshal(data, &frag))
	require.Len(t, frag.Inbounds, 1)
	assert.Equal(t, "inbound-a", frag.Inbounds[0].Tag)
}

func TestSetRealityField_KeepsOtherSettings(t *testing.T) {
	in := engineconf.Inbound{
		Tag:      "inbound-a",
		Port:     10001,
		Protocol: "vless",
		StreamSettings: json.RawMessage(`{
			"network": "tcp",
			"security": "reality",
			"sockopt": {"tcpFastOpen": true},
			"realitySettings": {"dest": "www.apple.com:443", "privateKey": "old", "shortIds": ["aa"],
				"spiderX": "/x", "fingerprint": "chrome", "minClientVer": "1.8.0"}
		}`),
	}
	require.NoError(t, in.SetRealityField("privateKey", "new"))

	var stream map[string]any
	require.NoError(t, json.Unmarshal(in.StreamSettings, &stream))
	assert.Equal(t, map[string]any{"tcpFastOpen": true}, stream["sockopt"])
	assert.Equal(t, "reality", stream["security"])

	reality, ok := stream["realitySettings"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "new", reality["privateKey"])
	assert.Equal(t, "/x", reality["spiderX"])
	assert.Equal(t, "chrome", reality["fingerprint"])
	assert.Equal(t, "1.8.0", reality["minClientVer"])
	assert.Equal(t, []any{"aa"}, reality["shortIds"])
	assert.NotContains(t, reality, "serverNames")
}

func TestSetRealityField_RequiresReality(t *testing.T) {
	in := engineconf.Inbound{Tag: "api", StreamSettings: json.RawMessage(`{"network": "tcp"}`)}
	assert.Error(t, in.SetRealityField("privateKey", "k"))
}
