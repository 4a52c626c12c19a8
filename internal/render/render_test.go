package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/profile"
)

func entry(tag string, cat model.Category, d model.Descriptor) model.ResolvedEntry {
	return model.ResolvedEntry{Descriptor: d, Tag: tag, Category: cat}
}

func vlessReality() model.ResolvedEntry {
	return entry("NodeA", model.CategoryProxy, model.Descriptor{
		Scheme:   model.SchemeVLESS,
		Host:     "a.example.com",
		Port:     443,
		Identity: map[string]string{"id": "11111111-1111-1111-1111-111111111111"},
		Options: map[string]any{
			"type":     "tcp",
			"security": "reality",
			"sni":      "www.example.com",
			"pbk":      "PUBKEY",
			"sid":      "ab12",
			"flow":     "xtls-rprx-vision",
		},
		SourceLine: 1,
	})
}

func vmessWS() model.ResolvedEntry {
	return entry("cf-1", model.CategoryCDN, model.Descriptor{
		Scheme:   model.SchemeVMess,
		Host:     "104.16.1.1",
		Port:     443,
		Identity: map[string]string{"id": "22222222-2222-2222-2222-222222222222", "security": "auto"},
		Options: map[string]any{
			"type":          "ws",
			"security":      "tls",
			"host":          "cdn.example.com",
			"path":          "/ray?ed=2048",
			"alterId":       "0",
			"alpn":          "h2, http/1.1",
			"allowInsecure": true,
		},
		SourceLine: 2,
	})
}

func trojanPlain() model.ResolvedEntry {
	return entry("t1", model.CategoryProxy, model.Descriptor{
		Scheme:     model.SchemeTrojan,
		Host:       "t.example.com",
		Port:       443,
		Identity:   map[string]string{"password": "secret"},
		Options:    map[string]any{"sni": "t.example.com"},
		SourceLine: 3,
	})
}

func shadowsocks() model.ResolvedEntry {
	return entry("ss1", model.CategoryProxy, model.Descriptor{
		Scheme:     model.SchemeSS,
		Host:       "1.2.3.4",
		Port:       8388,
		Identity:   map[string]string{"method": "chacha20-ietf-poly1305", "password": "pw"},
		Options:    map[string]any{"plugin": "obfs-local;obfs=http"},
		SourceLine: 4,
	})
}

func TestBuildOutbounds_Mapping(t *testing.T) {
	obs, err := BuildOutbounds([]model.ResolvedEntry{vlessReality(), vmessWS(), trojanPlain(), shadowsocks()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(obs) != 6 {
		t.Fatalf("len=%d, want=6", len(obs))
	}
	if obs[4].Tag != "direct" || obs[4].Protocol != "freedom" {
		t.Fatalf("direct outbound=%+v", obs[4])
	}
	if obs[5].Tag != "block" || obs[5].Protocol != "blackhole" {
		t.Fatalf("block outbound=%+v", obs[5])
	}

	v := obs[0]
	if v.Protocol != "vless" {
		t.Fatalf("protocol=%q", v.Protocol)
	}
	users := v.Settings.(vnextSettings[vlessUser]).Vnext[0].Users
	if users[0].Encryption != "none" || users[0].Flow != "xtls-rprx-vision" {
		t.Fatalf("user=%+v", users[0])
	}
	ss := v.StreamSettings
	if ss.Network != "tcp" || ss.Security != "reality" || ss.TCPSettings == nil || ss.TCPSettings.Header.Type != "none" {
		t.Fatalf("stream=%+v", ss)
	}
	wantReality := &RealitySettings{ServerName: "www.example.com", Fingerprint: "chrome", PublicKey: "PUBKEY", ShortID: "ab12"}
	if !reflect.DeepEqual(ss.RealitySettings, wantReality) {
		t.Fatalf("reality=%+v, want=%+v", ss.RealitySettings, wantReality)
	}

	m := obs[1]
	vu := m.Settings.(vnextSettings[vmessUser]).Vnext[0].Users[0]
	if vu.Security != "auto" || vu.AlterID != 0 {
		t.Fatalf("vmess user=%+v", vu)
	}
	if m.StreamSettings.WSSettings == nil || m.StreamSettings.WSSettings.Path != "/ray?ed=2048" || m.StreamSettings.WSSettings.Host != "cdn.example.com" {
		t.Fatalf("ws=%+v", m.StreamSettings.WSSettings)
	}
	wantTLS := &TLSSettings{ServerName: "cdn.example.com", Fingerprint: "chrome", ALPN: []string{"h2", "http/1.1"}, AllowInsecure: true}
	if !reflect.DeepEqual(m.StreamSettings.TLSSettings, wantTLS) {
		t.Fatalf("tls=%+v, want=%+v", m.StreamSettings.TLSSettings, wantTLS)
	}

	tr := obs[2]
	if tr.StreamSettings.Security != "tls" || tr.StreamSettings.TLSSettings.AllowInsecure {
		t.Fatalf("trojan stream=%+v", tr.StreamSettings)
	}
	if got := tr.Settings.(serverSettings).Servers[0].Password; got != "secret" {
		t.Fatalf("password=%q", got)
	}

	s := obs[3]
	if s.Protocol != "shadowsocks" || s.StreamSettings != nil {
		t.Fatalf("ss outbound=%+v", s)
	}
	if got := s.Settings.(serverSettings).Servers[0].Method; got != "chacha20-ietf-poly1305" {
		t.Fatalf("method=%q", got)
	}
}

func TestBuildOutbounds_Transports(t *testing.T) {
	tests := []struct {
		opts  map[string]any
		check func(*StreamSettings) bool
	}{
		{map[string]any{"type": "grpc", "serviceName": "svc", "mode": "multi"}, func(s *StreamSettings) bool {
			return s.Network == "grpc" && s.GRPCSettings != nil && s.GRPCSettings.ServiceName == "svc" && s.GRPCSettings.MultiMode
		}},
		{map[string]any{"type": "httpupgrade"}, func(s *StreamSettings) bool {
			return s.HTTPUpgradeSettings != nil && s.HTTPUpgradeSettings.Path == "/"
		}},
		{map[string]any{"type": "splithttp", "path": "/x", "mode": "auto"}, func(s *StreamSettings) bool {
			return s.Network == "xhttp" && s.XHTTPSettings != nil && s.XHTTPSettings.Path == "/x" && s.XHTTPSettings.Mode == "auto"
		}},
		{map[string]any{"type": "tcp", "headerType": "http", "host": "a.com,b.com", "path": "/p"}, func(s *StreamSettings) bool {
			h := s.TCPSettings.Header
			return h.Type == "http" && reflect.DeepEqual(h.Request.Headers["Host"], []string{"a.com", "b.com"}) && reflect.DeepEqual(h.Request.Path, []string{"/p"})
		}},
		{map[string]any{"type": "kcp", "path": "seed1"}, func(s *StreamSettings) bool {
			return s.KCPSettings != nil && s.KCPSettings.Seed == "seed1"
		}},
		{map[string]any{"type": "h2"}, func(s *StreamSettings) bool {
			return s.Network == "h2" && s.TCPSettings == nil
		}},
		{map[string]any{"security": "reality", "path": "/spider"}, func(s *StreamSettings) bool {
			return s.RealitySettings != nil && s.RealitySettings.SpiderX == "/spider"
		}},
	}
	for i, tt := range tests {
		e := entry("n", model.CategoryProxy, model.Descriptor{
			Scheme: model.SchemeVLESS, Host: "h", Port: 1, Identity: map[string]string{"id": "x"}, Options: tt.opts,
		})
		obs, err := BuildOutbounds([]model.ResolvedEntry{e})
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if !tt.check(obs[0].StreamSettings) {
			t.Fatalf("case %d: stream=%+v", i, obs[0].StreamSettings)
		}
	}
}

func TestBuildOutbounds_UnrepresentableOption(t *testing.T) {
	tests := []map[string]any{
		{"type": 3},
		{"path": []string{"/a"}},
		{"sni": true, "security": "tls"},
		{"security": "quantum"},
	}
	for i, opts := range tests {
		e := entry("bad", model.CategoryProxy, model.Descriptor{
			Scheme: model.SchemeVLESS, Host: "h", Port: 1, Identity: map[string]string{"id": "x"}, Options: opts, SourceLine: 9,
		})
		_, err := BuildOutbounds([]model.ResolvedEntry{e})
		var re *RenderError
		if !errors.As(err, &re) {
			t.Fatalf("case %d: expected *RenderError, got %T: %v", i, err, err)
		}
		if re.AppError.Code != "UNREPRESENTABLE_OPTION" || re.AppError.Line != 9 || re.AppError.Stage != "render" {
			t.Fatalf("case %d: app error=%+v", i, re.AppError)
		}
	}

	e := vmessWS()
	e.Descriptor.Options = map[string]any{"alterId": "many"}
	if _, err := BuildOutbounds([]model.ResolvedEntry{e}); err == nil {
		t.Fatalf("expected error for non-numeric alterId")
	}
}

func TestBuildRouting_DefaultProfile(t *testing.T) {
	prof := profile.Default()
	entries := []model.ResolvedEntry{vlessReality(), vmessWS(), trojanPlain()}

	doc, err := BuildRouting(entries, prof.Rules, prof)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := doc.Routing
	if r.DomainStrategy != "IPIfNonMatch" {
		t.Fatalf("domainStrategy=%q", r.DomainStrategy)
	}

	wantBalancers := []Balancer{
		{Tag: "claude-balance", Selector: []string{"cf-1"}, Strategy: BalancerStrategy{Type: "leastPing"}},
		{Tag: "proxy-balance", Selector: []string{"NodeA", "t1"}, Strategy: BalancerStrategy{Type: "leastPing"}},
	}
	if !reflect.DeepEqual(r.Balancers, wantBalancers) {
		t.Fatalf("balancers=%+v, want=%+v", r.Balancers, wantBalancers)
	}

	last := r.Rules[len(r.Rules)-1]
	if last.BalancerTag != "proxy-balance" || last.OutboundTag != "" || last.Network != "tcp,udp" {
		t.Fatalf("catch-all=%+v", last)
	}

	outbounds := map[string]bool{"direct": true, "block": true}
	balancers := map[string]bool{"claude-balance": true, "proxy-balance": true}
	var sawCDN bool
	for _, rr := range r.Rules {
		if !reflect.DeepEqual(rr.InboundTag, []string{"redirect", "tproxy"}) {
			t.Fatalf("inboundTag=%v", rr.InboundTag)
		}
		if rr.OutboundTag != "" && !outbounds[rr.OutboundTag] {
			t.Fatalf("dangling outboundTag %q", rr.OutboundTag)
		}
		if rr.BalancerTag != "" && !balancers[rr.BalancerTag] {
			t.Fatalf("dangling balancerTag %q", rr.BalancerTag)
		}
		if rr.BalancerTag == "warp-balance" {
			t.Fatalf("rule for empty warp category kept: %+v", rr)
		}
		if rr.BalancerTag == "claude-balance" {
			sawCDN = true
		}
	}
	if !sawCDN {
		t.Fatalf("cdn domain rule missing")
	}

	if r.Rules[0].Port != "53" || r.Rules[0].OutboundTag != "direct" {
		t.Fatalf("first rule=%+v", r.Rules[0])
	}
	if r.Rules[1].Port != "135,137,138,139" || r.Rules[1].Network != "udp" {
		t.Fatalf("netbios rule=%+v", r.Rules[1])
	}
	ads := r.Rules[2]
	if ads.OutboundTag != "block" || len(ads.Domain) != 12 || ads.Domain[0] != "ext:geosite_v2fly.dat:category-ads-all" || ads.Domain[11] != "crashlytics.com" {
		t.Fatalf("ads rule=%+v", ads)
	}
}

func TestBuildRouting_NoEntries(t *testing.T) {
	prof := profile.Default()
	doc, err := BuildRouting(nil, prof.Rules, prof)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Routing.Balancers) != 0 {
		t.Fatalf("balancers=%+v", doc.Routing.Balancers)
	}
	last := doc.Routing.Rules[len(doc.Routing.Rules)-1]
	if last.OutboundTag != "direct" || last.BalancerTag != "" {
		t.Fatalf("catch-all=%+v", last)
	}
	for _, rr := range doc.Routing.Rules {
		if rr.BalancerTag != "" {
			t.Fatalf("balancer rule without entries: %+v", rr)
		}
	}

	b, err := Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(b, []byte(`"balancers": []`)) {
		t.Fatalf("balancers should encode as an empty array:\n%s", b)
	}
}

func TestBuildRouting_CatchAllPrefersProxyThenCDN(t *testing.T) {
	prof := profile.Default()
	warp := entry("warp-x", model.CategoryWarp, trojanPlain().Descriptor)
	doc, err := BuildRouting([]model.ResolvedEntry{warp, vmessWS()}, nil, prof)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Routing.Rules) != 1 || doc.Routing.Rules[0].BalancerTag != "claude-balance" {
		t.Fatalf("rules=%+v", doc.Routing.Rules)
	}
	if got := []string{doc.Routing.Balancers[0].Tag, doc.Routing.Balancers[1].Tag}; !reflect.DeepEqual(got, []string{"claude-balance", "warp-balance"}) {
		t.Fatalf("balancer order=%v", got)
	}
}

func TestRender_EncodingIsDeterministic(t *testing.T) {
	prof := profile.Default()
	e := vlessReality()
	e.Tag = "a&b<c>"
	entries := []model.ResolvedEntry{e, vmessWS()}

	first, err := Render(entries, prof.Rules, prof)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Render(entries, prof.Rules, prof)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first.Outbounds, second.Outbounds) || !bytes.Equal(first.Routing, second.Routing) {
		t.Fatalf("render is not deterministic")
	}
	if !bytes.HasSuffix(first.Outbounds, []byte("}\n]\n")) || !bytes.HasSuffix(first.Routing, []byte("}\n")) {
		t.Fatalf("documents must end with a newline")
	}
	if !strings.Contains(string(first.Outbounds), `"tag": "a&b<c>"`) {
		t.Fatalf("HTML characters should not be escaped:\n%s", first.Outbounds)
	}

	var arr []map[string]any
	if err := json.Unmarshal(first.Outbounds, &arr); err != nil {
		t.Fatalf("outbounds is not a JSON array: %v", err)
	}
	var obj map[string]map[string]any
	if err := json.Unmarshal(first.Routing, &obj); err != nil {
		t.Fatalf("routing is not a JSON object: %v", err)
	}
	if _, ok := obj["routing"]["balancers"]; !ok {
		t.Fatalf("routing.balancers missing")
	}
}

func TestRender_NilProfile(t *testing.T) {
	_, err := Render(nil, nil, nil)
	var re *RenderError
	if !errors.As(err, &re) || re.AppError.Code != "INVALID_ARGUMENT" {
		t.Fatalf("err=%v", err)
	}
}
