package render

import (
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
)

type StreamSettings struct {
	Network             string            `json:"network"`
	Security            string            `json:"security"`
	TLSSettings         *TLSSettings      `json:"tlsSettings,omitempty"`
	RealitySettings     *RealitySettings  `json:"realitySettings,omitempty"`
	TCPSettings         *TCPSettings      `json:"tcpSettings,omitempty"`
	WSSettings          *PathHostSettings `json:"wsSettings,omitempty"`
	HTTPUpgradeSettings *PathHostSettings `json:"httpupgradeSettings,omitempty"`
	XHTTPSettings       *XHTTPSettings    `json:"xhttpSettings,omitempty"`
	GRPCSettings        *GRPCSettings     `json:"grpcSettings,omitempty"`
	KCPSettings         *KCPSettings      `json:"kcpSettings,omitempty"`
}

type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	Fingerprint   string   `json:"fingerprint"`
	ALPN          []string `json:"alpn,omitempty"`
	AllowInsecure bool     `json:"allowInsecure"`
}

type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type TCPSettings struct {
	Header TCPHeader `json:"header"`
}

type TCPHeader struct {
	Type    string      `json:"type"`
	Request *TCPRequest `json:"request,omitempty"`
}

type TCPRequest struct {
	Path    []string            `json:"path,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

type PathHostSettings struct {
	Path string `json:"path"`
	Host string `json:"host,omitempty"`
}

type XHTTPSettings struct {
	Path string `json:"path"`
	Host string `json:"host,omitempty"`
	Mode string `json:"mode,omitempty"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName"`
	Authority   string `json:"authority,omitempty"`
	MultiMode   bool   `json:"multiMode"`
}

type KCPSettings struct {
	Header TCPHeader `json:"header"`
	Seed   string    `json:"seed,omitempty"`
}

const defaultFingerprint = "chrome"

// networks maps the transport names found in share links to Xray network
// names. Names not listed are passed through without transport settings.
var networks = map[string]string{
	"":            "tcp",
	"tcp":         "tcp",
	"raw":         "tcp",
	"ws":          "ws",
	"websocket":   "ws",
	"httpupgrade": "httpupgrade",
	"xhttp":       "xhttp",
	"splithttp":   "xhttp",
	"grpc":        "grpc",
	"gun":         "grpc",
	"kcp":         "kcp",
	"mkcp":        "kcp",
}

// transportBuilders fill the network specific block of StreamSettings.
var transportBuilders = map[string]func(*StreamSettings, options) error{
	"tcp":         tcpTransport,
	"ws":          wsTransport,
	"httpupgrade": httpUpgradeTransport,
	"xhttp":       xhttpTransport,
	"grpc":        grpcTransport,
	"kcp":         kcpTransport,
}

// securityBuilders fill the security block of StreamSettings.
var securityBuilders = map[string]func(*StreamSettings, options) error{
	"none":    func(*StreamSettings, options) error { return nil },
	"tls":     tlsSecurity,
	"reality": realitySecurity,
}

func buildStream(scheme model.Scheme, o options) (*StreamSettings, error) {
	rawNet, err := o.str("type")
	if err != nil {
		return nil, err
	}
	network, ok := networks[strings.ToLower(rawNet)]
	if !ok {
		network = rawNet
	}

	rawSec, err := o.str("security")
	if err != nil {
		return nil, err
	}
	if rawSec == "" && scheme == model.SchemeTrojan {
		rawSec = "tls"
	}
	security, ok := model.StreamSecurity(rawSec)
	if !ok {
		return nil, o.unrepresentable("security", rawSec, nil)
	}

	s := &StreamSettings{Network: network, Security: security}
	if build, ok := transportBuilders[network]; ok {
		if err := build(s, o); err != nil {
			return nil, err
		}
	}
	if err := securityBuilders[security](s, o); err != nil {
		return nil, err
	}
	return s, nil
}

func tcpTransport(s *StreamSettings, o options) error {
	header, err := o.str("headerType")
	if err != nil {
		return err
	}
	if header == "" {
		header = "none"
	}
	h := TCPHeader{Type: header}
	if header == "http" {
		req := &TCPRequest{}
		if req.Path, err = o.list("path"); err != nil {
			return err
		}
		hosts, err := o.list("host")
		if err != nil {
			return err
		}
		if len(hosts) > 0 {
			req.Headers = map[string][]string{"Host": hosts}
		}
		h.Request = req
	}
	s.TCPSettings = &TCPSettings{Header: h}
	return nil
}

func pathHost(o options) (*PathHostSettings, error) {
	path, err := o.str("path")
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "/"
	}
	host, err := o.str("host")
	if err != nil {
		return nil, err
	}
	return &PathHostSettings{Path: path, Host: host}, nil
}

func wsTransport(s *StreamSettings, o options) error {
	ph, err := pathHost(o)
	s.WSSettings = ph
	return err
}

func httpUpgradeTransport(s *StreamSettings, o options) error {
	ph, err := pathHost(o)
	s.HTTPUpgradeSettings = ph
	return err
}

func xhttpTransport(s *StreamSettings, o options) error {
	ph, err := pathHost(o)
	if err != nil {
		return err
	}
	mode, err := o.str("mode")
	if err != nil {
		return err
	}
	s.XHTTPSettings = &XHTTPSettings{Path: ph.Path, Host: ph.Host, Mode: mode}
	return nil
}

func grpcTransport(s *StreamSettings, o options) error {
	name, err := o.str("serviceName")
	if err != nil {
		return err
	}
	if name == "" {
		// vmess links carry the service name in path
		if name, err = o.str("path"); err != nil {
			return err
		}
	}
	authority, err := o.str("authority")
	if err != nil {
		return err
	}
	mode, err := o.str("mode")
	if err != nil {
		return err
	}
	s.GRPCSettings = &GRPCSettings{
		ServiceName: name,
		Authority:   authority,
		MultiMode:   strings.EqualFold(mode, "multi"),
	}
	return nil
}

func kcpTransport(s *StreamSettings, o options) error {
	header, err := o.str("headerType")
	if err != nil {
		return err
	}
	if header == "" {
		header = "none"
	}
	seed, err := o.str("seed")
	if err != nil {
		return err
	}
	if seed == "" {
		if seed, err = o.str("path"); err != nil {
			return err
		}
	}
	s.KCPSettings = &KCPSettings{Header: TCPHeader{Type: header}, Seed: seed}
	return nil
}

func serverName(o options) (string, error) {
	sni, err := o.str("sni")
	if err != nil || sni != "" {
		return sni, err
	}
	hosts, err := o.list("host")
	if err != nil || len(hosts) == 0 {
		return "", err
	}
	return hosts[0], nil
}

func fingerprint(o options) (string, error) {
	fp, err := o.str("fp")
	if err != nil {
		return "", err
	}
	if fp == "" {
		fp = defaultFingerprint
	}
	return fp, nil
}

func tlsSecurity(s *StreamSettings, o options) error {
	name, err := serverName(o)
	if err != nil {
		return err
	}
	fp, err := fingerprint(o)
	if err != nil {
		return err
	}
	alpn, err := o.list("alpn")
	if err != nil {
		return err
	}
	s.TLSSettings = &TLSSettings{
		ServerName:    name,
		Fingerprint:   fp,
		ALPN:          alpn,
		AllowInsecure: o.flag("allowInsecure"),
	}
	return nil
}

func realitySecurity(s *StreamSettings, o options) error {
	name, err := serverName(o)
	if err != nil {
		return err
	}
	fp, err := fingerprint(o)
	if err != nil {
		return err
	}
	r := &RealitySettings{ServerName: name, Fingerprint: fp}
	if r.PublicKey, err = o.str("pbk"); err != nil {
		return err
	}
	if r.ShortID, err = o.str("sid"); err != nil {
		return err
	}
	if r.SpiderX, err = o.str("spx"); err != nil {
		return err
	}
	if r.SpiderX == "" {
		if r.SpiderX, err = o.str("path"); err != nil {
			return err
		}
	}
	s.RealitySettings = r
	return nil
}
