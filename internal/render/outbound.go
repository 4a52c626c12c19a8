package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/rules"
)

type Outbound struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings,omitempty"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
}

type vnextSettings[U any] struct {
	Vnext []vnextServer[U] `json:"vnext"`
}

type vnextServer[U any] struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Users   []U    `json:"users"`
}

type vmessUser struct {
	ID       string `json:"id"`
	AlterID  int    `json:"alterId"`
	Security string `json:"security"`
	Level    int    `json:"level"`
}

type vlessUser struct {
	ID         string `json:"id"`
	Encryption string `json:"encryption"`
	Flow       string `json:"flow,omitempty"`
	Level      int    `json:"level"`
}

type serverSettings struct {
	Servers []server `json:"servers"`
}

type server struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method,omitempty"`
	Password string `json:"password"`
	Level    int    `json:"level"`
}

type blackholeSettings struct {
	Response struct {
		Type string `json:"type"`
	} `json:"response"`
}

// settingsBuilder is the per-scheme protocol mapping.
type settingsBuilder func(e model.ResolvedEntry, o options) (any, error)

var settingsBuilders = map[model.Scheme]settingsBuilder{
	model.SchemeVMess:  vmessSettings,
	model.SchemeVLESS:  vlessSettings,
	model.SchemeTrojan: trojanSettings,
	model.SchemeSS:     shadowsocksSettings,
}

// BuildOutbounds maps every entry to an outbound, in entry order, and appends
// the static direct and block outbounds.
func BuildOutbounds(entries []model.ResolvedEntry) ([]Outbound, error) {
	out := make([]Outbound, 0, len(entries)+2)
	for _, e := range entries {
		ob, err := buildOutbound(e)
		if err != nil {
			return nil, err
		}
		out = append(out, ob)
	}

	block := blackholeSettings{}
	block.Response.Type = "http"
	out = append(out,
		Outbound{Tag: rules.ActionDirect, Protocol: "freedom"},
		Outbound{Tag: rules.ActionBlock, Protocol: "blackhole", Settings: block},
	)
	return out, nil
}

func buildOutbound(e model.ResolvedEntry) (Outbound, error) {
	d := e.Descriptor
	build, ok := settingsBuilders[d.Scheme]
	if !ok {
		return Outbound{}, &RenderError{
			AppError: model.AppError{
				Code:    "UNSUPPORTED_SCHEME",
				Message: fmt.Sprintf("不支持的节点协议：%s", d.Scheme),
				Stage:   "render",
				Line:    d.SourceLine,
				Snippet: e.Tag,
			},
		}
	}

	o, err := newOptions(e)
	if err != nil {
		return Outbound{}, err
	}
	settings, err := build(e, o)
	if err != nil {
		return Outbound{}, err
	}
	ob := Outbound{Tag: e.Tag, Protocol: d.Scheme.Protocol(), Settings: settings}
	if d.Scheme != model.SchemeSS {
		stream, err := buildStream(d.Scheme, o)
		if err != nil {
			return Outbound{}, err
		}
		ob.StreamSettings = stream
	}
	return ob, nil
}

func vmessSettings(e model.ResolvedEntry, o options) (any, error) {
	d := e.Descriptor
	alterID := 0
	if raw, err := o.str("alterId"); err != nil {
		return nil, err
	} else if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, o.unrepresentable("alterId", raw, err)
		}
		alterID = n
	}
	security := d.Identity["security"]
	if security == "" {
		security = "auto"
	}
	return vnextSettings[vmessUser]{Vnext: []vnextServer[vmessUser]{{
		Address: d.Host,
		Port:    d.Port,
		Users:   []vmessUser{{ID: d.Identity["id"], AlterID: alterID, Security: security}},
	}}}, nil
}

func vlessSettings(e model.ResolvedEntry, o options) (any, error) {
	d := e.Descriptor
	encryption, err := o.str("encryption")
	if err != nil {
		return nil, err
	}
	if encryption == "" {
		encryption = "none"
	}
	flow, err := o.str("flow")
	if err != nil {
		return nil, err
	}
	return vnextSettings[vlessUser]{Vnext: []vnextServer[vlessUser]{{
		Address: d.Host,
		Port:    d.Port,
		Users:   []vlessUser{{ID: d.Identity["id"], Encryption: encryption, Flow: flow}},
	}}}, nil
}

func trojanSettings(e model.ResolvedEntry, _ options) (any, error) {
	d := e.Descriptor
	return serverSettings{Servers: []server{{Address: d.Host, Port: d.Port, Password: d.Identity["password"]}}}, nil
}

// shadowsocksSettings ignores SIP003 plugin options; Xray has no plugin
// support for shadowsocks outbounds.
func shadowsocksSettings(e model.ResolvedEntry, _ options) (any, error) {
	d := e.Descriptor
	return serverSettings{Servers: []server{{
		Address:  d.Host,
		Port:     d.Port,
		Method:   strings.ToLower(d.Identity["method"]),
		Password: d.Identity["password"],
	}}}, nil
}
