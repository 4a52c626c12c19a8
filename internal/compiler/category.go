package compiler

import (
	"strings"

	"github.com/John-Robertt/subxray/internal/model"
)

// Classify picks the balancer category of a canonical descriptor.
//
//	warp:  label, "host" or "path" option mentions warp, or path mentions cloudflare
//	cdn:   non-ss node whose address is in 104.0.0.0/8 or names cloudflare/cdn
//	proxy: everything else
func Classify(d model.Descriptor) model.Category {
	label := strings.ToLower(d.Label)
	path := strings.ToLower(d.Option("path"))
	hostHeader := strings.ToLower(d.Option("host"))
	if strings.Contains(label, "warp") ||
		strings.Contains(path, "warp") || strings.Contains(path, "cloudflare") ||
		strings.Contains(hostHeader, "warp") {
		return model.CategoryWarp
	}

	if d.Scheme != model.SchemeSS {
		addr := strings.ToLower(d.Host)
		if strings.HasPrefix(addr, "104.") || strings.Contains(addr, "cloudflare") || strings.Contains(addr, "cdn") {
			return model.CategoryCDN
		}
	}
	return model.CategoryProxy
}
