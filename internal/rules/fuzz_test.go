package rules

import "testing"

func FuzzParseInlineRule(f *testing.F) {
	seed := []string{
		"",
		"  \n",
		"# comment",
		"MATCH,direct",
		"DOMAIN,example.com,direct",
		"DOMAIN-SUFFIX,example.com|example.org,@proxy",
		"DOMAIN-KEYWORD,google,block",
		"DOMAIN-REGEX,^ads\\.,block",
		"GEOIP,CN,direct",
		"GEOSITE,cn,direct",
		"EXT-SITE,geosite_v2fly.dat:category-ads-all,block",
		"IP-CIDR,1.2.3.0/24,direct",
		"IP-CIDR6,2001:db8::/32,block,udp",
		"PORT,135|137|138|139,block,udp",
		"PROTOCOL,bittorrent,direct",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		r, err := ParseInlineRule(line)
		if err != nil {
			return
		}
		if _, ok := MatcherFor(r.Type); !ok {
			t.Fatalf("unknown rule type %q", r.Type)
		}
		if _, err := NormalizeAction(r.Action); err != nil {
			t.Fatalf("invalid action %q", r.Action)
		}
		if len(r.Values) == 0 {
			t.Fatalf("no values for type=%q", r.Type)
		}
		for _, v := range r.Values {
			if v == "" {
				t.Fatalf("empty value for type=%q", r.Type)
			}
		}
		if r.Network != "" && r.Network != "tcp" && r.Network != "udp" {
			t.Fatalf("network=%q", r.Network)
		}
	})
}
