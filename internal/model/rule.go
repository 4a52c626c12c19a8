package model

// Rule is one static routing line from the routing profile.
//
// Action is "direct", "block" or "@<category>" (a balancer reference that is
// resolved at render time).
type Rule struct {
	Type    string   // e.g. "DOMAIN-SUFFIX", "IP-CIDR", "PORT"
	Values  []string // one or more alternatives ("a|b" in the source line)
	Action  string
	Network string // "", "tcp" or "udp"
}
