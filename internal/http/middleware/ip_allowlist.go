package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/atendezap/atendezap/pkg/logging"
)

// IPAllowlist gates admin routes to configured CIDRs. An empty list admits
// everyone so local development needs no setup.
func IPAllowlist(cidrs []string, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	var blocks []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("ignoring invalid admin CIDR", "cidr", cidr)
			continue
		}
		blocks = append(blocks, block)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(blocks) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			ip := net.ParseIP(hostOnly(clientIP(r)))
			if ip == nil || !contained(blocks, ip) {
				logger.Warn("admin request from unlisted IP", "remote_ip", r.RemoteAddr)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}

func contained(blocks []*net.IPNet, ip net.IP) bool {
	for _, block := range blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
